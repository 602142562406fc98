package chat

import (
	"testing"

	"github.com/cloudwego/eino/schema"
)

func TestDriftNeedsTwoPriorUserMessages(t *testing.T) {
	d := NewDriftDetector(0)
	history := []*schema.Message{
		userMsg("refactor the storage layer tests"),
		assistantMsg("sure"),
	}
	res := d.Check(history, "completely unrelated cooking recipes question here")
	if res.Drifted {
		t.Error("drifted with a single prior user message")
	}
	if res.Score != 0 {
		t.Errorf("score = %v, want 0 without an axis", res.Score)
	}
}

func TestDriftIgnoresShortMessages(t *testing.T) {
	d := NewDriftDetector(0)
	history := []*schema.Message{
		userMsg("refactor the storage layer tests"),
		userMsg("storage layer still failing on load"),
	}
	// Only "park" survives the length filter; too little signal to judge.
	res := d.Check(history, "ok car park")
	if res.Drifted {
		t.Error("drifted on a message below the signal floor")
	}
}

func TestDriftOnTopicSwitch(t *testing.T) {
	d := NewDriftDetector(0)
	history := []*schema.Message{
		userMsg("refactor the storage layer and update persistence tests"),
		assistantMsg("done, storage layer refactored"),
		userMsg("now wire the storage persistence into the scheduler"),
	}
	res := d.Check(history, "write a birthday poem about dolphins swimming oceans")
	if !res.Drifted {
		t.Errorf("no drift flagged, score = %v", res.Score)
	}
	if res.Score != 1 {
		t.Errorf("score = %v, want 1 with zero overlap", res.Score)
	}
}

func TestDriftStaysOnTopic(t *testing.T) {
	d := NewDriftDetector(0)
	history := []*schema.Message{
		userMsg("refactor the storage layer and update persistence tests"),
		userMsg("now wire the storage persistence into the scheduler"),
	}
	res := d.Check(history, "also make the storage persistence handle scheduler restarts")
	if res.Drifted {
		t.Errorf("on-topic message flagged, score = %v", res.Score)
	}
}

func TestDriftAxisOnlyUsesUserMessages(t *testing.T) {
	d := NewDriftDetector(0)
	// The assistant talks about dolphins; the user axis never does.
	history := []*schema.Message{
		userMsg("refactor the storage layer and update persistence tests"),
		assistantMsg("dolphins swimming oceans birthday poem"),
		userMsg("continue with the storage persistence refactor please"),
	}
	res := d.Check(history, "write a birthday poem about dolphins swimming oceans")
	if !res.Drifted {
		t.Errorf("assistant text leaked into the axis, score = %v", res.Score)
	}
}

func TestSignalWordsFiltering(t *testing.T) {
	words := signalWords("Please make the HTTP-Server restart, thanks! a bb ccc")
	for _, w := range []string{"please", "make", "thanks"} {
		if words[w] {
			t.Errorf("stopword %q kept", w)
		}
	}
	for _, w := range []string{"a", "bb", "ccc", "the"} {
		if words[w] {
			t.Errorf("short word %q kept", w)
		}
	}
	if !words["http"] || !words["server"] || !words["restart"] {
		t.Errorf("significant words missing: %v", words)
	}
}

func TestDriftCustomThreshold(t *testing.T) {
	d := NewDriftDetector(0.5)
	if d.Threshold() != 0.5 {
		t.Fatalf("threshold = %v", d.Threshold())
	}
	history := []*schema.Message{
		userMsg("storage layer persistence tests"),
		userMsg("storage layer scheduler restarts"),
	}
	// One of five signal words overlaps: score 0.8 > 0.5.
	res := d.Check(history, "persistence across dolphin swimming competitions")
	if !res.Drifted {
		t.Errorf("score %v should trip the 0.5 threshold", res.Score)
	}
}
