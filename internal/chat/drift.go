package chat

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// stabilizerPrompt is the reinforcement system message injected when the
// detector flags a drifting user message.
const stabilizerPrompt = `The latest user message departs sharply from the conversation's established subject. Before following it, reconcile with the existing thread: goals already stated remain in effect, decisions already made stay made, and work in progress is not abandoned silently. If the user truly wants to switch topics, acknowledge the switch and say what is being set aside.`

const (
	defaultDriftThreshold = 0.85
	defaultAxisWindow     = 6 // prior user messages forming the axis
	minSignalWords        = 3
)

// driftStopwords are high-frequency words that carry no topical signal.
var driftStopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"what": true, "your": true, "about": true, "would": true, "could": true,
	"should": true, "there": true, "their": true, "they": true, "them": true,
	"then": true, "than": true, "will": true, "when": true, "where": true,
	"which": true, "while": true, "been": true, "being": true, "does": true,
	"just": true, "like": true, "some": true, "only": true, "over": true,
	"into": true, "also": true, "very": true, "more": true, "most": true,
	"please": true, "really": true, "thanks": true, "thank": true,
	"want": true, "need": true, "make": true, "give": true, "tell": true,
}

// DriftResult is one detector verdict.
type DriftResult struct {
	Score   float64
	Drifted bool
}

// DriftDetector scores how far the latest user message strays from the
// lexical axis of the preceding user messages. The score is 1 minus the
// overlap ratio of significant words; a conversation too short to have an
// axis never drifts.
type DriftDetector struct {
	threshold  float64
	axisWindow int
}

// NewDriftDetector creates a detector. A zero threshold takes the default.
func NewDriftDetector(threshold float64) *DriftDetector {
	if threshold == 0 {
		threshold = defaultDriftThreshold
	}
	return &DriftDetector{threshold: threshold, axisWindow: defaultAxisWindow}
}

// Threshold returns the configured trigger ratio.
func (d *DriftDetector) Threshold() float64 { return d.threshold }

// Check scores the latest user message against the history preceding it.
func (d *DriftDetector) Check(history []*schema.Message, latest string) DriftResult {
	axis := d.axisVocabulary(history)
	if len(axis) == 0 {
		return DriftResult{}
	}

	words := signalWords(latest)
	if len(words) < minSignalWords {
		return DriftResult{}
	}

	overlap := 0
	for w := range words {
		if axis[w] {
			overlap++
		}
	}
	score := 1 - float64(overlap)/float64(len(words))
	return DriftResult{Score: score, Drifted: score > d.threshold}
}

// axisVocabulary folds the significant words of the last axisWindow user
// messages into one set.
func (d *DriftDetector) axisVocabulary(history []*schema.Message) map[string]bool {
	var userMsgs []*schema.Message
	for _, msg := range history {
		if msg.Role == schema.User {
			userMsgs = append(userMsgs, msg)
		}
	}
	if len(userMsgs) < 2 {
		return nil
	}
	if len(userMsgs) > d.axisWindow {
		userMsgs = userMsgs[len(userMsgs)-d.axisWindow:]
	}

	axis := make(map[string]bool)
	for _, msg := range userMsgs {
		for w := range signalWords(msg.Content) {
			axis[w] = true
		}
	}
	return axis
}

// signalWords returns the set of lowercased words of length ≥ 4 that are
// not stopwords.
func signalWords(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) >= 4 && !driftStopwords[w] {
			words[w] = true
		}
	}
	return words
}
