package actions

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestUndoSafetyProperty verifies that undo never reaches an entry without
// an inverse: whatever mix of undoable and non-undoable calls is recorded,
// a bulk undo only ever reverses entries that captured one.
func TestUndoSafetyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("undo walks only reach entries with inverses", prop.ForAll(
		func(flags []bool, n int) bool {
			log := NewLog(nil)
			log.SetUndoer(func(ctx context.Context, inv Inverse) error { return nil })

			hadInverse := map[string]bool{}
			for _, undoable := range flags {
				rec := log.Append("", "fs.write", CategoryMutate, nil, undoable, ApprovalAuto)
				var inv *Inverse
				if undoable {
					inv = &Inverse{Tool: "fs.write"}
					hadInverse[rec.ID] = true
				}
				if _, err := log.Finalize(rec.ID, 1, "", inv); err != nil {
					return false
				}
			}

			for _, res := range log.UndoLastN(context.Background(), n) {
				if !hadInverse[res.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 16),
	))

	properties.Property("undoable and non-undoable listings are disjoint", prop.ForAll(
		func(flags []bool) bool {
			log := NewLog(nil)
			log.SetUndoer(func(ctx context.Context, inv Inverse) error { return nil })

			for _, undoable := range flags {
				rec := log.Append("", "fs.write", CategoryMutate, nil, undoable, ApprovalAuto)
				var inv *Inverse
				if undoable {
					inv = &Inverse{Tool: "fs.write"}
				}
				if _, err := log.Finalize(rec.ID, 1, "", inv); err != nil {
					return false
				}
			}

			nonUndoable := map[string]bool{}
			for _, rec := range log.ListNonUndoableRecent() {
				nonUndoable[rec.ID] = true
			}
			for _, rec := range log.ListUndoable() {
				if nonUndoable[rec.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// TestAppendOnlyProperty verifies the log never loses entries: undoing any
// number of actions leaves the total entry count unchanged.
func TestAppendOnlyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("undo does not remove entries", prop.ForAll(
		func(count uint8, n int) bool {
			log := NewLog(nil)
			log.SetUndoer(func(ctx context.Context, inv Inverse) error { return nil })

			appended := int(count % 24)
			for i := 0; i < appended; i++ {
				rec := log.Append("", "fs.write", CategoryMutate, nil, true, ApprovalAuto)
				if _, err := log.Finalize(rec.ID, 1, "", &Inverse{Tool: "fs.write"}); err != nil {
					return false
				}
			}

			log.UndoLastN(context.Background(), n)
			return log.Len() == appended
		},
		gen.UInt8(),
		gen.IntRange(0, 32),
	))

	properties.TestingRun(t)
}
