package change_test

import (
	"testing"

	"github.com/nuulab/flowcore/pkg/change"
)

func TestMaskTracksUpTo32BitsIndependently(t *testing.T) {
	m := change.NewMask(32)
	for i := 0; i < 32; i++ {
		m.Mark(i)
	}
	if m.Count() != 32 {
		t.Fatalf("expected 32 marked bits, got %d", m.Count())
	}
	for i := 0; i < 32; i++ {
		if !m.IsMarked(i) {
			t.Errorf("expected bit %d to be marked", i)
		}
	}
}

func TestMaskOverflowsIntoSecondWord(t *testing.T) {
	m := change.NewMask(1)
	m.Mark(64) // bit 64 is the first bit of the second 64-bit word
	if !m.IsMarked(64) {
		t.Fatal("expected bit 64 to be marked via a second mask word")
	}
	if m.IsMarked(63) {
		t.Error("bit 63 should not be marked")
	}
}

func TestMaskClearResetsHasChanges(t *testing.T) {
	m := change.NewMask(4)
	m.Mark(2)
	if !m.HasChanges() {
		t.Fatal("expected HasChanges after Mark")
	}
	m.Clear()
	if m.HasChanges() {
		t.Error("expected HasChanges to be false after Clear")
	}
}

type namer struct{ names []string }

func (n namer) FieldName(bit int) string { return n.names[bit] }

func TestGetChangedFieldNames(t *testing.T) {
	m := change.NewMask(3)
	m.Mark(0)
	m.Mark(2)
	names := change.GetChangedFieldNames(m, namer{names: []string{"amount", "currency", "status"}})
	if len(names) != 2 || names[0] != "amount" || names[1] != "status" {
		t.Fatalf("unexpected changed field names: %v", names)
	}
}

func TestGetChangedFieldNamesWithoutNamer(t *testing.T) {
	m := change.NewMask(1)
	m.Mark(12)
	names := change.GetChangedFieldNames(m, nil)
	if len(names) != 1 || names[0] != "field12" {
		t.Fatalf("expected fallback name field12, got %v", names)
	}
}
