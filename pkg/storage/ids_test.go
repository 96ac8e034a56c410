package storage

import (
	"regexp"
	"testing"
)

func TestNewShortIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^gt-[0-9a-f]{6}$`)
	for i := 0; i < 100; i++ {
		id := NewShortID(KindTask, "gp-000001")
		if !pattern.MatchString(id) {
			t.Fatalf("id %q does not match %s", id, pattern)
		}
	}
}

func TestNewShortIDKindPrefixes(t *testing.T) {
	kinds := []string{KindTask, KindSession, KindProject, KindMemory, KindArtifact, KindHandoff}
	for _, kind := range kinds {
		id := NewShortID(kind, "gp-000001")
		if id[:len(kind)] != kind {
			t.Errorf("id %q missing prefix %q", id, kind)
		}
	}
}

func TestNewShortIDVaries(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		seen[NewShortID(KindTask, "gp-000001")] = true
	}
	// 24 bits of space; 1000 draws should produce far more than one value.
	if len(seen) < 900 {
		t.Fatalf("expected near-unique ids, got %d distinct of 1000", len(seen))
	}
}
