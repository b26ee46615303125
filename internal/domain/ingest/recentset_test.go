package ingest_test

import (
	"fmt"
	"testing"

	"telegram-sync-worker/internal/domain/ingest"
)

func TestRecentSetAddContains(t *testing.T) {
	t.Parallel()

	s := ingest.NewRecentSet()
	if s.Contains("100:1") {
		t.Fatal("empty set must not contain anything")
	}

	s.Add("100:1")
	if !s.Contains("100:1") {
		t.Fatal("key must be present after Add")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	// Повторная вставка не меняет размер.
	s.Add("100:1")
	if s.Len() != 1 {
		t.Fatalf("Len() after duplicate Add = %d, want 1", s.Len())
	}
}

func TestRecentSetTruncation(t *testing.T) {
	t.Parallel()

	s := ingest.NewRecentSet()
	total := 10000
	for i := 0; i < total; i++ {
		s.Add(fmt.Sprintf("1:%d", i))
	}

	if s.Len() != 5000 {
		t.Fatalf("Len() after overflow = %d, want 5000", s.Len())
	}

	// Старейшие ключи вытеснены, новейшие остались.
	if s.Contains("1:0") {
		t.Error("oldest key must be evicted")
	}
	if s.Contains(fmt.Sprintf("1:%d", total-5001)) {
		t.Error("key below the retained tail must be evicted")
	}
	if !s.Contains(fmt.Sprintf("1:%d", total-1)) {
		t.Error("newest key must survive truncation")
	}
	if !s.Contains(fmt.Sprintf("1:%d", total-5000)) {
		t.Error("first key of the retained tail must survive truncation")
	}
}
