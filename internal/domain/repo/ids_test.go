package repo_test

import (
	"strings"
	"testing"
	"time"

	"telegram-sync-worker/internal/domain/repo"
)

func TestDeterministicIDs(t *testing.T) {
	t.Parallel()

	sentAt := time.Unix(1700000000, 0).UTC()

	cases := []struct {
		name   string
		gen    func() string
		prefix string
		length int
	}{
		{name: "conversation", gen: func() string { return repo.ConversationID(-100123) }, prefix: "c", length: 25},
		{name: "message", gen: func() string { return repo.MessageID(42, sentAt) }, prefix: "m", length: 25},
		{name: "contact", gen: func() string { return repo.ContactID(777) }, prefix: "ct", length: 26},
		{name: "identity", gen: func() string { return repo.IdentityID(777) }, prefix: "si", length: 26},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			first, second := tc.gen(), tc.gen()
			if first != second {
				t.Fatalf("id is not deterministic: %q != %q", first, second)
			}
			if !strings.HasPrefix(first, tc.prefix) {
				t.Errorf("id %q must start with %q", first, tc.prefix)
			}
			if len(first) != tc.length {
				t.Errorf("len(%q) = %d, want %d", first, len(first), tc.length)
			}
		})
	}
}

func TestMessageIDDependsOnInputs(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0).UTC()
	a := repo.MessageID(42, base)
	if b := repo.MessageID(43, base); a == b {
		t.Error("different external ids must give different message ids")
	}
	if b := repo.MessageID(42, base.Add(time.Second)); a == b {
		t.Error("different sent_at must give different message ids")
	}
	// Часовой пояс не влияет: хэшируется unix-время.
	if b := repo.MessageID(42, base.In(time.FixedZone("x", 3600))); a != b {
		t.Error("timezone must not affect the id")
	}
}

func TestConversationIDSignSensitive(t *testing.T) {
	t.Parallel()

	if repo.ConversationID(100) == repo.ConversationID(-100) {
		t.Error("user and group chats with the same upstream id must not collide")
	}
}
