package ingest_test

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/ingest"
)

func TestDedupKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		chatID int64
		msgID  int
		want   string
	}{
		{chatID: 42, msgID: 7, want: "42:7"},
		{chatID: -100500, msgID: 1, want: "-100500:1"},
	}
	for _, tc := range cases {
		if got := ingest.DedupKey(tc.chatID, tc.msgID); got != tc.want {
			t.Errorf("DedupKey(%d, %d) = %q, want %q", tc.chatID, tc.msgID, got, tc.want)
		}
	}
}

func TestRouterEnqueueDedup(t *testing.T) {
	t.Parallel()

	recent := ingest.NewRecentSet()
	r := ingest.NewRouter(recent)
	ctx := context.Background()

	msg := &tg.Message{ID: 100}
	item := ingest.Item{ChatID: 5, Message: msg, Source: ingest.SourceRealtime}

	if !r.Enqueue(ctx, item) {
		t.Fatal("first enqueue must be accepted")
	}
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", r.Pending())
	}

	// Пока сообщение не записано (нет в recent), повторная постановка допустима:
	// идемпотентная вставка отсечёт дубль.
	if !r.Enqueue(ctx, item) {
		t.Fatal("enqueue before insert must be accepted")
	}

	recent.Add(ingest.DedupKey(5, 100))
	if r.Enqueue(ctx, item) {
		t.Fatal("enqueue of a recently written message must be dropped")
	}

	// Правки проходят мимо дедупликации всегда.
	edit := item
	edit.Edit = true
	if !r.Enqueue(ctx, edit) {
		t.Fatal("edits must bypass dedup")
	}
}

func TestRouterEnqueueNilMessage(t *testing.T) {
	t.Parallel()

	r := ingest.NewRouter(ingest.NewRecentSet())
	if r.Enqueue(context.Background(), ingest.Item{ChatID: 1}) {
		t.Fatal("nil message must be rejected")
	}
}

func TestRouterEnqueueCanceledContext(t *testing.T) {
	t.Parallel()

	recent := ingest.NewRecentSet()
	r := ingest.NewRouter(recent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Заполнить очередь нечем, но отменённый контекст не должен зависнуть
	// даже при свободном месте: select выбирает любой готовый случай. Здесь
	// проверяем только, что вызов возвращается.
	_ = r.Enqueue(ctx, ingest.Item{ChatID: 1, Message: &tg.Message{ID: 1}})
}
