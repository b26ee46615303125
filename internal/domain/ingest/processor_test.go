package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/domain/repo"
)

// storeEvent — одна операция фейкового хранилища, наблюдаемая тестом.
type storeEvent struct {
	op  string // "ingest" | "edit"
	rec repo.MessageRecord
}

// fakeMessages имитирует хранилище сообщений: externalID из existing считается
// уже записанным, Ingest для него возвращает false.
type fakeMessages struct {
	mu       sync.Mutex
	existing map[int64]bool
	events   chan storeEvent
}

func newFakeMessages(existing ...int64) *fakeMessages {
	m := &fakeMessages{
		existing: make(map[int64]bool),
		events:   make(chan storeEvent, 16),
	}
	for _, id := range existing {
		m.existing[id] = true
	}
	return m
}

func (m *fakeMessages) Ingest(_ context.Context, rec repo.MessageRecord) (bool, error) {
	m.mu.Lock()
	dup := m.existing[rec.ExternalIDInt]
	if !dup {
		m.existing[rec.ExternalIDInt] = true
	}
	m.mu.Unlock()
	m.events <- storeEvent{op: "ingest", rec: rec}
	return !dup, nil
}

func (m *fakeMessages) ApplyEdit(_ context.Context, rec repo.MessageRecord) error {
	m.events <- storeEvent{op: "edit", rec: rec}
	return nil
}

type fakeConversations struct {
	byChatID map[int64]*repo.Conversation
}

func (f *fakeConversations) GetByChatID(_ context.Context, chatID int64) (*repo.Conversation, error) {
	return f.byChatID[chatID], nil
}

// fakeContacts отвечает только на поиск: поверхность без создания контактов.
type fakeContacts struct {
	mu      sync.Mutex
	known   map[int64]string
	lookups []int64
}

func (f *fakeContacts) FindIDByExternal(_ context.Context, externalID int64) (string, bool, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, externalID)
	id, ok := f.known[externalID]
	f.mu.Unlock()
	return id, ok, nil
}

func (f *fakeContacts) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lookups)
}

// pipeline собирает процессор поверх фейков и запускает его.
func pipeline(t *testing.T, msgs *fakeMessages, convs *fakeConversations, contacts *fakeContacts) (*ingest.Router, *ingest.RecentSet) {
	t.Helper()

	recent := ingest.NewRecentSet()
	cache := ingest.NewConvCache()
	router := ingest.NewRouter(recent)
	state := locks.NewStateManager(nil, locks.NewManager(nil))

	p := ingest.NewProcessor(router, recent, cache, msgs, convs, contacts, state)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	return router, recent
}

func waitEvent(t *testing.T, events <-chan storeEvent) storeEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for store call")
		return storeEvent{}
	}
}

func waitCondition(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func textMessage(id int, body string) *tg.Message {
	return &tg.Message{ID: id, Date: 1700000000, Message: body}
}

func TestProcessorIngestsOnce(t *testing.T) {
	t.Parallel()

	msgs := newFakeMessages()
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		-200100: {ID: "c-group", ExternalChatID: "-200100"},
	}}
	router, recent := pipeline(t, msgs, convs, &fakeContacts{})

	item := ingest.Item{ChatID: -200100, Message: textMessage(501, "hello"), Source: ingest.SourcePoll}
	if !router.Enqueue(context.Background(), item) {
		t.Fatal("first enqueue rejected")
	}

	ev := waitEvent(t, msgs.events)
	if ev.op != "ingest" {
		t.Fatalf("op = %q, want ingest", ev.op)
	}
	if ev.rec.ExternalMessageID != "501" || ev.rec.ConversationID != "c-group" {
		t.Fatalf("record = %+v", ev.rec)
	}

	key := ingest.DedupKey(-200100, 501)
	waitCondition(t, func() bool { return recent.Contains(key) }, "recent set entry")

	// Повторная доставка того же сообщения отсекается до очереди.
	if router.Enqueue(context.Background(), item) {
		t.Fatal("duplicate enqueue accepted")
	}
	select {
	case ev = <-msgs.events:
		t.Fatalf("unexpected store call %q after duplicate", ev.op)
	default:
	}
}

func TestProcessorDuplicateRowLeftIntact(t *testing.T) {
	t.Parallel()

	// Сообщение уже в базе, но набор дедупликации пуст (например, после
	// рестарта). Повторная запись не должна ни вставлять, ни править строку.
	msgs := newFakeMessages(501)
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		-200100: {ID: "c-group", ExternalChatID: "-200100"},
	}}
	router, recent := pipeline(t, msgs, convs, &fakeContacts{})

	if !router.Enqueue(context.Background(), ingest.Item{
		ChatID: -200100, Message: textMessage(501, "hello"), Source: ingest.SourceCatchup,
	}) {
		t.Fatal("enqueue rejected")
	}

	if ev := waitEvent(t, msgs.events); ev.op != "ingest" {
		t.Fatalf("op = %q, want ingest", ev.op)
	}
	select {
	case ev := <-msgs.events:
		t.Fatalf("unexpected store call %q after duplicate insert", ev.op)
	case <-time.After(100 * time.Millisecond):
	}
	if recent.Contains(ingest.DedupKey(-200100, 501)) {
		t.Fatal("duplicate insert must not mark the message as freshly ingested")
	}
}

func TestProcessorEditUpdatesExistingRow(t *testing.T) {
	t.Parallel()

	msgs := newFakeMessages(501)
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		-200100: {ID: "c-group", ExternalChatID: "-200100"},
	}}
	router, recent := pipeline(t, msgs, convs, &fakeContacts{})

	if !router.Enqueue(context.Background(), ingest.Item{
		ChatID: -200100, Message: textMessage(501, "edited body"),
		Source: ingest.SourceRealtime, Edit: true,
	}) {
		t.Fatal("edit enqueue rejected")
	}

	if ev := waitEvent(t, msgs.events); ev.op != "ingest" {
		t.Fatalf("first op = %q, want ingest", ev.op)
	}
	ev := waitEvent(t, msgs.events)
	if ev.op != "edit" {
		t.Fatalf("second op = %q, want edit", ev.op)
	}
	if ev.rec.Body != "edited body" {
		t.Fatalf("edit body = %q", ev.rec.Body)
	}
	if recent.Contains(ingest.DedupKey(-200100, 501)) {
		t.Fatal("edit of a recorded message must not touch the recent set")
	}
}

func TestProcessorEditOfUnseenMessageInserts(t *testing.T) {
	t.Parallel()

	msgs := newFakeMessages()
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		-200100: {ID: "c-group", ExternalChatID: "-200100"},
	}}
	router, recent := pipeline(t, msgs, convs, &fakeContacts{})

	if !router.Enqueue(context.Background(), ingest.Item{
		ChatID: -200100, Message: textMessage(777, "first sight"),
		Source: ingest.SourceRealtime, Edit: true,
	}) {
		t.Fatal("edit enqueue rejected")
	}

	if ev := waitEvent(t, msgs.events); ev.op != "ingest" {
		t.Fatalf("op = %q, want ingest", ev.op)
	}
	waitCondition(t, func() bool {
		return recent.Contains(ingest.DedupKey(-200100, 777))
	}, "recent set entry")
	select {
	case ev := <-msgs.events:
		t.Fatalf("unexpected store call %q after insert", ev.op)
	default:
	}
}

func TestProcessorContactLookupOnly(t *testing.T) {
	t.Parallel()

	msgs := newFakeMessages()
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		555001: {ID: "c-private", ExternalChatID: "555001"},
	}}
	contacts := &fakeContacts{known: map[int64]string{}}
	router, _ := pipeline(t, msgs, convs, contacts)

	// Входящее личное сообщение от незнакомой идентичности: контакт не
	// создаётся, сообщение записывается без связи.
	if !router.Enqueue(context.Background(), ingest.Item{
		ChatID: 555001, Message: textMessage(31, "hi"), Source: ingest.SourceRealtime,
	}) {
		t.Fatal("enqueue rejected")
	}
	ev := waitEvent(t, msgs.events)
	if ev.rec.ContactID.Valid {
		t.Fatalf("unknown sender linked to contact %q", ev.rec.ContactID.String)
	}
	if got := contacts.lookupCount(); got != 1 {
		t.Fatalf("lookups = %d, want 1", got)
	}

	// Уже заведённая идентичность привязывается по поиску.
	contacts.mu.Lock()
	contacts.known[555001] = "ct-known"
	contacts.mu.Unlock()

	if !router.Enqueue(context.Background(), ingest.Item{
		ChatID: 555001, Message: textMessage(32, "hi again"), Source: ingest.SourceRealtime,
	}) {
		t.Fatal("enqueue rejected")
	}
	ev = waitEvent(t, msgs.events)
	if !ev.rec.ContactID.Valid || ev.rec.ContactID.String != "ct-known" {
		t.Fatalf("contact link = %+v, want ct-known", ev.rec.ContactID)
	}
}

func TestProcessorSkipsSyncDisabled(t *testing.T) {
	t.Parallel()

	msgs := newFakeMessages()
	convs := &fakeConversations{byChatID: map[int64]*repo.Conversation{
		-300: {ID: "c-muted", ExternalChatID: "-300", SyncDisabled: true},
		-400: {ID: "c-live", ExternalChatID: "-400"},
	}}
	router, _ := pipeline(t, msgs, convs, &fakeContacts{})

	ctx := context.Background()
	router.Enqueue(ctx, ingest.Item{ChatID: -300, Message: textMessage(1, "muted"), Source: ingest.SourcePoll})
	router.Enqueue(ctx, ingest.Item{ChatID: -400, Message: textMessage(2, "live"), Source: ingest.SourcePoll})

	// Единственный потребитель обрабатывает очередь по порядку: первый
	// наблюдаемый вызов хранилища относится ко второму сообщению.
	ev := waitEvent(t, msgs.events)
	if ev.rec.ConversationID != "c-live" {
		t.Fatalf("ingested conversation = %q, want c-live", ev.rec.ConversationID)
	}
}
