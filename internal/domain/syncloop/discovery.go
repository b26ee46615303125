package syncloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/peersmgr"
	"telegram-sync-worker/internal/infra/throttle"
	"telegram-sync-worker/internal/tgutil"
)

const (
	// discoveryStartDelay — отсрочка первого прохода после запуска.
	discoveryStartDelay = 30 * time.Second
	// seedLimit — сколько последних сообщений засевается в новую беседу.
	seedLimit = 50
)

// Stats — счётчики последнего прохода обнаружения (для /status).
type Stats struct {
	LastRunAt  time.Time `json:"last_run_at"`
	Scanned    int       `json:"scanned"`
	Created    int       `json:"created"`
	Reconciled int       `json:"reconciled"`
}

// Discovery перечисляет диалоги аккаунта: создаёт новые беседы, засевает их
// историей и сверяет счётчики непрочитанного у существующих.
type Discovery struct {
	api           *tg.Client
	peers         *peersmgr.Service
	pacer         *throttle.Pacer
	conversations *repo.Conversations
	contacts      *repo.Contacts
	cache         *ingest.ConvCache
	history       *HistoryFetcher

	interval time.Duration
	limit    int

	statsMu sync.Mutex
	stats   Stats

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery собирает цикл обнаружения диалогов.
func NewDiscovery(
	api *tg.Client,
	peers *peersmgr.Service,
	pacer *throttle.Pacer,
	conversations *repo.Conversations,
	contacts *repo.Contacts,
	cache *ingest.ConvCache,
	history *HistoryFetcher,
	interval time.Duration,
	limit int,
) *Discovery {
	return &Discovery{
		api:           api,
		peers:         peers,
		pacer:         pacer,
		conversations: conversations,
		contacts:      contacts,
		cache:         cache,
		history:       history,
		interval:      interval,
		limit:         limit,
	}
}

// Start запускает периодический цикл. Первый проход отложен, чтобы не
// конкурировать со стартовым догоном за лимиты upstream.
func (d *Discovery) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		runPeriodic(runCtx, discoveryStartDelay, d.interval, func() {
			if err := d.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
				logger.Errorf("dialog discovery: %v", err)
			}
		})
	})
}

// Stop останавливает цикл и дожидается завершения текущего прохода.
func (d *Discovery) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// Snapshot возвращает счётчики последнего прохода.
func (d *Discovery) Snapshot() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// RunOnce выполняет один проход обнаружения.
func (d *Discovery) RunOnce(ctx context.Context) error {
	batch, err := d.peers.FetchDialogs(ctx, d.api, d.pacer, d.limit)
	if err != nil {
		return err
	}

	entities := tgutil.EntitiesFromLists(batch.Users, batch.Chats)
	stats := Stats{LastRunAt: time.Now().UTC(), Scanned: len(batch.Dialogs)}

	for _, dc := range batch.Dialogs {
		dlg, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		chatID := tgutil.ChatID(dlg.Peer)
		if chatID == 0 {
			continue
		}

		created, err := d.handleDialog(ctx, chatID, dlg, entities)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warnf("discovery chat=%d: %v", chatID, err)
			continue
		}
		if created {
			stats.Created++
		} else {
			stats.Reconciled++
		}
	}

	d.statsMu.Lock()
	d.stats = stats
	d.statsMu.Unlock()

	logger.Infof("dialog discovery: scanned=%d created=%d reconciled=%d",
		stats.Scanned, stats.Created, stats.Reconciled)
	return nil
}

// handleDialog создаёт либо сверяет одну беседу. Возвращает признак создания.
func (d *Discovery) handleDialog(ctx context.Context, chatID int64, dlg *tg.Dialog, e tg.Entities) (bool, error) {
	conv, err := d.conversations.GetByChatID(ctx, chatID)
	if err != nil {
		return false, err
	}

	if conv == nil {
		conv, err = d.createConversation(ctx, chatID, e)
		if err != nil {
			return false, err
		}
		ref := repo.ConversationRef{ID: conv.ID, ChatID: chatID}
		if _, err = d.history.SyncConversation(ctx, ref, seedLimit, ingest.SourceSeed); err != nil {
			logger.Warnf("seed chat=%d: %v", chatID, err)
		}
		return true, nil
	}

	d.cache.Put(chatID, ingest.ConvEntry{ID: conv.ID, SyncDisabled: conv.SyncDisabled})

	if err = d.conversations.ReconcileDialog(ctx, chatID, dlg.UnreadCount, int64(dlg.ReadInboxMaxID)); err != nil {
		return false, err
	}
	d.reconcilePresence(ctx, chatID, e)
	return false, nil
}

// reconcilePresence подтягивает статус собеседника личного чата из сущностей диалога.
func (d *Discovery) reconcilePresence(ctx context.Context, chatID int64, e tg.Entities) {
	if chatID <= 0 {
		return
	}
	user, ok := e.Users[chatID]
	if !ok || user.Status == nil {
		return
	}
	if err := d.contacts.UpdatePresence(ctx, chatID, ingest.PresenceFromStatus(user.Status)); err != nil {
		logger.Debugf("discovery presence user=%d: %v", chatID, err)
	}
}

// createConversation заводит беседу с выведенными из сущностей заголовком и
// видом; для личных чатов попутно создаёт контакт собеседника.
func (d *Discovery) createConversation(ctx context.Context, chatID int64, e tg.Entities) (*repo.Conversation, error) {
	title := tgutil.TitleForChat(chatID, e)
	if title == "" {
		title = fmt.Sprintf("Chat %d", chatID)
	}
	kind := tgutil.KindForChat(chatID, e)

	conv, err := d.conversations.Create(ctx, chatID, title, kind)
	if err != nil {
		return nil, err
	}
	d.cache.Put(chatID, ingest.ConvEntry{ID: conv.ID, SyncDisabled: conv.SyncDisabled})

	if chatID > 0 {
		name := title
		if user, ok := e.Users[chatID]; ok {
			name = tgutil.UserDisplayName(user)
		}
		if _, err = d.contacts.Ensure(ctx, chatID, name); err != nil {
			logger.Warnf("discovery contact user=%d: %v", chatID, err)
		}
	}
	return conv, nil
}

// CreateFromChat — путь автосоздания для процессора: первое сообщение из
// неизвестного чата заводит беседу без засева (само сообщение уже в очереди).
func (d *Discovery) CreateFromChat(ctx context.Context, chatID int64, e tg.Entities) (*repo.Conversation, error) {
	return d.createConversation(ctx, chatID, e)
}
