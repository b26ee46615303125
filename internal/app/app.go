// Package app — верхний уровень сборки sync-воркера. Здесь связываются
// конфигурация, база CRM, сетевой слой (gotd/telegram), менеджер апдейтов,
// конвейер записи сообщений, фоновые циклы сходимости, отправитель исходящих
// и HTTP-поверхность. Отсюда стартует жизненный цикл и graceful shutdown.
package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/domain/outbox"
	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/domain/syncloop"
	"telegram-sync-worker/internal/infra/config"
	"telegram-sync-worker/internal/infra/filestore"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/storage"
	"telegram-sync-worker/internal/infra/store"
	"telegram-sync-worker/internal/infra/telegram/connection"
	"telegram-sync-worker/internal/infra/telegram/peersmgr"
	"telegram-sync-worker/internal/infra/telegram/session"
	"telegram-sync-worker/internal/infra/throttle"
	"telegram-sync-worker/internal/web"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиента и менеджера апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости воркера и управляет их связью.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	db       *sql.DB
	sessions *session.Manager
	locks    *locks.Manager
	state    *locks.StateManager
	peers    *peersmgr.Service

	client *telegram.Client
	waiter *floodwait.Waiter
	updMgr *tgupdates.Manager

	router    *ingest.Router
	processor *ingest.Processor
	poller    *syncloop.Poller
	discovery *syncloop.Discovery
	sender    *outbox.Sender
	webServer *web.Server

	runner *Runner
}

// NewApp создаёт каркас приложения; фактическая сборка происходит в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает все подсистемы и передаёт управление Runner-у.
// Блокируется до остановки процесса.
func (a *App) Run() error {
	logger.Info("sync worker initializing...")
	env := config.Env()

	// База CRM и миграции схемы.
	db, err := store.Open(a.mainCtx, env.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.db = db
	if err = store.Migrate(db); err != nil {
		return errors.Wrap(err, "migrate store")
	}

	// Сессия: файл, строка в базе либо base64 из окружения.
	a.sessions = session.NewManager(db, env.SessionPath)
	if err = a.sessions.Resolve(a.mainCtx, env.SessionBase64); err != nil {
		return err
	}

	// Ровно один слушатель на аккаунт.
	a.locks = locks.NewManager(db)
	acquired, err := a.locks.Acquire(a.mainCtx, locks.TypeListener, "singleton",
		map[string]any{"type": "realtime_listener"})
	if err != nil {
		return errors.Wrap(err, "acquire listener lock")
	}
	if !acquired {
		return errors.Wrap(locks.ErrLockContested, "listener")
	}

	a.state = locks.NewStateManager(db, a.locks)
	if err = a.state.SetStatus(a.mainCtx, locks.StatusStarting); err != nil {
		logger.Warnf("set starting status: %v", err)
	}

	// MTProto-клиент: файловая сессия, лимитер запросов, ожидание FLOOD_WAIT.
	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	a.waiter = floodwait.NewWaiter()

	a.client = telegram.NewClient(env.APIID, env.APIHash, telegram.Options{
		SessionStorage: a.sessions.Storage(),
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			a.waiter,
			ratelimit.New(rate.Limit(env.ThrottleRPS), env.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "TelegramSyncWorker",
			SystemVersion: "Linux",
			AppVersion:    "1.0.0",
		},
	})

	// Кэш пиров: access hash переживают рестарты в bbolt.
	peersSvc, err := peersmgr.New(a.client.API(), env.PeersCacheFile)
	if err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err = peersSvc.LoadFromStorage(a.mainCtx); err != nil {
		return errors.Wrap(err, "load peers storage")
	}
	a.peers = peersSvc

	// Состояние менеджера апдейтов gotd: pts/qts в bbolt.
	if err = storage.EnsureDir(env.UpdatesStateFile); err != nil {
		return errors.Wrap(err, "ensure state file dir")
	}
	stateDB, err := bbolt.Open(env.UpdatesStateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	a.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: peersSvc.Mgr,
	})

	realHandler := contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(a.updMgr), peersSvc.Store())
	lazyHandler.set(realHandler)

	a.assembleDomain(dispatcher)

	a.runner = NewRunner(a)
	return a.runner.Run()
}

// assembleDomain связывает репозитории, конвейер записи, циклы сходимости,
// отправитель исходящих и HTTP-поверхность, затем подписывает обработчики
// на диспетчер апдейтов.
func (a *App) assembleDomain(dispatcher tg.UpdateDispatcher) {
	env := config.Env()
	api := a.client.API()

	conversations := repo.NewConversations(a.db)
	messages := repo.NewMessages(a.db)
	contacts := repo.NewContacts(a.db)
	outboxRepo := repo.NewOutbox(a.db)

	recent := ingest.NewRecentSet()
	cache := ingest.NewConvCache()
	a.router = ingest.NewRouter(recent)
	a.processor = ingest.NewProcessor(a.router, recent, cache, messages, conversations, contacts, a.state)

	pacer := throttle.New(throttle.DefaultMinDelay, throttle.DefaultMaxDelay,
		throttle.WithWaitExtractors(throttle.FloodWait))

	history := syncloop.NewHistoryFetcher(api, a.peers, a.router, pacer)
	a.discovery = syncloop.NewDiscovery(
		api, a.peers, pacer, conversations, contacts, cache, history,
		secondsToDuration(env.DialogDiscoveryInterval), env.DialogDiscoveryLimit,
	)
	a.processor.CreateConversation = a.discovery.CreateFromChat
	a.poller = syncloop.NewPoller(conversations, history,
		secondsToDuration(env.ActivePollInterval), secondsToDuration(env.FullCatchupInterval))

	files := filestore.New(env.AttachmentDir)
	a.sender = outbox.NewSender(outboxRepo, conversations, a.peers, outbox.NewDispatcher(api, files))

	readState := ingest.NewReadState(conversations, contacts)
	sink := newUpdateSink(a.router, a.peers, readState)
	dispatcher.OnNewMessage(sink.OnNewMessage)
	dispatcher.OnNewChannelMessage(sink.OnNewChannelMessage)
	dispatcher.OnEditMessage(sink.OnEditMessage)
	dispatcher.OnEditChannelMessage(sink.OnEditChannelMessage)
	dispatcher.OnReadHistoryInbox(sink.OnReadHistoryInbox)
	dispatcher.OnReadChannelInbox(sink.OnReadChannelInbox)
	dispatcher.OnDialogUnreadMark(sink.OnDialogUnreadMark)
	dispatcher.OnUserStatus(sink.OnUserStatus)

	media := web.NewMediaService(api, a.peers)
	handlers := web.NewHandlers(a.state, a.sessions, a.discovery, media, a.router.Pending)
	a.webServer = web.NewServer(env.Port, handlers)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
