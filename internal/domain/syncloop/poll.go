package syncloop

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/logger"
)

const (
	// Активный опрос: самые недавно активные беседы, короткий шаг истории.
	activeConvLimit  = 100
	activePerConvCap = 10

	// Полный догон: самые давно не синхронизированные беседы.
	catchupConvLimit  = 200
	catchupPerConvCap = 10
	catchupStartDelay = 180 * time.Second

	// Стартовый догон и лечение пустых бесед, по одному разу на запуск.
	startupConvLimit  = 50
	startupPerConvCap = 200
	emptyHealLimit    = 100
	emptyHealPerConv  = 50
)

// Poller гоняет активный опрос и полный догон, а при старте — разовый догон
// и лечение бесед, оставшихся без единого сообщения.
type Poller struct {
	conversations *repo.Conversations
	history       *HistoryFetcher

	activeInterval  time.Duration
	catchupInterval time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller собирает циклы опроса.
func NewPoller(conversations *repo.Conversations, history *HistoryFetcher, activeInterval, catchupInterval time.Duration) *Poller {
	return &Poller{
		conversations:   conversations,
		history:         history,
		activeInterval:  activeInterval,
		catchupInterval: catchupInterval,
	}
}

// Start запускает стартовый догон и оба периодических цикла.
// Повторные вызовы игнорируются.
func (p *Poller) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Go(func() {
		p.startupPass(runCtx)
	})
	p.wg.Go(func() {
		runPeriodic(runCtx, p.activeInterval, p.activeInterval, func() {
			p.runBatch(runCtx, "active poll", p.conversations.ListActive, activeConvLimit, activePerConvCap, ingest.SourcePoll)
		})
	})
	p.wg.Go(func() {
		runPeriodic(runCtx, catchupStartDelay, p.catchupInterval, func() {
			p.runBatch(runCtx, "full catchup", p.conversations.ListStale, catchupConvLimit, catchupPerConvCap, ingest.SourceCatchup)
		})
	})
}

// Stop останавливает циклы и дожидается их завершения.
func (p *Poller) Stop() {
	p.runMu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// startupPass — разовый проход при запуске: догон самых залежавшихся бесед и
// лечение бесед без сообщений (обнаружены, но так и не засеяны).
func (p *Poller) startupPass(ctx context.Context) {
	p.runBatch(ctx, "startup catchup", p.conversations.ListStale, startupConvLimit, startupPerConvCap, ingest.SourceCatchup)
	p.runBatch(ctx, "empty heal", p.conversations.ListEmpty, emptyHealLimit, emptyHealPerConv, ingest.SourceSeed)
}

type listFn func(ctx context.Context, limit int) ([]repo.ConversationRef, error)

// runBatch выгружает историю пачки бесед. Недоступные чаты пропускаются,
// прочие ошибки логируются и не прерывают пачку.
func (p *Poller) runBatch(ctx context.Context, name string, list listFn, convLimit, perConv int, sourceTag string) {
	refs, err := list(ctx, convLimit)
	if err != nil {
		if ctx.Err() == nil {
			logger.Errorf("%s: list conversations: %v", name, err)
		}
		return
	}

	enqueued := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return
		}
		n, err := p.history.SyncConversation(ctx, ref, perConv, sourceTag)
		if err != nil {
			if errors.Is(err, ErrChatInaccessible) {
				logger.Debugf("%s: chat=%d inaccessible, skipping", name, ref.ChatID)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("%s: chat=%d: %v", name, ref.ChatID, err)
			continue
		}
		enqueued += n
	}
	if enqueued > 0 {
		logger.Infof("%s: conversations=%d enqueued=%d", name, len(refs), enqueued)
	}
}

// runPeriodic выполняет fn после начальной задержки и далее каждый interval,
// пока контекст жив.
func runPeriodic(ctx context.Context, initialDelay, interval time.Duration, fn func()) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	for {
		fn()

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
