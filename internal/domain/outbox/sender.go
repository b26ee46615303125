// Package outbox — отправка исходящих сообщений из очереди "OutgoingMessage".
// Строки кладёт CRM; воркер их захватывает по одной, отправляет в Telegram и
// фиксирует исход. Конкурентная безопасность обеспечена атомарным захватом
// на стороне базы, поэтому отправителей может быть несколько.
package outbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/connection"
)

// pollInterval — период опроса очереди исходящих.
const pollInterval = 2 * time.Second

// PeerResolver резолвит знаковый CRM-идентификатор чата в InputPeer.
type PeerResolver interface {
	InputPeerForChat(ctx context.Context, chatID int64) (tg.InputPeerClass, error)
}

// Sender опрашивает очередь исходящих и отправляет захваченные сообщения.
type Sender struct {
	outbox        *repo.Outbox
	conversations *repo.Conversations
	peers         PeerResolver
	dispatcher    *Dispatcher
	workerID      string

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender собирает отправителя очереди.
func NewSender(outbox *repo.Outbox, conversations *repo.Conversations, peers PeerResolver, dispatcher *Dispatcher) *Sender {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Sender{
		outbox:        outbox,
		conversations: conversations,
		peers:         peers,
		dispatcher:    dispatcher,
		workerID:      fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

// Start запускает цикл опроса. Повторные вызовы игнорируются.
func (s *Sender) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.drain(runCtx)
			}
		}
	})
}

// Stop останавливает цикл и дожидается завершения текущей отправки.
func (s *Sender) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// drain отправляет сообщения, пока очередь не опустеет либо не отменят контекст.
func (s *Sender) drain(ctx context.Context) {
	for ctx.Err() == nil {
		m, err := s.outbox.Claim(ctx, s.workerID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("outbox claim: %v", err)
			}
			return
		}
		if m == nil {
			return
		}
		s.sendOne(ctx, m)
	}
}

// sendOne отправляет одно захваченное сообщение и фиксирует исход. Сетевой
// сбой не тратит попытку: строка остаётся заблокированной и вернётся в оборот
// по истечении stale-срока, когда связь восстановится.
func (s *Sender) sendOne(ctx context.Context, m *repo.OutgoingMessage) {
	connection.WaitOnline(ctx)
	if ctx.Err() != nil {
		return
	}

	sentID, err := s.dispatch(ctx, m)
	if err != nil {
		if connection.HandleError(err) {
			logger.Warnf("outbox send %s: connection lost, will retry after restore: %v", m.ID, err)
			return
		}
		logger.Warnf("outbox send %s (retry %d/%d): %v", m.ID, m.RetryCount+1, m.MaxRetries, err)
		if markErr := s.outbox.MarkFailed(ctx, m.ID, err); markErr != nil {
			logger.Errorf("outbox mark failed %s: %v", m.ID, markErr)
		}
		return
	}

	if err = s.outbox.MarkSent(ctx, m.ID, sentID); err != nil {
		logger.Errorf("outbox mark sent %s: %v", m.ID, err)
		return
	}
	logger.Infof("outbox sent %s as message %d", m.ID, sentID)
}

func (s *Sender) dispatch(ctx context.Context, m *repo.OutgoingMessage) (int, error) {
	chatID, err := s.conversations.ExternalChatID(ctx, m.ConversationID)
	if err != nil {
		return 0, err
	}
	peer, err := s.peers.InputPeerForChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	return s.dispatcher.Send(ctx, peer, m)
}
