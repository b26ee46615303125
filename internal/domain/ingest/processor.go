package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/tgutil"
)

// ConversationCreator создаёт беседу для чата, который конвейер видит впервые.
// Реализуется слоем обнаружения диалогов; процессору достаточно функции.
type ConversationCreator func(ctx context.Context, chatID int64, e tg.Entities) (*repo.Conversation, error)

// MessageStore — операции записи сообщений, нужные процессору.
type MessageStore interface {
	Ingest(ctx context.Context, rec repo.MessageRecord) (bool, error)
	ApplyEdit(ctx context.Context, rec repo.MessageRecord) error
}

// ConversationLookup отдаёт беседу по знаковому идентификатору чата.
type ConversationLookup interface {
	GetByChatID(ctx context.Context, chatID int64) (*repo.Conversation, error)
}

// ContactLookup находит контакт по внешней идентичности Telegram.
// Процессор контакты не создаёт: их заводит обнаружение личных диалогов.
type ContactLookup interface {
	FindIDByExternal(ctx context.Context, externalID int64) (string, bool, error)
}

// Processor — единственный потребитель очереди конвейера. Нормализует
// сообщения Telegram и идемпотентно пишет их в CRM.
type Processor struct {
	router        *Router
	recent        *RecentSet
	cache         *ConvCache
	messages      MessageStore
	conversations ConversationLookup
	contacts      ContactLookup
	state         *locks.StateManager

	// CreateConversation вызывается для чатов без беседы. nil отключает
	// автосоздание: такие сообщения пропускаются.
	CreateConversation ConversationCreator

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor собирает процессор поверх общих структур конвейера.
func NewProcessor(
	router *Router,
	recent *RecentSet,
	cache *ConvCache,
	messages MessageStore,
	conversations ConversationLookup,
	contacts ContactLookup,
	state *locks.StateManager,
) *Processor {
	return &Processor{
		router:        router,
		recent:        recent,
		cache:         cache,
		messages:      messages,
		conversations: conversations,
		contacts:      contacts,
		state:         state,
	}
}

// Start запускает цикл обработки. Повторные вызовы игнорируются.
func (p *Processor) Start(ctx context.Context) {
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
		for {
			select {
			case <-runCtx.Done():
				return
			case item := <-p.router.Items():
				if err := p.process(runCtx, item); err != nil {
					p.state.RecordError(err)
					logger.Errorf("ingest %s chat=%d msg=%d: %v",
						item.Source, item.ChatID, item.Message.ID, err)
				}
			}
		}
	})
}

// Stop останавливает цикл и дожидается завершения текущего сообщения.
func (p *Processor) Stop() {
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

func (p *Processor) process(ctx context.Context, item Item) error {
	msg := item.Message
	if msg == nil || item.ChatID == 0 {
		return nil
	}

	key := DedupKey(item.ChatID, msg.ID)
	if !item.Edit && p.recent.Contains(key) {
		return nil
	}

	conv, err := p.resolveConversation(ctx, item)
	if err != nil {
		return err
	}
	if conv.ID == "" || conv.SyncDisabled {
		return nil
	}

	rec, err := p.buildRecord(ctx, conv.ID, item)
	if err != nil {
		return err
	}

	// Правка ранее не виденного сообщения вставляет строку как обычное
	// сообщение; правка записанного ограничивается телом и метаданными.
	inserted, err := p.messages.Ingest(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		if item.Edit {
			return p.messages.ApplyEdit(ctx, rec)
		}
		return nil
	}

	p.recent.Add(key)
	p.state.IncrementReceived()
	logger.Debugf("ingest %s: chat=%d msg=%d %s", item.Source, item.ChatID, msg.ID, rec.Direction)
	return nil
}

// resolveConversation находит беседу чата: кэш, затем база, затем автосоздание.
func (p *Processor) resolveConversation(ctx context.Context, item Item) (ConvEntry, error) {
	if e, ok := p.cache.Get(item.ChatID); ok {
		return e, nil
	}

	conv, err := p.conversations.GetByChatID(ctx, item.ChatID)
	if err != nil {
		return ConvEntry{}, err
	}
	if conv == nil {
		if p.CreateConversation == nil {
			return ConvEntry{}, nil
		}
		conv, err = p.CreateConversation(ctx, item.ChatID, item.Entities)
		if err != nil {
			return ConvEntry{}, err
		}
		if conv == nil {
			return ConvEntry{}, nil
		}
	}

	e := ConvEntry{ID: conv.ID, SyncDisabled: conv.SyncDisabled}
	p.cache.Put(item.ChatID, e)
	return e, nil
}

// buildRecord нормализует сообщение Telegram в запись CRM.
func (p *Processor) buildRecord(ctx context.Context, conversationID string, item Item) (repo.MessageRecord, error) {
	msg := item.Message

	direction := repo.DirectionInbound
	if msg.Out {
		direction = repo.DirectionOutbound
	}

	sender := tgutil.SenderFromEntities(msg, item.ChatID, item.Entities)
	metadata, err := json.Marshal(sender)
	if err != nil {
		return repo.MessageRecord{}, err
	}

	sentAt := time.Unix(int64(msg.Date), 0).UTC()
	rec := repo.MessageRecord{
		ID:                repo.MessageID(int64(msg.ID), sentAt),
		ConversationID:    conversationID,
		ExternalMessageID: strconv.Itoa(msg.ID),
		ExternalIDInt:     int64(msg.ID),
		Direction:         direction,
		ContentType:       tgutil.ContentType(msg),
		Body:              msg.Message,
		SentAt:            sentAt,
		HasAttachments:    tgutil.HasAttachments(msg),
		Metadata:          metadata,
	}

	if contactID, ok, err := p.linkContact(ctx, sender); err != nil {
		return repo.MessageRecord{}, err
	} else if ok {
		rec.ContactID = sql.NullString{String: contactID, Valid: true}
	}
	return rec, nil
}

// linkContact связывает сообщение с уже заведённой идентичностью CRM.
// Строго поиск без создания: неизвестный отправитель остаётся без контакта,
// пока обнаружение диалогов его не заведёт.
func (p *Processor) linkContact(ctx context.Context, sender tgutil.Sender) (string, bool, error) {
	if sender.ExternalID <= 0 {
		return "", false, nil
	}
	return p.contacts.FindIDByExternal(ctx, sender.ExternalID)
}
