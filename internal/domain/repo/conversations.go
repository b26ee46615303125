package repo

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/go-faster/errors"
)

// Conversations — репозиторий таблицы "Conversation".
type Conversations struct {
	db *sql.DB
}

// NewConversations создаёт репозиторий бесед.
func NewConversations(db *sql.DB) *Conversations {
	return &Conversations{db: db}
}

const conversationColumns = `
	id, source, "externalChatId", title, kind, "syncDisabled",
	"lastSyncedMessageId", "lastSyncedAt", "lastMessageAt",
	"unreadCount", "lastReadMessageId", "lastReadAt"`

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.Source, &c.ExternalChatID, &c.Title, &c.Kind, &c.SyncDisabled,
		&c.LastSyncedMessageID, &c.LastSyncedAt, &c.LastMessageAt,
		&c.UnreadCount, &c.LastReadMessageID, &c.LastReadAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan conversation")
	}
	return &c, nil
}

// GetByChatID возвращает беседу по знаковому CRM-идентификатору чата,
// nil — если беседы нет.
func (r *Conversations) GetByChatID(ctx context.Context, chatID int64) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM telegram_crm."Conversation"
		WHERE source = $1 AND "externalChatId" = $2`,
		Source, strconv.FormatInt(chatID, 10),
	)
	return scanConversation(row)
}

// Create создаёт беседу с детерминированным id. Конфликт по натуральному
// ключу обновляет только заголовок: гонка Discovery с автосозданием из
// процессора безвредна, оба получают одну и ту же строку.
func (r *Conversations) Create(ctx context.Context, chatID int64, title, kind string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO telegram_crm."Conversation" (id, source, "externalChatId", title, kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source, "externalChatId")
		DO UPDATE SET title = EXCLUDED.title, "updatedAt" = NOW()
		RETURNING `+conversationColumns,
		ConversationID(chatID), Source, strconv.FormatInt(chatID, 10), title, kind,
	)
	return scanConversation(row)
}

// ListActive возвращает беседы в порядке недавней активности (для активного опроса).
func (r *Conversations) ListActive(ctx context.Context, limit int) ([]ConversationRef, error) {
	return r.listRefs(ctx, `
		SELECT id, "externalChatId", "lastSyncedMessageId"
		FROM telegram_crm."Conversation"
		WHERE source = $1 AND NOT "syncDisabled"
		ORDER BY "lastMessageAt" DESC NULLS LAST
		LIMIT $2`, limit)
}

// ListStale возвращает беседы, давнее всех не синхронизированные
// (NULLS FIRST: никогда не синхронизированные — в первую очередь).
func (r *Conversations) ListStale(ctx context.Context, limit int) ([]ConversationRef, error) {
	return r.listRefs(ctx, `
		SELECT id, "externalChatId", "lastSyncedMessageId"
		FROM telegram_crm."Conversation"
		WHERE source = $1 AND NOT "syncDisabled"
		ORDER BY "lastSyncedAt" ASC NULLS FIRST
		LIMIT $2`, limit)
}

// ListEmpty возвращает беседы без единого сообщения: лечение прошлых сбоев,
// когда беседа была создана, но так и не засеяна историей.
func (r *Conversations) ListEmpty(ctx context.Context, limit int) ([]ConversationRef, error) {
	return r.listRefs(ctx, `
		SELECT c.id, c."externalChatId", c."lastSyncedMessageId"
		FROM telegram_crm."Conversation" c
		LEFT JOIN telegram_crm."Message" m ON m."conversationId" = c.id
		WHERE c.source = $1 AND NOT c."syncDisabled"
		GROUP BY c.id, c."externalChatId", c."lastSyncedMessageId"
		HAVING COUNT(m.id) = 0
		LIMIT $2`, limit)
}

func (r *Conversations) listRefs(ctx context.Context, query string, limit int) ([]ConversationRef, error) {
	rows, err := r.db.QueryContext(ctx, query, Source, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer func() { _ = rows.Close() }()

	var refs []ConversationRef
	for rows.Next() {
		var (
			ref      ConversationRef
			chatID   string
			syncedID sql.NullString
		)
		if err = rows.Scan(&ref.ID, &chatID, &syncedID); err != nil {
			return nil, errors.Wrap(err, "scan conversation ref")
		}
		ref.ChatID, _ = strconv.ParseInt(chatID, 10, 64)
		if syncedID.Valid {
			ref.LastSyncedID, _ = strconv.ParseInt(syncedID.String, 10, 64)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ExternalChatID возвращает знаковый chatID беседы по её id (для исходящих).
func (r *Conversations) ExternalChatID(ctx context.Context, conversationID string) (int64, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT "externalChatId" FROM telegram_crm."Conversation" WHERE id = $1`,
		conversationID,
	).Scan(&raw)
	if err != nil {
		return 0, errors.Wrap(err, "lookup external chat id")
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse external chat id")
	}
	return chatID, nil
}

// ApplyReadAck схлопывает счётчик непрочитанного по квитанции «прочитано до X».
// Обновление защищено от устаревших квитанций: применяется, только если X не
// старше сохранённого lastReadMessageId.
func (r *Conversations) ApplyReadAck(ctx context.Context, chatID, maxID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."Conversation"
		SET "unreadCount" = 0,
		    "lastReadMessageId" = $3::text,
		    "lastReadAt" = NOW(),
		    "updatedAt" = NOW()
		WHERE source = $1 AND "externalChatId" = $2
		  AND COALESCE(NULLIF("lastReadMessageId", '')::bigint, 0) <= $3`,
		Source, strconv.FormatInt(chatID, 10), maxID,
	)
	return errors.Wrap(err, "apply read ack")
}

// SetUnreadMark применяет ручную отметку «непрочитано» из клиента Telegram.
func (r *Conversations) SetUnreadMark(ctx context.Context, chatID int64, unread bool) error {
	var err error
	if unread {
		_, err = r.db.ExecContext(ctx, `
			UPDATE telegram_crm."Conversation"
			SET "unreadCount" = GREATEST("unreadCount", 1),
			    "lastReadAt" = NULL,
			    "updatedAt" = NOW()
			WHERE source = $1 AND "externalChatId" = $2`,
			Source, strconv.FormatInt(chatID, 10),
		)
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE telegram_crm."Conversation"
			SET "unreadCount" = 0,
			    "lastReadAt" = NOW(),
			    "updatedAt" = NOW()
			WHERE source = $1 AND "externalChatId" = $2`,
			Source, strconv.FormatInt(chatID, 10),
		)
	}
	return errors.Wrap(err, "set unread mark")
}

// ReconcileDialog сверяет счётчик непрочитанного и прочитанный максимум с
// состоянием upstream-диалога. Пишет только при фактическом расхождении.
func (r *Conversations) ReconcileDialog(ctx context.Context, chatID int64, unreadCount int, readMaxID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."Conversation"
		SET "unreadCount" = $3,
		    "lastReadMessageId" = CASE WHEN $4 > 0 THEN $4::text ELSE "lastReadMessageId" END,
		    "updatedAt" = NOW()
		WHERE source = $1 AND "externalChatId" = $2
		  AND ("unreadCount" IS DISTINCT FROM $3
		       OR ($4 > 0 AND COALESCE(NULLIF("lastReadMessageId", '')::bigint, 0) IS DISTINCT FROM $4))`,
		Source, strconv.FormatInt(chatID, 10), unreadCount, readMaxID,
	)
	return errors.Wrap(err, "reconcile dialog state")
}
