package repo

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// Messages — репозиторий таблицы "Message". Запись сообщений идёт парой
// «идемпотентная вставка + продвижение чекпоинта беседы» в одной транзакции:
// либо видим и строку, и сдвинутый чекпоинт, либо ничего.
type Messages struct {
	db *sql.DB
}

// NewMessages создаёт репозиторий сообщений.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

// Ingest выполняет идемпотентную вставку сообщения и, только если строка
// действительно вставлена, одним UPDATE продвигает чекпоинт беседы:
// lastMessageAt — монотонно (GREATEST), lastSyncedMessageId — максимум от
// текущего и нового, unreadCount растёт только для входящих.
// Возвращает признак фактической вставки.
func (r *Messages) Ingest(ctx context.Context, rec MessageRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin ingest tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO telegram_crm."Message" (
			id, source, "conversationId", "externalMessageId", direction,
			"contentType", body, "sentAt", "hasAttachments", "contactId", metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source, "conversationId", "externalMessageId") DO NOTHING`,
		rec.ID, Source, rec.ConversationID, rec.ExternalMessageID, rec.Direction,
		rec.ContentType, rec.Body, rec.SentAt, rec.HasAttachments, rec.ContactID, nullBytes(rec.Metadata),
	)
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		// Дубликат: коммитить нечего, чекпоинт не трогаем.
		return false, tx.Commit()
	}

	unreadDelta := 0
	if rec.Direction == DirectionInbound {
		unreadDelta = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE telegram_crm."Conversation"
		SET "lastMessageAt" = GREATEST(COALESCE("lastMessageAt", to_timestamp(0)), $2),
		    "lastSyncedMessageId" =
		        GREATEST(COALESCE(NULLIF("lastSyncedMessageId", '')::bigint, 0), $3)::text,
		    "lastSyncedAt" = NOW(),
		    "unreadCount" = "unreadCount" + $4,
		    "updatedAt" = NOW()
		WHERE id = $1`,
		rec.ConversationID, rec.SentAt, rec.ExternalIDInt, unreadDelta,
	)
	if err != nil {
		return false, errors.Wrap(err, "advance conversation checkpoint")
	}

	if err = tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit ingest tx")
	}
	return true, nil
}

// ApplyEdit перезаписывает только тело и метаданные существующего сообщения.
// Счётчики и чекпоинты не трогаются.
func (r *Messages) ApplyEdit(ctx context.Context, rec MessageRecord) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."Message"
		SET body = $4, metadata = $5, "updatedAt" = NOW()
		WHERE source = $1 AND "conversationId" = $2 AND "externalMessageId" = $3`,
		Source, rec.ConversationID, rec.ExternalMessageID, rec.Body, nullBytes(rec.Metadata),
	)
	return errors.Wrap(err, "apply message edit")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
