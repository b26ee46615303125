package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/go-faster/errors"
)

// Outbox — репозиторий очереди исходящих сообщений.
// Захват строго атомарный: FOR UPDATE SKIP LOCKED исключает двойную отправку
// даже при нескольких конкурирующих воркерах.
type Outbox struct {
	db *sql.DB
}

// NewOutbox создаёт репозиторий очереди исходящих.
func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db}
}

// staleLockSeconds — возраст чужой блокировки, после которого строку можно
// перехватить (отправитель умер, не сняв lock).
const staleLockSeconds = 60

// Claim атомарно захватывает одну готовую к отправке строку: pending, срок
// наступил, не заблокирована живым отправителем. Возвращает nil, когда
// очередь пуста.
func (r *Outbox) Claim(ctx context.Context, workerID string) (*OutgoingMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE telegram_crm."OutgoingMessage"
		SET status = 'sending', "lockedBy" = $1, "lockedAt" = NOW()
		WHERE id = (
			SELECT id FROM telegram_crm."OutgoingMessage"
			WHERE status = 'pending'
			  AND ("scheduledFor" IS NULL OR "scheduledFor" <= NOW())
			  AND ("lockedBy" IS NULL OR "lockedAt" < NOW() - make_interval(secs => $2))
			ORDER BY "createdAt" ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, "conversationId", body, "replyToExternalId", attachment, "retryCount", "maxRetries"`,
		workerID, staleLockSeconds,
	)

	var (
		m       OutgoingMessage
		attJSON []byte
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Body, &m.ReplyToExternalID, &attJSON, &m.RetryCount, &m.MaxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim outgoing message")
	}

	if len(attJSON) > 0 {
		var att Attachment
		if err = json.Unmarshal(attJSON, &att); err != nil {
			return nil, errors.Wrap(err, "decode attachment")
		}
		if att.Kind != "" {
			m.Attachment = &att
		}
	}
	return &m, nil
}

// MarkSent фиксирует успешную отправку и снимает блокировку.
func (r *Outbox) MarkSent(ctx context.Context, id string, sentMessageID int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."OutgoingMessage"
		SET status = 'sent', "sentMessageId" = $2::text, "sentAt" = NOW(),
		    "lockedBy" = NULL, "lockedAt" = NULL, "errorMessage" = NULL
		WHERE id = $1`,
		id, sentMessageID,
	)
	return errors.Wrap(err, "mark outgoing sent")
}

// maxErrorLen ограничивает длину сохраняемого текста ошибки.
const maxErrorLen = 500

// MarkFailed фиксирует неудачную попытку: наращивает счётчик ретраев и либо
// возвращает строку в pending, либо окончательно переводит в failed.
func (r *Outbox) MarkFailed(ctx context.Context, id string, sendErr error) error {
	msg := ""
	if sendErr != nil {
		msg = sendErr.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."OutgoingMessage"
		SET "retryCount" = "retryCount" + 1,
		    "errorMessage" = $2,
		    status = CASE WHEN "retryCount" + 1 >= "maxRetries" THEN 'failed' ELSE 'pending' END,
		    "lockedBy" = NULL, "lockedAt" = NULL
		WHERE id = $1`,
		id, msg,
	)
	return errors.Wrap(err, "mark outgoing failed")
}
