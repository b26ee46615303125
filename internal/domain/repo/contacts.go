package repo

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/go-faster/errors"
)

// Contacts — репозиторий таблиц "Contact" и "SourceIdentity".
// Ядро только ищет контакты по идентичности (source, externalId); создание
// выполняется исключительно при обнаружении личных чатов.
type Contacts struct {
	db *sql.DB
}

// NewContacts создаёт репозиторий контактов.
func NewContacts(db *sql.DB) *Contacts {
	return &Contacts{db: db}
}

// FindIDByExternal возвращает id контакта по upstream-идентификатору
// пользователя. ok=false, если идентичность не заведена.
func (r *Contacts) FindIDByExternal(ctx context.Context, externalID int64) (string, bool, error) {
	var contactID string
	err := r.db.QueryRowContext(ctx, `
		SELECT "contactId" FROM telegram_crm."SourceIdentity"
		WHERE source = $1 AND "externalId" = $2`,
		Source, strconv.FormatInt(externalID, 10),
	).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "lookup contact identity")
	}
	return contactID, true, nil
}

// Ensure создаёт контакт и идентичность для пользователя личного чата,
// если их ещё нет. Идемпотентен; возвращает id контакта.
func (r *Contacts) Ensure(ctx context.Context, externalID int64, displayName string) (string, error) {
	if id, ok, err := r.FindIDByExternal(ctx, externalID); err != nil || ok {
		return id, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin contact tx")
	}
	defer func() { _ = tx.Rollback() }()

	contactID := ContactID(externalID)
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO telegram_crm."Contact" (id, "displayName")
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`,
		contactID, displayName,
	); err != nil {
		return "", errors.Wrap(err, "insert contact")
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO telegram_crm."SourceIdentity" (id, "contactId", source, "externalId")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, "externalId") DO NOTHING`,
		IdentityID(externalID), contactID, Source, strconv.FormatInt(externalID, 10),
	); err != nil {
		return "", errors.Wrap(err, "insert identity")
	}

	if err = tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit contact tx")
	}

	// Перечитываем: параллельный процесс мог успеть первым с другим id.
	id, _, err := r.FindIDByExternal(ctx, externalID)
	return id, err
}

// UpdatePresence проецирует upstream-статус пользователя на поля контакта.
func (r *Contacts) UpdatePresence(ctx context.Context, externalID int64, p Presence) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE telegram_crm."Contact" c
		SET "isOnline" = $3,
		    "onlineStatus" = $4,
		    "lastSeenAt" = COALESCE($5::timestamptz, c."lastSeenAt"),
		    "updatedAt" = NOW()
		FROM telegram_crm."SourceIdentity" si
		WHERE si."contactId" = c.id AND si.source = $1 AND si."externalId" = $2`,
		Source, strconv.FormatInt(externalID, 10), p.IsOnline, p.Status, p.LastSeenAt,
	)
	return errors.Wrap(err, "update presence")
}
