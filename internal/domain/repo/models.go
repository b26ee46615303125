// Package repo — доступ к таблицам схемы telegram_crm.
// Схему исторически завёл Prisma-клиент CRM, отсюда кавычки и camelCase в
// именах колонок. Весь SQL воркера собран здесь; бизнес-логика выше по стеку
// работает только с типами этого пакета.
package repo

import (
	"database/sql"
	"time"
)

// Source — единственный источник, который обслуживает этот воркер.
const Source = "telegram"

// Conversation — строка таблицы "Conversation".
type Conversation struct {
	ID                  string
	Source              string
	ExternalChatID      string
	Title               string
	Kind                string
	SyncDisabled        bool
	LastSyncedMessageID sql.NullString
	LastSyncedAt        sql.NullTime
	LastMessageAt       sql.NullTime
	UnreadCount         int
	LastReadMessageID   sql.NullString
	LastReadAt          sql.NullTime
}

// ConversationRef — облегчённая ссылка для циклов синхронизации:
// идентификаторы и чекпоинт, больше ничего не нужно.
type ConversationRef struct {
	ID           string
	ChatID       int64 // знаковый CRM-идентификатор чата
	LastSyncedID int64 // чекпоинт, 0 если синхронизаций ещё не было
}

// MessageRecord — нормализованное сообщение, готовое к идемпотентной записи.
type MessageRecord struct {
	ID                string
	ConversationID    string
	ExternalMessageID string
	ExternalIDInt     int64 // числовое значение для продвижения чекпоинта
	Direction         string
	ContentType       string
	Body              string
	SentAt            time.Time
	HasAttachments    bool
	ContactID         sql.NullString
	Metadata          []byte // JSON с описателем отправителя
}

// Направления сообщений.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Attachment — описатель вложения исходящего сообщения (JSONB-колонка attachment).
type Attachment struct {
	Kind       string `json:"kind"`
	StorageKey string `json:"storage_key"`
	Caption    string `json:"caption,omitempty"`
	Mime       string `json:"mime,omitempty"`
	Name       string `json:"name,omitempty"`
}

// OutgoingMessage — захваченная на отправку строка таблицы "OutgoingMessage".
type OutgoingMessage struct {
	ID                string
	ConversationID    string
	Body              string
	ReplyToExternalID sql.NullString
	Attachment        *Attachment
	RetryCount        int
	MaxRetries        int
}

// Presence — проекция upstream-статуса пользователя на поля контакта.
type Presence struct {
	IsOnline   bool
	Status     string // online, offline, recently, last_week, last_month, unknown
	LastSeenAt *time.Time
}
