package repo

import (
	"crypto/md5" // #nosec G501 — не криптография, а детерминированные короткие id
	"encoding/hex"
	"fmt"
	"time"
)

const idHashLen = 24

func shortHash(payload string) string {
	sum := md5.Sum([]byte(payload)) // #nosec G401
	return hex.EncodeToString(sum[:])[:idHashLen]
}

// ConversationID детерминированно строит id беседы по знаковому chatID.
// Повторное создание той же беседы с любого хоста даёт тот же id.
func ConversationID(chatID int64) string {
	return "c" + shortHash(fmt.Sprintf("telegram-%d", chatID))
}

// MessageID детерминированно строит id сообщения по upstream-идентификатору
// и времени отправки. Стабильность пары (id, sent_at) гарантирует, что ретраи
// и повторная выгрузка истории не плодят новых строк.
func MessageID(externalID int64, sentAt time.Time) string {
	return "m" + shortHash(fmt.Sprintf("%d-%d", externalID, sentAt.Unix()))
}

// ContactID и IdentityID — детерминированные id для контактов личных чатов.
func ContactID(externalID int64) string {
	return "ct" + shortHash(fmt.Sprintf("telegram-contact-%d", externalID))
}

// IdentityID — id строки SourceIdentity для upstream-пользователя.
func IdentityID(externalID int64) string {
	return "si" + shortHash(fmt.Sprintf("telegram-identity-%d", externalID))
}
