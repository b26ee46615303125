package ingest

import (
	"context"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/tgutil"
)

// ReadState проецирует квитанции о прочтении и статусы присутствия на CRM.
// В отличие от сообщений, эти апдейты не проходят через очередь: операции
// идемпотентны и защищены на уровне SQL, порядок обработки не важен.
type ReadState struct {
	conversations *repo.Conversations
	contacts      *repo.Contacts
}

// NewReadState создаёт обработчик квитанций и статусов.
func NewReadState(conversations *repo.Conversations, contacts *repo.Contacts) *ReadState {
	return &ReadState{conversations: conversations, contacts: contacts}
}

// OnReadInbox обрабатывает «прочитано до maxID» в личных чатах и группах.
func (r *ReadState) OnReadInbox(ctx context.Context, peer tg.PeerClass, maxID int) {
	chatID := tgutil.ChatID(peer)
	if chatID == 0 {
		return
	}
	if err := r.conversations.ApplyReadAck(ctx, chatID, int64(maxID)); err != nil {
		logger.Warnf("read ack chat=%d: %v", chatID, err)
	}
}

// OnChannelReadInbox обрабатывает «прочитано до maxID» в каналах и супергруппах.
func (r *ReadState) OnChannelReadInbox(ctx context.Context, channelID int64, maxID int) {
	chatID := -channelID
	if err := r.conversations.ApplyReadAck(ctx, chatID, int64(maxID)); err != nil {
		logger.Warnf("read ack channel=%d: %v", channelID, err)
	}
}

// OnUnreadMark обрабатывает ручную отметку диалога как (не)прочитанного.
func (r *ReadState) OnUnreadMark(ctx context.Context, peer tg.DialogPeerClass, unread bool) {
	dp, ok := peer.(*tg.DialogPeer)
	if !ok {
		return
	}
	chatID := tgutil.ChatID(dp.Peer)
	if chatID == 0 {
		return
	}
	if err := r.conversations.SetUnreadMark(ctx, chatID, unread); err != nil {
		logger.Warnf("unread mark chat=%d: %v", chatID, err)
	}
}

// OnUserStatus обрабатывает смену статуса присутствия пользователя.
func (r *ReadState) OnUserStatus(ctx context.Context, userID int64, status tg.UserStatusClass) {
	p := PresenceFromStatus(status)
	if err := r.contacts.UpdatePresence(ctx, userID, p); err != nil {
		logger.Warnf("presence user=%d: %v", userID, err)
	}
}

// PresenceFromStatus переводит upstream-статус в поля контакта CRM.
func PresenceFromStatus(status tg.UserStatusClass) repo.Presence {
	switch s := status.(type) {
	case *tg.UserStatusOnline:
		now := time.Now().UTC()
		return repo.Presence{IsOnline: true, Status: "online", LastSeenAt: &now}
	case *tg.UserStatusOffline:
		seen := time.Unix(int64(s.WasOnline), 0).UTC()
		return repo.Presence{Status: "offline", LastSeenAt: &seen}
	case *tg.UserStatusRecently:
		return repo.Presence{Status: "recently"}
	case *tg.UserStatusLastWeek:
		return repo.Presence{Status: "last_week"}
	case *tg.UserStatusLastMonth:
		return repo.Presence{Status: "last_month"}
	default:
		return repo.Presence{Status: "unknown"}
	}
}
