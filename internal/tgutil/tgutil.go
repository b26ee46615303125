// Package tgutil — нормализация сущностей Telegram к представлению CRM.
// Здесь живёт соглашение о знаковых идентификаторах чатов: пользователи
// хранятся с положительным id, группы и каналы — с отрицательным. Это
// соглашение сквозное: под него подстроены externalChatId в базе и резолв
// peer-ов при отправке.
package tgutil

import (
	"strings"

	"github.com/gotd/td/tg"
)

// Виды бесед, как их хранит CRM.
const (
	KindPrivate    = "private"
	KindGroup      = "group"
	KindSupergroup = "supergroup"
	KindChannel    = "channel"
)

// ChatID приводит peer к знаковому CRM-идентификатору чата.
// Возвращает 0 для неизвестного типа peer.
func ChatID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return -p.ChannelID
	default:
		return 0
	}
}

// SenderID извлекает upstream-идентификатор отправителя сообщения.
// В личных чатах входящие сообщения часто приходят без FromID — тогда
// отправителем считается собеседник (положительный chatID).
func SenderID(msg *tg.Message, chatID int64) int64 {
	if msg == nil {
		return 0
	}
	switch from := msg.FromID.(type) {
	case *tg.PeerUser:
		return from.UserID
	case *tg.PeerChannel:
		return -from.ChannelID
	case nil:
		if !msg.Out && chatID > 0 {
			return chatID
		}
	}
	return 0
}

// Sender — описатель отправителя, дублируемый в metadata сообщения, чтобы
// сообщение оставалось читабельным даже при отсутствии контакта в CRM.
type Sender struct {
	ExternalID  int64  `json:"external_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

// SenderFromEntities собирает описатель отправителя по сущностям апдейта.
func SenderFromEntities(msg *tg.Message, chatID int64, e tg.Entities) Sender {
	id := SenderID(msg, chatID)
	s := Sender{ExternalID: id}
	if id > 0 {
		if user, ok := e.Users[id]; ok {
			s.DisplayName = UserDisplayName(user)
			s.Username = user.Username
		}
	}
	if id < 0 {
		if channel, ok := e.Channels[-id]; ok {
			s.DisplayName = channel.Title
			s.Username = channel.Username
		}
	}
	return s
}

// UserDisplayName склеивает видимое имя пользователя.
func UserDisplayName(u *tg.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Phone
}

// ContentType определяет тип содержимого сообщения для CRM.
func ContentType(msg *tg.Message) string {
	if msg == nil || msg.Media == nil {
		return "text"
	}
	if _, ok := msg.Media.(*tg.MessageMediaEmpty); ok {
		return "text"
	}
	return "media"
}

// HasAttachments сообщает, несёт ли сообщение вложение, пригодное для выгрузки.
func HasAttachments(msg *tg.Message) bool {
	if msg == nil {
		return false
	}
	switch msg.Media.(type) {
	case *tg.MessageMediaPhoto, *tg.MessageMediaDocument:
		return true
	default:
		return false
	}
}

// KindForChat выводит вид беседы из сущностей апдейта для знакового chatID.
func KindForChat(chatID int64, e tg.Entities) string {
	if chatID > 0 {
		return KindPrivate
	}
	id := -chatID
	if channel, ok := e.Channels[id]; ok {
		if channel.Megagroup {
			return KindSupergroup
		}
		return KindChannel
	}
	return KindGroup
}

// TitleForChat подбирает заголовок беседы из сущностей апдейта.
func TitleForChat(chatID int64, e tg.Entities) string {
	if chatID > 0 {
		if user, ok := e.Users[chatID]; ok {
			return UserDisplayName(user)
		}
		return ""
	}
	id := -chatID
	if channel, ok := e.Channels[id]; ok {
		return channel.Title
	}
	if chat, ok := e.Chats[id]; ok {
		return chat.Title
	}
	return ""
}

// EntitiesFromLists строит tg.Entities из плоских списков (ответы dialogs/history).
func EntitiesFromLists(users []tg.UserClass, chats []tg.ChatClass) tg.Entities {
	e := tg.Entities{
		Users:    make(map[int64]*tg.User, len(users)),
		Chats:    make(map[int64]*tg.Chat, len(chats)),
		Channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			e.Users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch item := c.(type) {
		case *tg.Chat:
			e.Chats[item.ID] = item
		case *tg.Channel:
			e.Channels[item.ID] = item
		}
	}
	return e
}
