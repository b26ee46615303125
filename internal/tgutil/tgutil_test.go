package tgutil_test

import (
	"testing"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/tgutil"
)

func TestChatID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		peer tg.PeerClass
		want int64
	}{
		{name: "user", peer: &tg.PeerUser{UserID: 42}, want: 42},
		{name: "chat", peer: &tg.PeerChat{ChatID: 100}, want: -100},
		{name: "channel", peer: &tg.PeerChannel{ChannelID: 200}, want: -200},
		{name: "nil", peer: nil, want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tgutil.ChatID(tc.peer); got != tc.want {
				t.Fatalf("ChatID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSenderID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		msg    *tg.Message
		chatID int64
		want   int64
	}{
		{
			name:   "explicitUser",
			msg:    &tg.Message{FromID: &tg.PeerUser{UserID: 7}},
			chatID: -100,
			want:   7,
		},
		{
			name:   "channelPost",
			msg:    &tg.Message{FromID: &tg.PeerChannel{ChannelID: 5}},
			chatID: -5,
			want:   -5,
		},
		{
			name:   "privateIncomingWithoutFrom",
			msg:    &tg.Message{Out: false},
			chatID: 42,
			want:   42,
		},
		{
			name:   "privateOutgoingWithoutFrom",
			msg:    &tg.Message{Out: true},
			chatID: 42,
			want:   0,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tgutil.SenderID(tc.msg, tc.chatID); got != tc.want {
				t.Fatalf("SenderID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestContentTypeAndAttachments(t *testing.T) {
	t.Parallel()

	text := &tg.Message{Message: "hi"}
	if got := tgutil.ContentType(text); got != "text" {
		t.Errorf("ContentType(text) = %q", got)
	}
	if tgutil.HasAttachments(text) {
		t.Error("plain text must not report attachments")
	}

	photo := &tg.Message{Media: &tg.MessageMediaPhoto{}}
	if got := tgutil.ContentType(photo); got != "media" {
		t.Errorf("ContentType(photo) = %q", got)
	}
	if !tgutil.HasAttachments(photo) {
		t.Error("photo must report attachments")
	}

	// Гео-точка — медиа, но выгружать нечего.
	geo := &tg.Message{Media: &tg.MessageMediaGeo{}}
	if tgutil.HasAttachments(geo) {
		t.Error("geo point has nothing to download")
	}
}

func TestKindForChat(t *testing.T) {
	t.Parallel()

	entities := tg.Entities{
		Users: map[int64]*tg.User{10: {ID: 10}},
		Chats: map[int64]*tg.Chat{20: {ID: 20, Title: "group"}},
		Channels: map[int64]*tg.Channel{
			30: {ID: 30, Title: "mega", Megagroup: true},
			40: {ID: 40, Title: "broadcast"},
		},
	}

	cases := []struct {
		chatID int64
		want   string
	}{
		{chatID: 10, want: tgutil.KindPrivate},
		{chatID: -20, want: tgutil.KindGroup},
		{chatID: -30, want: tgutil.KindSupergroup},
		{chatID: -40, want: tgutil.KindChannel},
	}
	for _, tc := range cases {
		if got := tgutil.KindForChat(tc.chatID, entities); got != tc.want {
			t.Errorf("KindForChat(%d) = %q, want %q", tc.chatID, got, tc.want)
		}
	}
}

func TestTitleForChat(t *testing.T) {
	t.Parallel()

	entities := tg.Entities{
		Users:    map[int64]*tg.User{10: {ID: 10, FirstName: "Ada", LastName: "L"}},
		Chats:    map[int64]*tg.Chat{20: {ID: 20, Title: "Friends"}},
		Channels: map[int64]*tg.Channel{30: {ID: 30, Title: "News"}},
	}

	if got := tgutil.TitleForChat(10, entities); got != "Ada L" {
		t.Errorf("user title = %q", got)
	}
	if got := tgutil.TitleForChat(-20, entities); got != "Friends" {
		t.Errorf("chat title = %q", got)
	}
	if got := tgutil.TitleForChat(-30, entities); got != "News" {
		t.Errorf("channel title = %q", got)
	}
	if got := tgutil.TitleForChat(-99, entities); got != "" {
		t.Errorf("unknown chat title = %q, want empty", got)
	}
}

func TestUserDisplayName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		user *tg.User
		want string
	}{
		{name: "fullName", user: &tg.User{FirstName: "Ada", LastName: "Lovelace"}, want: "Ada Lovelace"},
		{name: "firstOnly", user: &tg.User{FirstName: "Ada"}, want: "Ada"},
		{name: "usernameFallback", user: &tg.User{Username: "ada"}, want: "ada"},
		{name: "phoneFallback", user: &tg.User{Phone: "+100"}, want: "+100"},
		{name: "nil", user: nil, want: ""},
	}
	for _, tc := range cases {
		if got := tgutil.UserDisplayName(tc.user); got != tc.want {
			t.Errorf("%s: UserDisplayName() = %q, want %q", tc.name, got, tc.want)
		}
	}
}
