package outbox

import (
	"database/sql"
	"testing"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/repo"
)

func TestSentMessageID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		updates tg.UpdatesClass
		want    int
		wantErr bool
	}{
		{
			name:    "shortSent",
			updates: &tg.UpdateShortSentMessage{ID: 101},
			want:    101,
		},
		{
			name: "updateMessageID",
			updates: &tg.Updates{Updates: []tg.UpdateClass{
				&tg.UpdateMessageID{ID: 202},
			}},
			want: 202,
		},
		{
			name: "newMessage",
			updates: &tg.Updates{Updates: []tg.UpdateClass{
				&tg.UpdateNewMessage{Message: &tg.Message{ID: 303}},
			}},
			want: 303,
		},
		{
			name: "newChannelMessage",
			updates: &tg.UpdatesCombined{Updates: []tg.UpdateClass{
				&tg.UpdateNewChannelMessage{Message: &tg.Message{ID: 404}},
			}},
			want: 404,
		},
		{
			name:    "emptyUpdates",
			updates: &tg.Updates{},
			wantErr: true,
		},
		{
			name:    "unrelatedType",
			updates: &tg.UpdatesTooLong{},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := sentMessageID(tc.updates)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("sentMessageID() = %d, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("sentMessageID() error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("sentMessageID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReplyHeader(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		reply sql.NullString
		want  int // 0 означает отсутствие заголовка
	}{
		{name: "absent", reply: sql.NullString{}},
		{name: "valid", reply: sql.NullString{Valid: true, String: "555"}, want: 555},
		{name: "garbage", reply: sql.NullString{Valid: true, String: "abc"}},
		{name: "nonPositive", reply: sql.NullString{Valid: true, String: "0"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := replyHeader(&repo.OutgoingMessage{ReplyToExternalID: tc.reply})
			if tc.want == 0 {
				if got != nil {
					t.Fatalf("replyHeader() = %#v, want nil", got)
				}
				return
			}
			header, ok := got.(*tg.InputReplyToMessage)
			if !ok {
				t.Fatalf("replyHeader() = %#v, want *tg.InputReplyToMessage", got)
			}
			if header.ReplyToMsgID != tc.want {
				t.Fatalf("ReplyToMsgID = %d, want %d", header.ReplyToMsgID, tc.want)
			}
		})
	}
}

func TestMimeOr(t *testing.T) {
	t.Parallel()

	if got := mimeOr("audio/mpeg", "audio/ogg"); got != "audio/mpeg" {
		t.Errorf("mimeOr with explicit mime = %q", got)
	}
	if got := mimeOr("", "audio/ogg"); got != "audio/ogg" {
		t.Errorf("mimeOr fallback = %q", got)
	}
}
