package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/locks"
)

func TestHealthy(t *testing.T) {
	t.Parallel()

	fresh := time.Now().Add(-10 * time.Second)
	stale := time.Now().Add(-10 * time.Minute)

	cases := []struct {
		name string
		st   locks.State
		want bool
	}{
		{name: "starting", st: locks.State{Status: locks.StatusStarting}, want: true},
		{name: "runningFresh", st: locks.State{Status: locks.StatusRunning, LastHeartbeat: &fresh}, want: true},
		{name: "runningStale", st: locks.State{Status: locks.StatusRunning, LastHeartbeat: &stale}, want: false},
		{name: "runningNoHeartbeat", st: locks.State{Status: locks.StatusRunning}, want: false},
		{name: "stopped", st: locks.State{Status: locks.StatusStopped, LastHeartbeat: &fresh}, want: false},
		{name: "restarting", st: locks.State{Status: locks.StatusRestarting, LastHeartbeat: &fresh}, want: false},
		{name: "failed", st: locks.State{Status: locks.StatusFailed, LastHeartbeat: &fresh}, want: false},
		{name: "error", st: locks.State{Status: locks.StatusError, LastHeartbeat: &fresh}, want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := healthy(&tc.st); got != tc.want {
				t.Fatalf("healthy(%s) = %v, want %v", tc.st.Status, got, tc.want)
			}
		})
	}
}

func TestUptimeSeconds(t *testing.T) {
	t.Parallel()

	if got := uptimeSeconds(&locks.State{}); got != 0 {
		t.Errorf("uptime without startedAt = %d, want 0", got)
	}

	startedAt := time.Now().Add(-90 * time.Second)
	got := uptimeSeconds(&locks.State{StartedAt: &startedAt})
	if got < 89 || got > 91 {
		t.Errorf("uptime = %d, want ~90", got)
	}
}

func TestHeartbeatAgeSeconds(t *testing.T) {
	t.Parallel()

	if got := heartbeatAgeSeconds(&locks.State{}); got != -1 {
		t.Errorf("age without heartbeat = %d, want -1", got)
	}

	beat := time.Now().Add(-30 * time.Second)
	got := heartbeatAgeSeconds(&locks.State{LastHeartbeat: &beat})
	if got < 29 || got > 31 {
		t.Errorf("age = %d, want ~30", got)
	}
}

func TestMediaServeParamValidation(t *testing.T) {
	t.Parallel()

	svc := &MediaService{}

	cases := []struct {
		name  string
		query string
	}{
		{name: "missingBoth", query: ""},
		{name: "missingMessageID", query: "telegram_chat_id=42"},
		{name: "missingChatID", query: "telegram_message_id=7"},
		{name: "zeroChatID", query: "telegram_chat_id=0&telegram_message_id=7"},
		{name: "negativeMessageID", query: "telegram_chat_id=42&telegram_message_id=-1"},
		{name: "garbage", query: "telegram_chat_id=abc&telegram_message_id=def"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/download?"+tc.query, nil)
			rec := httptest.NewRecorder()
			svc.Serve(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestMediaServeClientNotReady(t *testing.T) {
	t.Parallel()

	// Менеджер соединения не инициализирован, клиент считается неготовым.
	svc := &MediaService{}

	req := httptest.NewRequest(http.MethodGet, "/download?telegram_chat_id=42&telegram_message_id=7", nil)
	rec := httptest.NewRecorder()
	svc.Serve(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMediaLocation(t *testing.T) {
	t.Parallel()

	photoMsg := &tg.Message{Media: &tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID:         1,
		AccessHash: 2,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", W: 320, H: 240},
			&tg.PhotoSize{Type: "y", W: 1280, H: 960},
		},
	}}}
	loc, mime, ok := mediaLocation(photoMsg)
	if !ok {
		t.Fatal("photo must be downloadable")
	}
	if mime != "image/jpeg" {
		t.Errorf("photo mime = %q", mime)
	}
	photoLoc, ok := loc.(*tg.InputPhotoFileLocation)
	if !ok {
		t.Fatalf("location = %#v, want *tg.InputPhotoFileLocation", loc)
	}
	if photoLoc.ThumbSize != "y" {
		t.Errorf("ThumbSize = %q, want largest variant %q", photoLoc.ThumbSize, "y")
	}

	docMsg := &tg.Message{Media: &tg.MessageMediaDocument{Document: &tg.Document{
		ID:       5,
		MimeType: "audio/ogg",
	}}}
	loc, mime, ok = mediaLocation(docMsg)
	if !ok {
		t.Fatal("document must be downloadable")
	}
	if mime != "audio/ogg" {
		t.Errorf("document mime = %q", mime)
	}
	if _, ok := loc.(*tg.InputDocumentFileLocation); !ok {
		t.Fatalf("location = %#v, want *tg.InputDocumentFileLocation", loc)
	}

	if _, _, ok := mediaLocation(&tg.Message{}); ok {
		t.Error("message without media must not be downloadable")
	}
	if _, _, ok := mediaLocation(&tg.Message{Media: &tg.MessageMediaGeo{}}); ok {
		t.Error("geo point must not be downloadable")
	}
}
