package web

import (
	"encoding/json"
	"net/http"
	"time"

	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/domain/syncloop"
	"telegram-sync-worker/internal/infra/config"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/session"
)

// heartbeatFreshness — максимальный возраст heartbeat, при котором running
// считается живым.
const heartbeatFreshness = 300 * time.Second

// StatsSource отдаёт счётчики последнего прохода обнаружения диалогов.
type StatsSource interface {
	Snapshot() syncloop.Stats
}

// Handlers — обработчики HTTP-поверхности.
type Handlers struct {
	state     *locks.StateManager
	session   *session.Manager
	discovery StatsSource
	media     *MediaService
	queueLen  func() int
}

// NewHandlers собирает обработчики.
func NewHandlers(state *locks.StateManager, sess *session.Manager, discovery StatsSource, media *MediaService, queueLen func() int) *Handlers {
	return &Handlers{
		state:     state,
		session:   sess,
		discovery: discovery,
		media:     media,
		queueLen:  queueLen,
	}
}

// Health — грубая проверка живости: running со свежим heartbeat либо
// starting (льготный период) дают 200, всё остальное — 503 с диагностикой.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	st, err := h.state.Load(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unknown",
			"error":  err.Error(),
		})
		return
	}

	if healthy(st) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            st.Status,
			"uptime_s":          uptimeSeconds(st),
			"messages_received": st.MessagesReceived,
		})
		return
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status":            st.Status,
		"uptime_s":          uptimeSeconds(st),
		"messages_received": st.MessagesReceived,
		"last_heartbeat":    st.LastHeartbeat,
		"heartbeat_age_s":   heartbeatAgeSeconds(st),
		"recent_errors":     st.RecentErrors,
	})
}

func healthy(st *locks.State) bool {
	if st.Status == locks.StatusStarting {
		return true
	}
	if st.Status != locks.StatusRunning {
		return false
	}
	return st.LastHeartbeat != nil && time.Since(*st.LastHeartbeat) < heartbeatFreshness
}

func uptimeSeconds(st *locks.State) int64 {
	if st.StartedAt == nil {
		return 0
	}
	return int64(time.Since(*st.StartedAt).Seconds())
}

func heartbeatAgeSeconds(st *locks.State) int64 {
	if st.LastHeartbeat == nil {
		return -1
	}
	return int64(time.Since(*st.LastHeartbeat).Seconds())
}

// Status — подробный снимок для оператора: состояние воркера, файл сессии,
// очередь конвейера, последний проход обнаружения и флаги окружения.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.state.Load(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	env := config.Env()
	payload := map[string]any{
		"worker":      st,
		"session":     h.session.Describe(),
		"queue_depth": h.queueLen(),
		"discovery":   h.discovery.Snapshot(),
		"environment": map[string]bool{
			"has_database_url":    env.DatabaseURL != "",
			"has_api_credentials": env.APIID != 0 && env.APIHash != "",
			"has_phone_number":    env.PhoneNumber != "",
			"has_session_base64":  env.SessionBase64 != "",
		},
	}
	writeJSON(w, http.StatusOK, payload)
}

// Download отдаёт медиа сообщения по паре (telegram_chat_id, telegram_message_id).
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	h.media.Serve(w, r)
}

// writeJSON сериализует payload и пишет ответ с заданным статусом.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debugf("write response: %v", err)
	}
}
