package locks

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

// Статусы воркера в таблице "ListenerState".
const (
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusRestarting = "restarting"
	StatusFailed     = "failed"
	StatusError      = "error"
)

const (
	// keepErrors — глубина кольцевого буфера ошибок в памяти.
	keepErrors = 20
	// persistErrors — сколько последних ошибок уходит в строку состояния.
	persistErrors = 10
)

// WorkerError — одна запись в журнале недавних ошибок.
type WorkerError struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// StateManager ведёт единственную строку "ListenerState": статус воркера,
// heartbeat, счётчик принятых сообщений и журнал недавних ошибок.
type StateManager struct {
	db       *sql.DB
	pid      int
	hostname string

	mu       sync.Mutex
	received int
	errs     []WorkerError
}

// NewStateManager создаёт менеджер состояния от имени процесса-владельца locks.Manager.
func NewStateManager(db *sql.DB, owner *Manager) *StateManager {
	return &StateManager{db: db, pid: owner.PID(), hostname: owner.Hostname()}
}

// SetStatus переводит воркер в новый статус. Переход в starting заново
// проставляет "startedAt"; heartbeat обновляется при каждом вызове.
func (s *StateManager) SetStatus(ctx context.Context, status string) error {
	s.mu.Lock()
	errsJSON := s.recentErrorsLocked()
	received := s.received
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telegram_crm."ListenerState"
			(id, status, "startedAt", "lastHeartbeat", "messagesReceived",
			 "recentErrors", "processId", hostname, "updatedAt")
		VALUES ('singleton', $1, NOW(), NOW(), $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			"startedAt" = CASE WHEN EXCLUDED.status = 'starting'
				THEN NOW() ELSE telegram_crm."ListenerState"."startedAt" END,
			"lastHeartbeat" = NOW(),
			"messagesReceived" = EXCLUDED."messagesReceived",
			"recentErrors" = EXCLUDED."recentErrors",
			"processId" = EXCLUDED."processId",
			hostname = EXCLUDED.hostname,
			"updatedAt" = NOW()`,
		status, received, errsJSON, s.pid, s.hostname,
	)
	return errors.Wrap(err, "set listener status")
}

// Heartbeat обновляет отметку живости и сбрасывает накопленные счётчики.
func (s *StateManager) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	errsJSON := s.recentErrorsLocked()
	received := s.received
	s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE telegram_crm."ListenerState"
		SET "lastHeartbeat" = NOW(),
		    "messagesReceived" = $1,
		    "recentErrors" = $2,
		    "updatedAt" = NOW()
		WHERE id = 'singleton'`,
		received, errsJSON,
	)
	return errors.Wrap(err, "listener heartbeat")
}

// IncrementReceived учитывает принятое сообщение. Пишется в БД не сразу,
// а следующим heartbeat-ом.
func (s *StateManager) IncrementReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

// RecordError добавляет ошибку в кольцевой буфер.
func (s *StateManager) RecordError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if len(msg) > maxErrorTextLen {
		msg = msg[:maxErrorTextLen]
	}

	s.mu.Lock()
	s.errs = append(s.errs, WorkerError{At: time.Now().UTC(), Message: msg})
	if len(s.errs) > keepErrors {
		s.errs = s.errs[len(s.errs)-keepErrors:]
	}
	s.mu.Unlock()
}

const maxErrorTextLen = 500

// recentErrorsLocked сериализует хвост журнала ошибок; вызывается под mu.
func (s *StateManager) recentErrorsLocked() []byte {
	tail := s.errs
	if len(tail) > persistErrors {
		tail = tail[len(tail)-persistErrors:]
	}
	if len(tail) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(tail)
	if err != nil {
		return []byte("[]")
	}
	return b
}

// State — снимок строки "ListenerState" для health и status.
type State struct {
	Status           string        `json:"status"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	LastHeartbeat    *time.Time    `json:"last_heartbeat,omitempty"`
	MessagesReceived int           `json:"messages_received"`
	RecentErrors     []WorkerError `json:"recent_errors"`
	ProcessID        int           `json:"process_id,omitempty"`
	Hostname         string        `json:"hostname,omitempty"`
}

// Load читает текущее состояние. Отсутствующая строка трактуется как stopped.
func (s *StateManager) Load(ctx context.Context) (*State, error) {
	var (
		st        State
		startedAt sql.NullTime
		heartbeat sql.NullTime
		errsJSON  []byte
		pid       sql.NullInt64
		hostname  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, "startedAt", "lastHeartbeat", "messagesReceived",
		       "recentErrors", "processId", hostname
		FROM telegram_crm."ListenerState" WHERE id = 'singleton'`,
	).Scan(&st.Status, &startedAt, &heartbeat, &st.MessagesReceived, &errsJSON, &pid, &hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return &State{Status: StatusStopped, RecentErrors: []WorkerError{}}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load listener state")
	}

	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if heartbeat.Valid {
		st.LastHeartbeat = &heartbeat.Time
	}
	if pid.Valid {
		st.ProcessID = int(pid.Int64)
	}
	st.Hostname = hostname.String
	st.RecentErrors = []WorkerError{}
	if len(errsJSON) > 0 {
		_ = json.Unmarshal(errsJSON, &st.RecentErrors)
	}
	return &st, nil
}
