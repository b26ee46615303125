// Package locks реализует кооперативные блокировки поверх Postgres:
// только один процесс слушает Telegram-аккаунт, только один гоняет полный
// догон, только один синхронизирует конкретный чат. Блокировки живут в
// таблице "SyncLock" и протухают по "expiresAt"; живой владелец продлевает
// их heartbeat-ом.
package locks

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"telegram-sync-worker/internal/infra/logger"
)

// Типы блокировок.
const (
	TypeListener = "listener"
	TypeGlobal   = "global"
	TypeSingle   = "single"
)

// durations — время жизни блокировки по типу. Просроченная блокировка
// считается мёртвой и удаляется при следующем захвате.
var durations = map[string]time.Duration{
	TypeListener: 30 * time.Minute,
	TypeGlobal:   5 * time.Minute,
	TypeSingle:   2 * time.Minute,
}

// HeartbeatInterval — период продления удерживаемых блокировок.
const HeartbeatInterval = 30 * time.Second

// ErrLockContested возвращается, когда блокировку держит другой живой
// владелец и захват невозможен.
var ErrLockContested = errors.New("lock is held by another live process")

// Manager захватывает и продлевает блокировки от имени текущего процесса.
type Manager struct {
	db       *sql.DB
	pid      int
	hostname string

	mu   sync.Mutex
	held map[string]heldLock // id -> описание, для heartbeat и release
}

type heldLock struct {
	lockType string
	lockKey  string
}

// NewManager создаёт менеджер блокировок для текущего процесса.
func NewManager(db *sql.DB) *Manager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		db:       db,
		pid:      os.Getpid(),
		hostname: host,
		held:     make(map[string]heldLock),
	}
}

// PID возвращает идентификатор процесса-владельца.
func (m *Manager) PID() int { return m.pid }

// Hostname возвращает имя хоста процесса-владельца.
func (m *Manager) Hostname() string { return m.hostname }

// Acquire пытается захватить блокировку (lockType, lockKey). Необязательные
// метаданные сохраняются в строке блокировки для операторской диагностики.
// Перед вставкой удаляет просроченные записи и записи мёртвых процессов
// этого же хоста. Возвращает false без ошибки, если блокировку держит
// другой живой владелец.
func (m *Manager) Acquire(ctx context.Context, lockType, lockKey string, metadata map[string]any) (bool, error) {
	ttl, ok := durations[lockType]
	if !ok {
		return false, errors.Errorf("unknown lock type %q", lockType)
	}
	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return false, err
	}

	if _, err := m.db.ExecContext(ctx, `
		DELETE FROM telegram_crm."SyncLock"
		WHERE "lockType" = $1 AND "lockKey" = $2 AND "expiresAt" < NOW()`,
		lockType, lockKey,
	); err != nil {
		return false, errors.Wrap(err, "purge expired lock")
	}

	if err := m.purgeDeadSameHost(ctx, lockType, lockKey); err != nil {
		return false, err
	}

	id := uuid.NewString()
	row := m.db.QueryRowContext(ctx, `
		INSERT INTO telegram_crm."SyncLock"
			(id, "lockType", "lockKey", "processId", hostname, "expiresAt", metadata)
		VALUES ($1, $2, $3, $4, $5, NOW() + make_interval(secs => $6), $7)
		ON CONFLICT ("lockType", "lockKey") DO NOTHING
		RETURNING id`,
		id, lockType, lockKey, m.pid, m.hostname, ttl.Seconds(), metaJSON,
	)
	var insertedID string
	err = row.Scan(&insertedID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert lock")
	}

	m.mu.Lock()
	m.held[insertedID] = heldLock{lockType: lockType, lockKey: lockKey}
	m.mu.Unlock()
	return true, nil
}

// encodeMetadata сериализует метаданные блокировки. nil и пустая карта
// превращаются в NULL столбца.
func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode lock metadata")
	}
	return b, nil
}

// Check сообщает, кто держит блокировку (lockType, lockKey). Просроченная
// запись и запись мёртвого процесса этого же хоста удаляются на месте; в
// обоих случаях блокировка считается свободной и возвращается nil.
func (m *Manager) Check(ctx context.Context, lockType, lockKey string) (*Info, error) {
	var li Info
	err := m.db.QueryRowContext(ctx, `
		SELECT id, "lockType", "lockKey", "processId", hostname,
		       "acquiredAt", "heartbeatAt", "expiresAt", "expiresAt" < NOW(), metadata
		FROM telegram_crm."SyncLock"
		WHERE "lockType" = $1 AND "lockKey" = $2`,
		lockType, lockKey,
	).Scan(
		&li.ID, &li.LockType, &li.LockKey, &li.ProcessID, &li.Hostname,
		&li.AcquiredAt, &li.HeartbeatAt, &li.ExpiresAt, &li.Expired, &li.Metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "check lock")
	}

	dead := li.Hostname == m.hostname && li.ProcessID != m.pid && !processAlive(li.ProcessID)
	if li.Expired || dead {
		if dead {
			logger.Warnf("releasing lock %s/%s held by dead pid %d", lockType, lockKey, li.ProcessID)
		}
		_, err = m.db.ExecContext(ctx,
			`DELETE FROM telegram_crm."SyncLock" WHERE id = $1`, li.ID,
		)
		if err != nil {
			return nil, errors.Wrap(err, "purge stale lock")
		}
		return nil, nil
	}
	return &li, nil
}

// purgeDeadSameHost удаляет блокировку, чей процесс с нашего хоста уже
// не существует. Чужие хосты не трогаем: проверить их PID мы не можем.
func (m *Manager) purgeDeadSameHost(ctx context.Context, lockType, lockKey string) error {
	var (
		id  string
		pid int
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, "processId" FROM telegram_crm."SyncLock"
		WHERE "lockType" = $1 AND "lockKey" = $2 AND hostname = $3`,
		lockType, lockKey, m.hostname,
	).Scan(&id, &pid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "lookup same-host lock")
	}
	if pid == m.pid || processAlive(pid) {
		return nil
	}

	logger.Warnf("releasing lock %s/%s held by dead pid %d", lockType, lockKey, pid)
	_, err = m.db.ExecContext(ctx,
		`DELETE FROM telegram_crm."SyncLock" WHERE id = $1 AND "processId" = $2`,
		id, pid,
	)
	return errors.Wrap(err, "purge dead lock")
}

// processAlive проверяет существование процесса сигналом 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM: процесс жив, но принадлежит другому пользователю.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Heartbeat продлевает все удерживаемые блокировки. Потерянная строка
// (кто-то сделал force-unlock) выбрасывается из учёта с предупреждением.
func (m *Manager) Heartbeat(ctx context.Context) {
	m.mu.Lock()
	ids := make(map[string]heldLock, len(m.held))
	for id, h := range m.held {
		ids[id] = h
	}
	m.mu.Unlock()

	for id, h := range ids {
		ttl := durations[h.lockType]
		res, err := m.db.ExecContext(ctx, `
			UPDATE telegram_crm."SyncLock"
			SET "heartbeatAt" = NOW(), "expiresAt" = NOW() + make_interval(secs => $3)
			WHERE id = $1 AND "processId" = $2`,
			id, m.pid, ttl.Seconds(),
		)
		if err != nil {
			logger.Errorf("lock heartbeat %s/%s: %v", h.lockType, h.lockKey, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			logger.Warnf("lock %s/%s no longer ours, dropping", h.lockType, h.lockKey)
			m.mu.Lock()
			delete(m.held, id)
			m.mu.Unlock()
		}
	}
}

// Release снимает конкретную блокировку, если мы её держим.
func (m *Manager) Release(ctx context.Context, lockType, lockKey string) error {
	m.mu.Lock()
	var id string
	for k, h := range m.held {
		if h.lockType == lockType && h.lockKey == lockKey {
			id = k
			break
		}
	}
	if id != "" {
		delete(m.held, id)
	}
	m.mu.Unlock()
	if id == "" {
		return nil
	}

	_, err := m.db.ExecContext(ctx,
		`DELETE FROM telegram_crm."SyncLock" WHERE id = $1 AND "processId" = $2`,
		id, m.pid,
	)
	return errors.Wrap(err, "release lock")
}

// ReleaseAll снимает все блокировки процесса. Вызывается при останове.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	m.held = make(map[string]heldLock)
	m.mu.Unlock()

	_, err := m.db.ExecContext(ctx,
		`DELETE FROM telegram_crm."SyncLock" WHERE "processId" = $1 AND hostname = $2`,
		m.pid, m.hostname,
	)
	return errors.Wrap(err, "release all locks")
}

// Info — снимок одной блокировки для инспекции.
type Info struct {
	ID          string          `json:"id"`
	LockType    string          `json:"lock_type"`
	LockKey     string          `json:"lock_key"`
	ProcessID   int             `json:"process_id"`
	Hostname    string          `json:"hostname"`
	AcquiredAt  time.Time       `json:"acquired_at"`
	HeartbeatAt time.Time       `json:"heartbeat_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Expired     bool            `json:"expired"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// List возвращает все блокировки таблицы, включая просроченные.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, "lockType", "lockKey", "processId", hostname,
		       "acquiredAt", "heartbeatAt", "expiresAt", "expiresAt" < NOW(), metadata
		FROM telegram_crm."SyncLock"
		ORDER BY "acquiredAt" ASC`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list locks")
	}
	defer func() { _ = rows.Close() }()

	var infos []Info
	for rows.Next() {
		var li Info
		if err = rows.Scan(
			&li.ID, &li.LockType, &li.LockKey, &li.ProcessID, &li.Hostname,
			&li.AcquiredAt, &li.HeartbeatAt, &li.ExpiresAt, &li.Expired, &li.Metadata,
		); err != nil {
			return nil, errors.Wrap(err, "scan lock")
		}
		infos = append(infos, li)
	}
	return infos, rows.Err()
}

// CleanupExpired удаляет все просроченные блокировки. Возвращает число удалённых.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM telegram_crm."SyncLock" WHERE "expiresAt" < NOW()`,
	)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup expired locks")
	}
	return res.RowsAffected()
}

// ForceRelease безусловно удаляет блокировку по типу и ключу.
func (m *Manager) ForceRelease(ctx context.Context, lockType, lockKey string) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM telegram_crm."SyncLock" WHERE "lockType" = $1 AND "lockKey" = $2`,
		lockType, lockKey,
	)
	if err != nil {
		return false, errors.Wrap(err, "force release lock")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
