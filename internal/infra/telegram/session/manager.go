package session

// Менеджер сессии отвечает за то, чтобы до открытия MTProto-потока на диске
// лежал авторизованный файл сессии, и за его последующую сохранность:
//   - Resolve: файл → строка в базе → base64 из окружения, первый успех;
//   - периодическое (раз в час) копирование живой сессии обратно в базу;
//   - ротация локальных резервных копий (хранится 5 последних).

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/storage"

	"github.com/go-faster/errors"
)

// ErrSessionUnavailable возвращается, когда сессию не удалось получить ни из
// файла, ни из базы, ни из окружения. Для воркера это фатально: процесс
// завершается с кодом 1, авторизовать аккаунт заново должен оператор.
var ErrSessionUnavailable = errors.New("telegram session unavailable: no file, no store row, no env seed")

const (
	sessionRowName  = "default"
	backupKeep      = 5
	backupPeriod    = time.Hour
	backupTimestamp = "20060102T150405"
)

// Manager владеет файлом сессии и его копией в базе.
type Manager struct {
	db   *sql.DB
	file *FileStorage

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager создаёт менеджер сессии для заданного пути.
func NewManager(db *sql.DB, path string) *Manager {
	return &Manager{
		db:   db,
		file: &FileStorage{Path: path},
	}
}

// Storage возвращает файловое хранилище для telegram.Options.SessionStorage.
func (m *Manager) Storage() *FileStorage { return m.file }

// Resolve обеспечивает наличие непустого файла сессии на диске.
// Порядок источников: локальный файл; строка TelegramWorkerSession в базе;
// base64-значение из окружения. На источниках 2 и 3 байты записываются на
// диск атомарно. Если все три источника пусты — ErrSessionUnavailable.
func (m *Manager) Resolve(ctx context.Context, base64Seed string) error {
	if info, err := os.Stat(m.file.Path); err == nil && info.Size() > 0 {
		logger.Info("session: using existing local file")
		return nil
	}

	data, err := m.loadBlob(ctx)
	if err != nil {
		return errors.Wrap(err, "load session blob")
	}
	if len(data) > 0 {
		if err = storage.AtomicWriteFile(m.file.Path, data); err != nil {
			return errors.Wrap(err, "write session from store")
		}
		logger.Info("session: restored from database blob")
		return nil
	}

	seed := strings.TrimSpace(base64Seed)
	if seed != "" {
		raw, decErr := base64.StdEncoding.DecodeString(seed)
		if decErr != nil {
			return errors.Wrap(decErr, "decode TELEGRAM_SESSION_BASE64")
		}
		if len(raw) > 0 {
			if err = storage.AtomicWriteFile(m.file.Path, raw); err != nil {
				return errors.Wrap(err, "write session from env")
			}
			logger.Info("session: seeded from environment")
			return nil
		}
	}

	return ErrSessionUnavailable
}

// Start запускает фоновый цикл резервного копирования. Повторные вызовы
// безопасны и игнорируются.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Go(func() {
		ticker := time.NewTicker(backupPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.Backup(runCtx); err != nil {
					logger.Warnf("session backup: %v", err)
				}
			}
		}
	})
}

// Stop завершает фоновое копирование и дожидается его окончания.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Backup копирует живую сессию в базу и обновляет локальную резервную копию,
// оставляя backupKeep самых свежих.
func (m *Manager) Backup(ctx context.Context) error {
	data, err := m.file.ReadBytes()
	if err != nil {
		return errors.Wrap(err, "read session file")
	}
	if len(data) == 0 {
		return nil
	}

	if err = m.saveBlob(ctx, data); err != nil {
		return errors.Wrap(err, "save session blob")
	}

	backupPath := fmt.Sprintf("%s.bak-%s", m.file.Path, time.Now().UTC().Format(backupTimestamp))
	if err = storage.AtomicWriteFile(backupPath, data); err != nil {
		return errors.Wrap(err, "write local backup")
	}
	m.rotateBackups()
	return nil
}

// ExportBase64 возвращает текущую сессию в base64 (диагностика, перенос).
func (m *Manager) ExportBase64() (string, error) {
	data, err := m.file.ReadBytes()
	if err != nil {
		return "", errors.Wrap(err, "read session file")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Info описывает состояние файла сессии для HTTP-статуса.
type Info struct {
	Path        string    `json:"path"`
	Exists      bool      `json:"exists"`
	SizeBytes   int64     `json:"size_bytes"`
	ModifiedAt  time.Time `json:"modified_at"`
	BackupCount int       `json:"backup_count"`
}

// Describe собирает сведения о файле сессии и числе локальных копий.
func (m *Manager) Describe() Info {
	info := Info{Path: m.file.Path, BackupCount: len(m.listBackups())}
	if st, err := os.Stat(m.file.Path); err == nil {
		info.Exists = true
		info.SizeBytes = st.Size()
		info.ModifiedAt = st.ModTime().UTC()
	}
	return info
}

func (m *Manager) loadBlob(ctx context.Context) ([]byte, error) {
	var data []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT "sessionData" FROM telegram_crm."TelegramWorkerSession" WHERE "sessionName" = $1`,
		sessionRowName,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) saveBlob(ctx context.Context, data []byte) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO telegram_crm."TelegramWorkerSession" ("sessionName", "sessionData", "updatedAt")
		VALUES ($1, $2, NOW())
		ON CONFLICT ("sessionName")
		DO UPDATE SET "sessionData" = EXCLUDED."sessionData", "updatedAt" = NOW()`,
		sessionRowName, data,
	)
	return err
}

// listBackups возвращает пути локальных копий, отсортированные по имени
// (метка времени в имени делает порядок хронологическим).
func (m *Manager) listBackups() []string {
	dir := filepath.Dir(m.file.Path)
	prefix := filepath.Base(m.file.Path) + ".bak-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(backups)
	return backups
}

func (m *Manager) rotateBackups() {
	backups := m.listBackups()
	for len(backups) > backupKeep {
		if err := os.Remove(backups[0]); err != nil {
			logger.Debugf("session backup rotate: %v", err)
		}
		backups = backups[1:]
	}
}
