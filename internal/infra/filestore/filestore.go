// Package filestore — чтение вложений исходящих сообщений по storage key.
// Ключ — относительный путь внутри каталога вложений; выход за его пределы
// запрещён.
package filestore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
)

// ErrBadKey возвращается для пустого или выводящего из каталога ключа.
var ErrBadKey = errors.New("invalid storage key")

// Store отдаёт содержимое вложений из локального каталога.
type Store struct {
	dir string
}

// New создаёт хранилище над каталогом вложений.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Read возвращает байты вложения по ключу.
func (s *Store) Read(storageKey string) ([]byte, error) {
	path, err := s.resolve(storageKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 — путь проверен resolve
	if err != nil {
		return nil, errors.Wrapf(err, "read attachment %q", storageKey)
	}
	return data, nil
}

// resolve превращает ключ в абсолютный путь внутри каталога вложений.
func (s *Store) resolve(storageKey string) (string, error) {
	key := strings.TrimSpace(storageKey)
	if key == "" {
		return "", ErrBadKey
	}

	path := filepath.Join(s.dir, filepath.Clean("/"+key))
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrBadKey
	}
	return path, nil
}
