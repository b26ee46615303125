// Package store открывает подключение к Postgres и применяет миграции схемы.
// Воркер делит базу с CRM-приложением: вся его часть живёт в схеме
// telegram_crm, которую миграции создают идемпотентно.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	_ "github.com/lib/pq" // драйвер postgres
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 10 * time.Second
)

// Open подключается к Postgres по строке соединения (параметр ?schema= уже
// вырезан на уровне конфига), настраивает пул и проверяет доступность базы.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	return db, nil
}
