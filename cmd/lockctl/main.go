// lockctl — сервисная утилита для инспекции и обслуживания блокировок
// воркера: просмотр, очистка просроченных, принудительное снятие и сводка
// состояния слушателя. Работает напрямую с базой, воркер не нужен.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/infra/config"
	"telegram-sync-worker/internal/infra/store"
)

const usage = `usage: lockctl <command>

commands:
  list                      show all locks, including expired
  check <type> <key>        show a lock holder, dropping dead ones
  cleanup                   delete expired locks
  status                    show listener state
  force-unlock <type> <key> unconditionally delete a lock
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := openStore(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()

	mgr := locks.NewManager(db)

	switch args[0] {
	case "list":
		err = runList(ctx, mgr)
	case "check":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "check requires <type> and <key>")
			os.Exit(2)
		}
		err = runCheck(ctx, mgr, args[1], args[2])
	case "cleanup":
		err = runCleanup(ctx, mgr)
	case "status":
		err = runStatus(ctx, db, mgr)
	case "force-unlock":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "force-unlock requires <type> and <key>")
			os.Exit(2)
		}
		err = runForceUnlock(ctx, mgr, args[1], args[2])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func openStore(ctx context.Context) (*sql.DB, error) {
	// .env подхватывается для удобства локального запуска.
	_ = godotenv.Load()

	raw := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if raw == "" {
		return nil, fmt.Errorf("env DATABASE_URL must be set")
	}
	dsn, err := config.StripSchemaParam(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	return store.Open(ctx, dsn)
}

func runList(ctx context.Context, mgr *locks.Manager) error {
	infos, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no locks")
		return nil
	}
	for _, li := range infos {
		state := "live"
		if li.Expired {
			state = "EXPIRED"
		}
		fmt.Printf("%-12s %-24s pid=%-8d host=%-20s expires=%s [%s]\n",
			li.LockType, li.LockKey, li.ProcessID, li.Hostname,
			li.ExpiresAt.UTC().Format(time.RFC3339), state)
	}
	return nil
}

func runCheck(ctx context.Context, mgr *locks.Manager, lockType, lockKey string) error {
	holder, err := mgr.Check(ctx, lockType, lockKey)
	if err != nil {
		return err
	}
	if holder == nil {
		fmt.Printf("lock %s/%s is free\n", lockType, lockKey)
		return nil
	}
	fmt.Printf("lock %s/%s held by pid=%d host=%s since=%s heartbeat=%s expires=%s\n",
		holder.LockType, holder.LockKey, holder.ProcessID, holder.Hostname,
		holder.AcquiredAt.UTC().Format(time.RFC3339),
		holder.HeartbeatAt.UTC().Format(time.RFC3339),
		holder.ExpiresAt.UTC().Format(time.RFC3339))
	if len(holder.Metadata) > 0 {
		fmt.Printf("metadata: %s\n", holder.Metadata)
	}
	return nil
}

func runCleanup(ctx context.Context, mgr *locks.Manager) error {
	n, err := mgr.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d expired locks\n", n)
	return nil
}

func runStatus(ctx context.Context, db *sql.DB, mgr *locks.Manager) error {
	st, err := locks.NewStateManager(db, mgr).Load(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runForceUnlock(ctx context.Context, mgr *locks.Manager, lockType, lockKey string) error {
	removed, err := mgr.ForceRelease(ctx, lockType, lockKey)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Printf("lock %s/%s not found\n", lockType, lockKey)
		return nil
	}
	fmt.Printf("lock %s/%s released\n", lockType, lockKey)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "lockctl:", err)
	os.Exit(1)
}
