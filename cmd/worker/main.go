package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-sync-worker/internal/app"
	"telegram-sync-worker/internal/infra/config"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/session"
)

func main() {
	// envPath определяет расположение .env; в контейнере переменные приходят
	// из окружения и файл не обязателен.
	envPath := flag.String("env", ".env", "path to .env file")
	exportSession := flag.Bool("export-session", false,
		"print the local session as base64 (for TELEGRAM_SESSION_BASE64) and exit")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if *exportSession {
		// Читается только локальный файл, база не нужна.
		out, err := session.NewManager(nil, config.Env().SessionPath).ExportBase64()
		if err != nil {
			fmt.Fprintln(os.Stderr, "export session:", err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	logger.Init(config.Env().LogLevel)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.NewApp(ctx, stop)
	if err := a.Run(); err != nil {
		stop()
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("graceful shutdown complete")
}
