// Файл runner.go — оркестрация жизненного цикла воркера: авторизация,
// линейный запуск сервисов, перезапуски слушателя с нарастающей паузой и
// корректный shutdown, при котором блокировки снимаются, а статус в базе
// переводится в stopped.
package app

import (
	"context"
	"sync"
	"time"

	"telegram-sync-worker/internal/domain/locks"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/connection"

	"github.com/go-faster/errors"
	tgupdates "github.com/gotd/td/telegram/updates"
	"go.uber.org/zap"
)

const (
	// maxRestarts — предел перезапусков слушателя до выхода процесса.
	maxRestarts = 10
	// restartBackoffStep и restartBackoffCap задают паузу min(cap, step*attempt).
	restartBackoffStep = 5 * time.Second
	restartBackoffCap  = 30 * time.Second
	// shutdownDeadline — общий дедлайн корректного завершения.
	shutdownDeadline = 2 * time.Second
)

// errAuthRequired — сессия есть, но не авторизована. Перезапуски бессмысленны:
// авторизовать аккаунт должен оператор.
var errAuthRequired = errors.New("telegram session is not authorized")

// Runner управляет перезапусками слушателя и финальным завершением.
type Runner struct {
	app *App

	updatesWG     sync.WaitGroup
	updatesCancel context.CancelFunc
	updatesErr    chan error

	heartbeatWG     sync.WaitGroup
	heartbeatCancel context.CancelFunc

	webWG sync.WaitGroup

	// finalStatus — статус, фиксируемый в базе при завершении процесса:
	// stopped при чистом останове, failed при выходе из-за сбоя.
	finalStatus string
}

// NewRunner создаёт оркестратор поверх собранного приложения.
func NewRunner(a *App) *Runner {
	return &Runner{app: a, finalStatus: locks.StatusStopped}
}

// Run запускает HTTP-поверхность, затем крутит слушателя с политикой
// перезапусков. Возвращает nil при чистом завершении; ошибка наверху
// превращается в код выхода 1.
func (r *Runner) Run() error {
	r.webWG.Go(func() {
		if err := r.app.webServer.Start(); err != nil {
			logger.Errorf("web server: %v", err)
		}
	})
	defer r.finalShutdown()

	attempt := 0
	for {
		err := r.runListener()

		if r.app.mainCtx.Err() != nil {
			logger.Info("shutdown requested, runner exiting")
			return nil
		}
		if errors.Is(err, errAuthRequired) {
			r.finalStatus = locks.StatusFailed
			return err
		}

		attempt++
		if attempt > maxRestarts {
			r.finalStatus = locks.StatusFailed
			return errors.Wrapf(err, "listener failed after %d restarts", maxRestarts)
		}

		backoff := restartBackoffStep * time.Duration(attempt)
		if backoff > restartBackoffCap {
			backoff = restartBackoffCap
		}
		logger.Warnf("listener crashed (attempt %d/%d), restarting in %s: %v", attempt, maxRestarts, backoff, err)
		r.app.state.RecordError(err)
		if setErr := r.app.state.SetStatus(r.app.mainCtx, locks.StatusRestarting); setErr != nil {
			logger.Debugf("set restarting status: %v", setErr)
		}

		select {
		case <-r.app.mainCtx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// runListener — один прогон слушателя: MTProto-поток, сервисы, блокировка на
// ctx до сбоя или общего shutdown.
func (r *Runner) runListener() error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	// Отмена общего контекста гасит и MTProto-движок, но только после того,
	// как сервисы получили шанс остановиться первыми (см. select ниже).
	var watchWG sync.WaitGroup
	watchDone := make(chan struct{})
	watchWG.Go(func() {
		select {
		case <-r.app.mainCtx.Done():
			clientCancel()
		case <-watchDone:
		}
	})
	defer func() {
		close(watchDone)
		watchWG.Wait()
	}()

	return r.app.waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.app.client.Run(ctx, func(ctx context.Context) error {
			defer r.stopAllServices()

			selfID, err := r.loginSelf(ctx)
			if err != nil {
				return err
			}

			if err = r.initPeers(ctx); err != nil {
				return err
			}

			if err = r.startAllServices(ctx, selfID); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.app.mainCtx.Done():
				return nil
			case err = <-r.updatesErr:
				return errors.Wrap(err, "updates manager")
			}
		})
	})
}

// loginSelf проверяет авторизацию сессии. Интерактивного входа у воркера нет:
// неавторизованная сессия — ошибка оператора.
func (r *Runner) loginSelf(ctx context.Context) (int64, error) {
	status, err := r.app.client.Auth().Status(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		return 0, errAuthRequired
	}

	self, err := r.app.client.Self(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "self")
	}
	logger.Logger().Info("logged in",
		zap.String("username", self.Username),
		zap.Int64("id", self.ID),
	)
	return self.ID, nil
}

func (r *Runner) initPeers(ctx context.Context) error {
	if err := r.app.peers.Mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err := r.app.peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("load peers from storage: %v", err)
	}
	return nil
}

// startAllServices запускает узлы в линейном порядке: соединение и сессия,
// затем конвейер, затем менеджер апдейтов и циклы, которым нужен живой API.
func (r *Runner) startAllServices(ctx context.Context, selfID int64) error {
	logger.Debug("starting service connection_manager")
	connection.Init(ctx, r.app.client)

	logger.Debug("starting service session_backup")
	r.app.sessions.Start(ctx)

	logger.Debug("starting service processor")
	r.app.processor.Start(ctx)

	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesErr = make(chan error, 1)
	r.updatesWG.Go(func() {
		mgrErr := r.app.updMgr.Run(updatesCtx, r.app.client.API(), selfID, tgupdates.AuthOptions{
			Forget:  false,
			OnStart: r.handleUpdatesStart,
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			select {
			case r.updatesErr <- mgrErr:
			default:
			}
		}
	})

	logger.Debug("starting service poller")
	r.app.poller.Start(ctx)

	logger.Debug("starting service discovery")
	r.app.discovery.Start(ctx)

	logger.Debug("starting service outbox_sender")
	r.app.sender.Start(ctx)

	logger.Debug("starting service heartbeat")
	r.startHeartbeat(ctx)

	return nil
}

// stopAllServices останавливает узлы в обратном порядке.
func (r *Runner) stopAllServices() {
	logger.Debug("stopping service heartbeat")
	if r.heartbeatCancel != nil {
		r.heartbeatCancel()
		r.heartbeatWG.Wait()
		r.heartbeatCancel = nil
	}

	logger.Debug("stopping service outbox_sender")
	r.app.sender.Stop()

	logger.Debug("stopping service discovery")
	r.app.discovery.Stop()

	logger.Debug("stopping service poller")
	r.app.poller.Stop()

	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
		r.updatesWG.Wait()
		r.updatesCancel = nil
	}

	logger.Debug("stopping service processor")
	r.app.processor.Stop()

	logger.Debug("stopping service session_backup")
	r.app.sessions.Stop()

	logger.Debug("stopping service connection_manager")
	connection.Shutdown()
}

// handleUpdatesStart вызывается менеджером апдейтов, когда поток событий
// реально подключён: с этого момента воркер считается работающим.
func (r *Runner) handleUpdatesStart(ctx context.Context) {
	connection.MarkConnected()
	if err := r.app.state.SetStatus(ctx, locks.StatusRunning); err != nil {
		logger.Warnf("set running status: %v", err)
	}
	logger.Info("updates manager started, worker is running")
}

// startHeartbeat продлевает блокировки и отметку живости каждые 30 секунд.
func (r *Runner) startHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	r.heartbeatCancel = cancel
	r.heartbeatWG.Go(func() {
		ticker := time.NewTicker(locks.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				r.app.locks.Heartbeat(hbCtx)
				if err := r.app.state.Heartbeat(hbCtx); err != nil {
					logger.Debugf("state heartbeat: %v", err)
				}
			}
		}
	})
}

// finalShutdown гасит HTTP-сервер, снимает блокировки и фиксирует финальный
// статус: stopped при чистом завершении, failed при исчерпании перезапусков
// или неавторизованной сессии. Укладывается в общий дедлайн: дальше процесс
// просто выходит, а лизинг слушателя заберёт следующий владелец по истечении
// срока.
func (r *Runner) finalShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if err := r.app.webServer.Shutdown(ctx); err != nil {
		logger.Debugf("web server shutdown: %v", err)
	}
	r.webWG.Wait()

	if err := r.app.state.SetStatus(ctx, r.finalStatus); err != nil {
		logger.Debugf("set %s status: %v", r.finalStatus, err)
	}
	if err := r.app.locks.ReleaseAll(ctx); err != nil {
		logger.Warnf("release locks: %v", err)
	}
	if err := r.app.peers.Close(); err != nil {
		logger.Debugf("close peers cache: %v", err)
	}
	if err := r.app.db.Close(); err != nil {
		logger.Debugf("close store: %v", err)
	}
	logger.Info("worker stopped")
}
