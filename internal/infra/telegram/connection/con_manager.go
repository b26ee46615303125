// Package connection — менеджер состояния MTProto-соединения.
// Координационный слой для остального кода воркера:
//   - WaitOnline(ctx) — блокирует до восстановления связи, если клиент офлайн;
//   - MarkConnected/MarkDisconnected — явные переходы между состояниями;
//   - Ready() — неблокирующая проверка для HTTP-эндпоинта /download;
//   - мониторинг с периодическими RPC-вызовами и детекцией сетевых сбоев.
//
// Менеджер потокобезопасен: взаимодействие с ожидателями ведётся через снимки
// wait-канала, а сетевые ошибки нормализуются через HandleError.
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"telegram-sync-worker/internal/infra/logger"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"
)

const (
	// reconnectPingInterval — период легковесных RPC-вызовов при ожидании
	// восстановления соединения.
	reconnectPingInterval = 10 * time.Second
	// reconnectPingTimeout — максимальное время ожидания ответа на RPC-вызов.
	reconnectPingTimeout = 5 * time.Second
)

var (
	globalMu      sync.RWMutex
	globalManager *manager
)

// manager хранит ссылку на клиент, текущее состояние online/offline и
// «поколенческий» канал ожидания восстановления (waitCh). Когда связь
// теряется, создаётся новый открытый канал и стартует monitorLoop; при
// восстановлении канал закрывается, что снимает всех ожидателей.
type manager struct {
	client *telegram.Client
	ctx    context.Context

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}
	monitorCancel context.CancelFunc
}

// Init инициализирует глобальный менеджер поверх заданного клиента и контекста
// жизненного цикла. По умолчанию состояние — online: создаётся закрытый waitCh,
// чтобы текущие вызовы WaitOnline не блокировались.
func Init(ctx context.Context, client *telegram.Client) {
	if client == nil {
		return
	}

	m := &manager{client: client, ctx: ctx}
	m.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	m.waitCh = ready

	globalMu.Lock()
	globalManager = m
	globalMu.Unlock()
}

// Shutdown завершает глобальный менеджер, отменяет фоновый мониторинг и
// закрывает каналы ожидания, чтобы разблокировать все зависшие горутины.
func Shutdown() {
	globalMu.Lock()
	m := globalManager
	globalManager = nil
	globalMu.Unlock()

	if m != nil {
		m.shutdown()
	}
}

// MarkConnected переводит глобальное состояние в online, останавливает
// мониторинг и закрывает текущий wait-канал, разблокируя всех ожидателей.
func MarkConnected() {
	if m := getManager(); m != nil {
		m.markConnected()
	}
}

// MarkDisconnected переводит глобальное состояние в offline. Идемпотентен.
// Создаёт новое «поколение» wait-канала и запускает мониторинг восстановления.
func MarkDisconnected() {
	if m := getManager(); m != nil {
		m.markDisconnected()
	}
}

// Ready сообщает, готов ли клиент к upstream-вызовам прямо сейчас.
func Ready() bool {
	m := getManager()
	return m != nil && m.connected.Load()
}

// WaitOnline блокирует вызывающую горутину до восстановления соединения или
// отмены контекста. Если уже online, возвращает сразу. Логика использует
// «снимки» канала ожидания: если проснулись по старому закрытому каналу,
// цикл продолжится до закрытия канала текущего поколения.
func WaitOnline(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}

	m := getManager()
	if m == nil || m.connected.Load() {
		return
	}

	for {
		ch := m.currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == m.currentWaitCh() {
				return
			}
			// попали на старый закрытый канал — ждём дальше
		}
	}
}

// HandleError анализирует ошибку err из RPC-слоя. Если ошибка сетевая и
// свидетельствует о разрыве соединения, менеджер переводится в offline и
// возвращается true. Иначе false.
func HandleError(err error) bool {
	if !isNetworkError(err) {
		return false
	}
	MarkDisconnected()
	return true
}

func getManager() *manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalManager
}

// currentWaitCh возвращает снимок актуального канала ожидания. Если канал ещё
// не инициализирован, возвращается закрытый канал, чтобы WaitOnline не завис.
func (m *manager) currentWaitCh() <-chan struct{} {
	m.mu.RLock()
	ch := m.waitCh
	m.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

// markConnected помечает менеджер как online: отменяет мониторинг и закрывает
// канал ожидания. Идемпотентен.
func (m *manager) markConnected() {
	if m == nil || m.connected.Swap(true) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	ch := m.waitCh
	if ch == nil {
		ch = make(chan struct{})
		m.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	m.mu.Unlock()

	logger.Info("ConnectionMonitor: connection restored")
}

// markDisconnected атомарно переключает состояние из online в offline, создаёт
// новое поколение канала ожидания и запускает monitorLoop.
func (m *manager) markDisconnected() {
	if m == nil || !m.connected.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	m.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	m.mu.Unlock()

	logger.Debug("ConnectionMonitor: connection lost, waiting for restore")
	go m.monitorLoop(monitorCtx)
}

// shutdown мягко останавливает мониторинг и закрывает канал ожидания.
func (m *manager) shutdown() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	wait := m.waitCh
	m.waitCh = nil
	m.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
}

// monitorLoop с периодом reconnectPingInterval пытается выполнить RPC-вызов.
// При успехе менеджер переводится в online и цикл завершается.
func (m *manager) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectPingInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, reconnectPingTimeout)
		err := m.safeRPC(pingCtx)
		cancel()

		if err == nil {
			m.markConnected()
			return
		}
		logger.Debugf("ConnectionMonitor: RPC probe failed (attempt=%d): %v", attempt, err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeRPC выполняет легковесный вызов Self() с защитой от паник.
// Self требует полноценного MTProto-соединения, поэтому его успех означает
// готовность API к остальным запросам.
func (m *manager) safeRPC(ctx context.Context) (err error) {
	if m.client == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("ConnectionMonitor: RPC probe panic recovered: %v", r)
			err = net.ErrClosed
		}
	}()

	_, err = m.client.Self(ctx)
	return err
}

// isNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме.
// Сетевыми считаются закрытия соединения/движка, исчерпание ретраев rpc,
// таймауты, EOF и net.Error. Контекстные отмены сетевыми не считаются.
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
