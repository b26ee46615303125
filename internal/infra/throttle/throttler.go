package throttle

// Package throttle — пейсинг обращений к upstream и обработка серверных пауз.
// Циклы синхронизации обязаны выдерживать случайную задержку между вызовами
// Telegram API (0.3–0.5 с) и безоговорочно уважать FLOOD_WAIT: спать ровно
// столько, сколько велел сервер, и повторять ту же единицу работы, не
// продвигая чекпоинты. Серверные паузы распознаются настраиваемыми
// WaitExtractor; интерфейс StopRetryer немедленно прекращает повторы.
// Pacer потокобезопасен: Do может вызываться параллельно.

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// WaitExtractor анализирует ошибку и, при необходимости, возвращает
// длительность ожидания. Булев флаг показывает, что экстрактор распознал
// формат ошибки. Экстракторы вызываются в порядке регистрации, первый
// совпавший определяет паузу перед повторной попыткой.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Любая ошибка, реализующая этот интерфейс, возвращается вызывающему коду сразу.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры пейсера при создании.
type Option func(*Pacer)

// WithMaxRetries ограничивает число повторов после серверных пауз.
// Значение <=0 означает отсутствие ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(p *Pacer) {
		p.maxRetries = maxRetries
	}
}

// WithWaitExtractors регистрирует набор экстракторов серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(p *Pacer) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		p.waitExtractors = append(p.waitExtractors, cloned...)
	}
}

// WithRandom позволяет задать функцию генерации случайных чисел (для тестов).
func WithRandom(fn func() float64) Option {
	return func(p *Pacer) {
		if fn != nil {
			p.randomFn = fn
		}
	}
}

// Pacer выдерживает случайную паузу между последовательными обращениями к
// upstream и повторяет вызов после серверной паузы (FLOOD_WAIT и т.п.).
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration

	waitExtractors []WaitExtractor
	maxRetries     int // лимит повторов после серверных пауз; <=0 — без лимита

	randomFn func() float64
}

// Паузы между вызовами upstream в фоновых циклах.
const (
	DefaultMinDelay = 300 * time.Millisecond
	DefaultMaxDelay = 500 * time.Millisecond
)

// New создаёт пейсер с паузой в диапазоне [minDelay, maxDelay].
// Нулевые или перепутанные границы приводятся к значениям по умолчанию.
func New(minDelay, maxDelay time.Duration, opts ...Option) *Pacer {
	if minDelay <= 0 {
		minDelay = DefaultMinDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	p := &Pacer{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		maxRetries: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.randomFn == nil {
		p.randomFn = rand.Float64 // #nosec G404
	}
	return p
}

// Wait выдерживает случайную паузу из настроенного диапазона либо прерывается
// по контексту.
func (p *Pacer) Wait(ctx context.Context) error {
	spread := p.maxDelay - p.minDelay
	delay := p.minDelay + time.Duration(p.randomFn()*float64(spread))
	return sleep(ctx, delay)
}

// Do выдерживает паузу и выполняет fn. Алгоритм обработки ошибок:
//   - StopRetryer или сорванный контекст → вернуть сразу;
//   - экстрактор распознал серверную паузу → спать ровно её длительность и
//     повторить тот же вызов (attempt растёт, лимит maxRetries);
//   - прочие ошибки возвращаются вызывающему: объемлющий цикл сам решает,
//     пропустить единицу работы или прерваться.
func (p *Pacer) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempt := 0
	for {
		if err := p.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		if errors.As(callErr, &stopper) && stopper.StopRetry() {
			return callErr
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return callErr
		}

		waitDur, hasWait := p.extractWait(callErr)
		if !hasWait {
			return callErr
		}

		attempt++
		if p.maxRetries > 0 && attempt > p.maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", p.maxRetries, callErr)
		}
		if err := sleep(ctx, waitDur); err != nil {
			return err
		}
	}
}

// extractWait запускает экстракторы по цепочке и возвращает первую распознанную паузу.
func (p *Pacer) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range p.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// sleep ждёт duration или отмену контекста.
func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
