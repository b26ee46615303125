// Package ingest — единый конвейер записи сообщений. Все источники
// (realtime-апдейты, активный опрос, полный догон, засев истории) кладут
// сообщения в один канал; пишет в базу один процессор, поэтому гонок за
// чекпоинт не бывает.
package ingest

import (
	"context"
	"strconv"

	"github.com/gotd/td/tg"
)

// Источники сообщений конвейера; попадают в логи для диагностики.
const (
	SourceRealtime = "realtime"
	SourcePoll     = "poll"
	SourceCatchup  = "catchup"
	SourceSeed     = "seed"
)

// queueCapacity — ёмкость канала конвейера. Заполненный канал притормаживает
// продьюсеров, а не роняет сообщения.
const queueCapacity = 1000

// Item — единица работы конвейера: сообщение вместе с контекстом апдейта.
type Item struct {
	ChatID   int64
	Message  *tg.Message
	Entities tg.Entities
	Source   string
	Edit     bool
}

// DedupKey — ключ сообщения в наборе дедупликации.
func DedupKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

// Router принимает сообщения от продьюсеров и отсекает дубликаты до
// постановки в очередь.
type Router struct {
	recent *RecentSet
	queue  chan Item
}

// NewRouter создаёт маршрутизатор с общим набором дедупликации.
func NewRouter(recent *RecentSet) *Router {
	return &Router{
		recent: recent,
		queue:  make(chan Item, queueCapacity),
	}
}

// Enqueue ставит сообщение в очередь. Уже записанные недавно новые сообщения
// отбрасываются сразу; правки проходят всегда. Блокируется при полной
// очереди до освобождения места или отмены контекста.
func (r *Router) Enqueue(ctx context.Context, item Item) bool {
	if item.Message == nil {
		return false
	}
	if !item.Edit && r.recent.Contains(DedupKey(item.ChatID, item.Message.ID)) {
		return false
	}
	select {
	case r.queue <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Items — канал для единственного потребителя-процессора.
func (r *Router) Items() <-chan Item {
	return r.queue
}

// Pending возвращает текущую глубину очереди.
func (r *Router) Pending() int {
	return len(r.queue)
}
