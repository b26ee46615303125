package ingest

import "sync"

// ConvEntry — закэшированная проекция беседы: всё, что нужно конвейеру,
// чтобы не ходить в базу на каждое сообщение.
type ConvEntry struct {
	ID           string
	SyncDisabled bool
}

// ConvCache — потокобезопасный кэш бесед по знаковому chatID. Его делят
// процессор и циклы синхронизации.
type ConvCache struct {
	mu sync.RWMutex
	m  map[int64]ConvEntry
}

// NewConvCache создаёт пустой кэш.
func NewConvCache() *ConvCache {
	return &ConvCache{m: make(map[int64]ConvEntry)}
}

// Get возвращает запись кэша и признак её наличия.
func (c *ConvCache) Get(chatID int64) (ConvEntry, bool) {
	c.mu.RLock()
	e, ok := c.m[chatID]
	c.mu.RUnlock()
	return e, ok
}

// Put сохраняет запись в кэше.
func (c *ConvCache) Put(chatID int64, e ConvEntry) {
	c.mu.Lock()
	c.m[chatID] = e
	c.mu.Unlock()
}

// Invalidate выбрасывает запись из кэша.
func (c *ConvCache) Invalidate(chatID int64) {
	c.mu.Lock()
	delete(c.m, chatID)
	c.mu.Unlock()
}
