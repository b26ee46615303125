package ingest

import "sync"

const (
	// recentHighWater — размер, по достижении которого набор усекается.
	recentHighWater = 10000
	// recentLowWater — сколько самых свежих ключей переживает усечение.
	recentLowWater = 5000
)

// RecentSet — набор недавно записанных сообщений для дедупликации между
// realtime-потоком и циклами опроса. Хранит порядок вставки, чтобы при
// переполнении отбрасывать самые старые ключи.
type RecentSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewRecentSet создаёт пустой набор.
func NewRecentSet() *RecentSet {
	return &RecentSet{seen: make(map[string]struct{}, recentLowWater)}
}

// Contains сообщает, записывалось ли сообщение с таким ключом недавно.
func (s *RecentSet) Contains(key string) bool {
	s.mu.Lock()
	_, ok := s.seen[key]
	s.mu.Unlock()
	return ok
}

// Add отмечает ключ как записанный. Повторная вставка не дублирует порядок.
func (s *RecentSet) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)

	if len(s.order) >= recentHighWater {
		cut := s.order[:len(s.order)-recentLowWater]
		for _, old := range cut {
			delete(s.seen, old)
		}
		kept := make([]string, recentLowWater)
		copy(kept, s.order[len(s.order)-recentLowWater:])
		s.order = kept
	}
}

// Len возвращает текущий размер набора.
func (s *RecentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
