package reqlog

import "sync"

// idMap resolves producer-side temp ids to database row ids. Capacity is
// bounded; when full, the oldest mapping is evicted. Terminal updates delete
// their mapping eagerly so long-lived processes stay well under the cap.
type idMap struct {
	mu    sync.Mutex
	cap   int
	ids   map[int64]int64
	order []int64
}

func newIDMap(capacity int) *idMap {
	return &idMap{
		cap: capacity,
		ids: make(map[int64]int64),
	}
}

func (m *idMap) Put(tempID, realID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ids[tempID]; !exists {
		m.order = append(m.order, tempID)
	}
	m.ids[tempID] = realID

	for len(m.ids) > m.cap && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.ids, oldest)
	}
}

func (m *idMap) Get(tempID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[tempID]
	return id, ok
}

func (m *idMap) Delete(tempID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, tempID)
	// order 里残留的已删除项达到容量时一次性压缩
	if len(m.order) > m.cap {
		m.compact()
	}
}

func (m *idMap) compact() {
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.ids[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
}

func (m *idMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
