package session

import "time"

// Clock hooks for tests.

func (r *Registry) SetNowFunc(now func() time.Time)    { r.now = now }
func (c *Coordinator) SetNowFunc(now func() time.Time) { c.now = now }
func (m *Manager) SetNowFunc(now func() time.Time)     { m.now = now }
func (c *HandleCodec) SetNowFunc(now func() time.Time) { c.now = now }

// WaiterEntries reports how many (session, platform) pairs currently have a
// broadcast entry registered.
func (m *Manager) WaiterEntries() int {
	m.waiters.mu.Lock()
	defer m.waiters.mu.Unlock()

	return len(m.waiters.pending)
}
