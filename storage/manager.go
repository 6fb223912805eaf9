package storage

import (
	"context"
)

type Manager struct {
	adapter Adapter
	opts    Options
}

func NewManager(opts ...Options) *Manager {
	m := &Manager{}
	if len(opts) > 0 {
		m.opts = opts[0]
	}
	return m
}

// Start resolves an adapter from the connection value's type. A nil conn
// selects the in-memory backend.
func (m *Manager) Start(conn any) error {
	a, err := RegistryAdapter(conn, m.opts)
	if err != nil {
		return err
	}
	m.adapter = a
	return nil
}

func (m *Manager) Adapter() Adapter { return m.adapter }

func (m *Manager) Dialect() string {
	if m.adapter == nil {
		return ""
	}
	return m.adapter.Dialect()
}

// Build runs the adapter's migrations (tables, indexes). No-op for backends
// that need none.
func (m *Manager) Build() error {
	if m.adapter == nil {
		return nil
	}
	return m.adapter.Migrate(context.Background())
}
