package presence

import (
	"context"
	"sync"
)

// Index is the bidirectional user/connection index behind the registry.
// Implementations must make the first/last connection decision atomic with
// the mutation itself: concurrent Add and Remove calls for one user must
// never both observe a transition.
type Index interface {
	// Add registers a connection for a user and reports whether it was the
	// user's first live connection.
	Add(ctx context.Context, connID, userID string) (first bool, err error)
	// Remove drops a connection and reports the owning user and whether it
	// was that user's last live connection. Unknown connection ids are a
	// no-op and return an empty user id.
	Remove(ctx context.Context, connID string) (userID string, last bool, err error)

	IsOnline(ctx context.Context, userID string) (bool, error)
	ConnectionCount(ctx context.Context, userID string) (int, error)
	Connections(ctx context.Context, userID string) ([]string, error)
	TotalOnline(ctx context.Context) (int, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// MemoryIndex keeps the index in process-local maps. It is the default
// backend for single-instance deployments.
type MemoryIndex struct {
	mu        sync.Mutex
	userConns map[string]map[string]struct{}
	connUsers map[string]string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		userConns: make(map[string]map[string]struct{}),
		connUsers: make(map[string]string),
	}
}

func (m *MemoryIndex) Add(_ context.Context, connID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connUsers[connID]; ok {
		return false, nil
	}
	set := m.userConns[userID]
	if set == nil {
		set = make(map[string]struct{})
		m.userConns[userID] = set
	}
	set[connID] = struct{}{}
	m.connUsers[connID] = userID
	return len(set) == 1, nil
}

func (m *MemoryIndex) Remove(_ context.Context, connID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.connUsers[connID]
	if !ok {
		return "", false, nil
	}
	delete(m.connUsers, connID)

	set := m.userConns[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(m.userConns, userID)
		return userID, true, nil
	}
	return userID, false, nil
}

func (m *MemoryIndex) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userConns[userID]) > 0, nil
}

func (m *MemoryIndex) ConnectionCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userConns[userID]), nil
}

func (m *MemoryIndex) Connections(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.userConns[userID]
	conns := make([]string, 0, len(set))
	for id := range set {
		conns = append(conns, id)
	}
	return conns, nil
}

func (m *MemoryIndex) TotalOnline(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userConns), nil
}

func (m *MemoryIndex) OnlineUsers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.userConns))
	for id := range m.userConns {
		users = append(users, id)
	}
	return users, nil
}
