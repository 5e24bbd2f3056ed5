package channel

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Manager tracks the channels of a process, providing add/remove/list
// operations used by the status API and process wiring.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	channels map[int]*Channel
}

// NewManager creates a new channel manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "channel-manager"),
		channels: make(map[int]*Channel),
	}
}

// Add registers ch. It returns false if a channel with the same index
// already exists.
func (m *Manager) Add(ch *Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[ch.Index()]; ok {
		m.log.Warn("channel already exists, rejecting duplicate", "channel", ch.Index())
		return false
	}
	m.channels[ch.Index()] = ch
	m.log.Info("channel added", "channel", ch.Index(), "format", ch.Format().Name)
	return true
}

// Get returns the channel with the given index.
func (m *Manager) Get(index int) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[index]
	return ch, ok
}

// Remove unregisters and closes a channel.
func (m *Manager) Remove(index int) {
	m.mu.Lock()
	ch, ok := m.channels[index]
	if ok {
		delete(m.channels, index)
	}
	m.mu.Unlock()

	if ok {
		ch.Close()
		m.log.Info("channel removed", "channel", index)
	}
}

// List returns all channels by ascending index.
func (m *Manager) List() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]*Channel, 0, len(m.channels))
	for _, idx := range slices.Sorted(maps.Keys(m.channels)) {
		channels = append(channels, m.channels[idx])
	}
	return channels
}

// Close closes and removes every channel.
func (m *Manager) Close() {
	for _, ch := range m.List() {
		m.Remove(ch.Index())
	}
}
