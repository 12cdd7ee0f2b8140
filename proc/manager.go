package proc

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/sys"
)

// Manager owns one Session per guild, created on first use.
type Manager struct {
	cfg       SessionConfig
	newPlayer func(key snowflake.ID) Player

	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
	// keys whose session is still closing; closed when Close returns
	closing map[snowflake.ID]chan struct{}
}

func NewManager(cfg SessionConfig, newPlayer func(key snowflake.ID) Player) *Manager {
	return &Manager{
		cfg:       cfg,
		newPlayer: newPlayer,
		sessions:  make(map[snowflake.ID]*Session),
		closing:   make(map[snowflake.ID]chan struct{}),
	}
}

// Session returns the live session for key, replacing one that was closed.
// While an evicted session for key is still closing it waits, since the
// replacement shares its cache slots and voice connection.
func (m *Manager) Session(key snowflake.ID) *Session {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[key]; ok && !s.Closed() {
			m.mu.Unlock()
			return s
		}
		if wait, ok := m.closing[key]; ok {
			m.mu.Unlock()
			<-wait
			continue
		}
		s := NewSession(key, m.newPlayer(key), m.cfg)
		m.sessions[key] = s
		m.mu.Unlock()
		return s
	}
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(key snowflake.ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

func (m *Manager) Keys() []snowflake.ID {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]snowflake.ID, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Evict closes the session for key and forgets it.
func (m *Manager) Evict(ctx context.Context, key snowflake.ID) error {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.detachLocked(key)
	m.mu.Unlock()

	return m.retire(ctx, key, s)
}

// detachLocked drops key from the live map and reserves it until retire
// finishes. m.mu must be held.
func (m *Manager) detachLocked(key snowflake.ID) {
	delete(m.sessions, key)
	if _, ok := m.closing[key]; !ok {
		m.closing[key] = make(chan struct{})
	}
}

// retire closes s, sweeps anything left in its cache slots and releases the
// key for a new session.
func (m *Manager) retire(ctx context.Context, key snowflake.ID, s *Session) error {
	err := s.Close(ctx)

	if m.cfg.Slots != nil {
		for _, f := range m.cfg.Slots.SessionFiles(key) {
			sys.LogVoiceDebug("Removing leftover cache file %s", f)
			_ = os.Remove(f)
		}
	}

	m.mu.Lock()
	if wait, ok := m.closing[key]; ok {
		delete(m.closing, key)
		close(wait)
	}
	m.mu.Unlock()
	return err
}

// EvictIdle closes sessions that have been idle with an empty queue for at
// least ttl and returns their keys.
func (m *Manager) EvictIdle(ctx context.Context, ttl time.Duration) []snowflake.ID {
	var evicted []snowflake.ID
	for _, key := range m.Keys() {
		s, ok := m.Lookup(key)
		if !ok {
			continue
		}
		st, err := s.Status(ctx)
		if err != nil {
			continue
		}
		if st.Phase.State != StateIdle || len(st.Queue) > 0 || time.Since(st.LastActive) < ttl {
			continue
		}

		m.mu.Lock()
		// a command may have swapped the session in between
		if m.sessions[key] != s {
			m.mu.Unlock()
			continue
		}
		m.detachLocked(key)
		m.mu.Unlock()

		if err := m.retire(ctx, key, s); err != nil {
			sys.LogVoice("Failed to close idle session for guild %s: %v", key, err)
		}
		evicted = append(evicted, key)
	}
	return evicted
}

// Shutdown closes every session concurrently.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make(map[snowflake.ID]*Session, len(m.sessions))
	for key, s := range m.sessions {
		sessions[key] = s
		m.detachLocked(key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for key, s := range sessions {
		wg.Add(1)
		go func(key snowflake.ID, s *Session) {
			defer wg.Done()
			if err := m.retire(ctx, key, s); err != nil {
				sys.LogVoice("Failed to close session for guild %s: %v", key, err)
			}
		}(key, s)
	}
	wg.Wait()
}
