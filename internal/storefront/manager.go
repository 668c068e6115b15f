// Package storefront owns the live customer sessions. Each session lives in
// memory in one process; Redis holds its serialized form, written when a
// session starts, signs in, checks out and on shutdown.
package storefront

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/cart"
	"github.com/ariefcatur/edgewood-kitchen/internal/catalog"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many live sessions")
)

type Store interface {
	Save(ctx context.Context, s *cart.Session) error
	Load(ctx context.Context, id string) (*cart.Session, error)
	Delete(ctx context.Context, id string) error
}

type entry struct {
	s    *cart.Session
	seen time.Time
}

type Manager struct {
	Store Store
	Meals func() []catalog.Meal

	// IdleTTL evicts sessions nobody touched for this long. Zero keeps
	// them until sign-out.
	IdleTTL time.Duration
	// MaxSessions caps live sessions. Zero means no cap.
	MaxSessions int
	Now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

func NewManager(store Store) *Manager {
	return &Manager{Store: store, Meals: catalog.Seed, Now: time.Now, sessions: map[string]*entry{}}
}

// Create starts a fresh session with its own copy of the catalog stock.
func (m *Manager) Create(ctx context.Context) (*cart.Session, error) {
	m.mu.Lock()
	full := m.MaxSessions > 0 && len(m.sessions) >= m.MaxSessions
	m.mu.Unlock()
	if full {
		m.Sweep(ctx)
		m.mu.Lock()
		full = len(m.sessions) >= m.MaxSessions
		m.mu.Unlock()
		if full {
			return nil, ErrTooManySessions
		}
	}

	s := cart.NewSession(uuid.NewString(), m.Meals())
	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s, seen: m.Now()}
	m.mu.Unlock()
	if err := m.Persist(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// Get returns the live session, reviving it from the store after a restart
// or an eviction. Every caller with the same id shares one session value.
func (m *Manager) Get(ctx context.Context, id string) (*cart.Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.seen = m.Now()
	}
	m.mu.Unlock()
	if ok {
		return e.s, nil
	}
	if m.Store == nil {
		return nil, ErrSessionNotFound
	}

	loaded, err := m.Store.Load(ctx, id)
	if errors.Is(err, redisx.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		e.seen = m.Now()
		return e.s, nil
	}
	m.sessions[id] = &entry{s: loaded, seen: m.Now()}
	return loaded, nil
}

// Len is the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Persist(ctx context.Context, s *cart.Session) error {
	if m.Store == nil {
		return nil
	}
	return m.Store.Save(ctx, s)
}

// SignOut resets the session, forgets it and drops its saved copy. The id
// is dead afterwards.
func (m *Manager) SignOut(ctx context.Context, s *cart.Session) error {
	s.SignOut()
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	if m.Store == nil {
		return nil
	}
	return m.Store.Delete(ctx, s.ID)
}

// Sweep evicts sessions idle for longer than IdleTTL. Sessions worth
// keeping are saved first so Get can revive them; a session in the middle
// of a checkout is never evicted.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.Now().Add(-m.IdleTTL)
	m.mu.Lock()
	var idle []*cart.Session
	for _, e := range m.sessions {
		if e.seen.Before(cutoff) && !e.s.CheckoutInFlight() {
			idle = append(idle, e.s)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range idle {
		if worthKeeping(s) {
			if err := m.Persist(ctx, s); err != nil {
				log.Printf("evict %s: keep in memory, save failed: %v", s.ID, err)
				continue
			}
		}
		m.mu.Lock()
		// touched again while we were saving
		if e, ok := m.sessions[s.ID]; ok && e.seen.Before(cutoff) {
			delete(m.sessions, s.ID)
			evicted++
		}
		m.mu.Unlock()
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(ctx); n > 0 {
				log.Printf("evicted %d idle sessions", n)
			}
		}
	}
}

func worthKeeping(s *cart.Session) bool {
	_, signedIn := s.Identity()
	return signedIn || len(s.Lines()) > 0
}

// Flush saves every live session. It is called on graceful shutdown.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*cart.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e.s)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, s := range all {
		if !worthKeeping(s) {
			continue
		}
		s := s
		g.Go(func() error { return m.Persist(ctx, s) })
	}
	err := g.Wait()
	log.Printf("flushed %d sessions (err=%v)", len(all), err)
	return err
}
