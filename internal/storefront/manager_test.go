package storefront

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/cart"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
)

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saves int
}

func newMemStore() *memStore { return &memStore{blobs: map[string][]byte{}} }

func (m *memStore) Save(_ context.Context, s *cart.Session) error {
	b, err := cart.Save(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.blobs[s.ID] = b
	return nil
}

func (m *memStore) Load(_ context.Context, id string) (*cart.Session, error) {
	m.mu.Lock()
	b, ok := m.blobs[id]
	m.mu.Unlock()
	if !ok {
		return nil, redisx.ErrSessionNotFound
	}
	return cart.Load(b)
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

func TestManagerSharesOneSessionPerID(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()

	s, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := m.Get(ctx, s.ID)
	b, _ := m.Get(ctx, s.ID)
	_ = a.SetQuantity(1, 3)

	if got, _ := b.Available(1); got != 47 {
		t.Errorf("second tab should see the same ledger, got stock %d", got)
	}
	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerRevivesAfterRestart(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	first := NewManager(store)

	s, _ := first.Create(ctx)
	s.SignIn(cart.Identity{Email: "a@b.c", Role: orders.RoleCustomer})
	_ = s.SetQuantity(2, 4)
	if err := first.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	second := NewManager(store)
	got, err := second.Get(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if lines := got.Lines(); len(lines) != 1 || lines[0].Quantity != 4 {
		t.Errorf("unexpected lines %+v", lines)
	}

	if err := second.SignOut(ctx, got); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.blobs[s.ID]; ok {
		t.Error("sign out should remove the saved session")
	}
	if avail, _ := got.Available(2); avail != 100 {
		t.Errorf("sign out should return stock, got %d", avail)
	}
}

func TestFlushSkipsIdleAnonymousSessions(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()
	_, _ = m.Create(ctx)
	busy, _ := m.Create(ctx)
	_ = busy.SetQuantity(1, 1)
	store.saves = 0

	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves != 1 {
		t.Errorf("expected one save, got %d", store.saves)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	m.IdleTTL = 30 * time.Minute
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	anon, _ := m.Create(ctx)
	delete(store.blobs, anon.ID) // an anonymous blob may already have expired
	shopper, _ := m.Create(ctx)
	_ = shopper.SetQuantity(5, 2)
	paying, _ := m.Create(ctx)
	paying.TryBeginCheckout()

	now = now.Add(20 * time.Minute)
	active, _ := m.Create(ctx)
	now = now.Add(15 * time.Minute)
	if _, err := m.Get(ctx, active.ID); err != nil {
		t.Fatal(err)
	}
	store.saves = 0

	if n := m.Sweep(ctx); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	if m.Len() != 2 {
		t.Errorf("expected the active and paying sessions to stay, got %d", m.Len())
	}
	if store.saves != 1 {
		t.Errorf("only the session with a cart should be saved, got %d saves", store.saves)
	}

	if _, err := m.Get(ctx, anon.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("anonymous session should be gone, got %v", err)
	}
	revived, err := m.Get(ctx, shopper.ID)
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if lines := revived.Lines(); len(lines) != 1 || lines[0].Quantity != 2 {
		t.Errorf("revived cart %+v", lines)
	}
}

func TestSignOutForgetsSession(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	s, _ := m.Create(ctx)
	if err := m.SignOut(ctx, s); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 0 {
		t.Errorf("expected no live sessions, got %d", m.Len())
	}
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateRespectsSessionCap(t *testing.T) {
	m := NewManager(nil)
	m.MaxSessions = 2
	m.IdleTTL = time.Minute
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Create(ctx); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	// once the old sessions go idle, creating makes room
	now = now.Add(2 * time.Minute)
	if _, err := m.Create(ctx); err != nil {
		t.Fatalf("create after idle: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 live session, got %d", m.Len())
	}
}
