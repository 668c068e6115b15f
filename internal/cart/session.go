package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ariefcatur/edgewood-kitchen/internal/catalog"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/shopspring/decimal"
)

var ErrNotSignedIn = errors.New("not signed in")

type Identity struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == orders.RoleAdmin }

type EventKind string

const (
	EventCartChanged            EventKind = "cart"
	EventIdentityChanged        EventKind = "identity"
	EventModeChanged            EventKind = "management_mode"
	EventPersonalizationChanged EventKind = "personalization"
	EventOrderChanged           EventKind = "current_order"
)

// Observer is called after a mutation succeeds, outside the session lock.
type Observer func(id string, kind EventKind)

// Session is everything one customer's storefront owns: identity, the cart
// and its stock mirror, personalization and the admin management toggle.
// All mutations go through its methods and are serialized by mu.
type Session struct {
	ID string

	mu              sync.Mutex
	identity        *Identity
	cart            *State
	personalization *orders.Personalization
	managementMode  bool
	currentOrderID  string
	observers       []Observer

	inFlight atomic.Bool
}

func NewSession(id string, meals []catalog.Meal) *Session {
	return &Session{ID: id, cart: New(meals)}
}

func (s *Session) Subscribe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Session) notify(kind EventKind) {
	s.mu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o(s.ID, kind)
	}
}

// mutate runs fn under the lock and notifies observers when it succeeds.
func (s *Session) mutate(kind EventKind, fn func() error) error {
	s.mu.Lock()
	err := fn()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(kind)
	return nil
}

func (s *Session) SetQuantity(mealID, qty int) error {
	return s.mutate(EventCartChanged, func() error { return s.cart.SetQuantity(mealID, qty) })
}

func (s *Session) RemoveLine(mealID int) {
	_ = s.mutate(EventCartChanged, func() error { s.cart.RemoveLine(mealID); return nil })
}

func (s *Session) ClearCart() {
	_ = s.mutate(EventCartChanged, func() error { s.cart.Clear(); return nil })
}

func (s *Session) Lines() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Lines()
}

func (s *Session) Meals() []catalog.Meal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Meals()
}

func (s *Session) Available(mealID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Available(mealID)
}

func (s *Session) TotalCost() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.TotalCost()
}

// Identity returns a copy of the signed-in identity, or false.
func (s *Session) Identity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) SignIn(id Identity) {
	_ = s.mutate(EventIdentityChanged, func() error {
		s.identity = &id
		return nil
	})
}

// SignOut drops the identity and resets everything tied to it. Lines are
// cleared and their stock returned.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.identity = nil
	s.managementMode = false
	s.personalization = nil
	s.currentOrderID = ""
	s.cart.Clear()
	s.mu.Unlock()
	s.notify(EventIdentityChanged)
	s.notify(EventCartChanged)
}

// SetManagementMode only succeeds for admins.
func (s *Session) SetManagementMode(on bool) error {
	return s.mutate(EventModeChanged, func() error {
		if s.identity == nil {
			return ErrNotSignedIn
		}
		if on && !s.identity.IsAdmin() {
			return orders.ErrForbidden
		}
		s.managementMode = on
		return nil
	})
}

// Actor describes the signed-in user for order status changes.
func (s *Session) Actor() orders.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return orders.Actor{}
	}
	return orders.Actor{Email: s.identity.Email, Role: s.identity.Role, ManagementMode: s.managementMode}
}

// SetPersonalization stores the block attached to the next order. A nil
// value removes it.
func (s *Session) SetPersonalization(p *orders.Personalization) error {
	if p != nil {
		if err := p.Validate(); err != nil {
			return err
		}
		cp := *p
		p = &cp
	}
	return s.mutate(EventPersonalizationChanged, func() error {
		s.personalization = p
		return nil
	})
}

func (s *Session) Personalization() *orders.Personalization {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.personalization == nil {
		return nil
	}
	cp := *s.personalization
	return &cp
}

func (s *Session) SetCurrentOrder(orderID string) {
	_ = s.mutate(EventOrderChanged, func() error {
		s.currentOrderID = orderID
		return nil
	})
}

func (s *Session) CurrentOrder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentOrderID
}

// TryBeginCheckout claims the session's single checkout slot.
func (s *Session) TryBeginCheckout() bool { return s.inFlight.CompareAndSwap(false, true) }

func (s *Session) EndCheckout() { s.inFlight.Store(false) }

func (s *Session) CheckoutInFlight() bool { return s.inFlight.Load() }

// ReserveCart re-holds any released lines and returns the snapshot that
// checkout works from.
func (s *Session) ReserveCart() ([]Line, decimal.Decimal, error) {
	var (
		lines []Line
		total decimal.Decimal
	)
	err := s.mutate(EventCartChanged, func() error {
		if err := s.cart.Reserve(); err != nil {
			return err
		}
		lines = s.cart.Lines()
		total = s.cart.TotalCost()
		return nil
	})
	return lines, total, err
}

// ReleaseCart is the compensation step: stock comes back, lines stay.
func (s *Session) ReleaseCart() {
	_ = s.mutate(EventCartChanged, func() error { s.cart.Release(); return nil })
}

// CommitCart hands the ordered lines to a persisted order. Lines added
// or raised after the order was snapshotted stay in the cart.
func (s *Session) CommitCart(ordered []Line) {
	_ = s.mutate(EventCartChanged, func() error { s.cart.Commit(ordered); return nil })
}

// Held is the quantity the cart currently reserves for a meal.
func (s *Session) Held(mealID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Held(mealID)
}

type sessionSnapshot struct {
	ID              string                  `json:"id"`
	Identity        *Identity               `json:"identity,omitempty"`
	Cart            *State                  `json:"cart"`
	Personalization *orders.Personalization `json:"personalization,omitempty"`
	ManagementMode  bool                    `json:"management_mode"`
	CurrentOrderID  string                  `json:"current_order_id,omitempty"`
}

// Save serializes the session. Observers and the checkout slot are not
// part of the saved form.
func Save(s *Session) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(sessionSnapshot{
		ID:              s.ID,
		Identity:        s.identity,
		Cart:            s.cart,
		Personalization: s.personalization,
		ManagementMode:  s.managementMode,
		CurrentOrderID:  s.currentOrderID,
	})
}

func Load(b []byte) (*Session, error) {
	var snap sessionSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if snap.ID == "" || snap.Cart == nil {
		return nil, errors.New("load session: missing id or cart")
	}
	if snap.ManagementMode && (snap.Identity == nil || !snap.Identity.IsAdmin()) {
		snap.ManagementMode = false
	}
	return &Session{
		ID:              snap.ID,
		identity:        snap.Identity,
		cart:            snap.Cart,
		personalization: snap.Personalization,
		managementMode:  snap.ManagementMode,
		currentOrderID:  snap.CurrentOrderID,
	}, nil
}
