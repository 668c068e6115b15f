package orders

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrForbidden         = errors.New("order management requires an admin in management mode")
	ErrInvalidTransition = errors.New("status transition not allowed")
)

// Actor is whoever asks for a status change.
type Actor struct {
	Email          string
	Role           string
	ManagementMode bool
}

func (a Actor) CanManage() bool {
	return a.Role == RoleAdmin && a.ManagementMode
}

type StatusStore interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status Status) error
	GetOrderDetails(ctx context.Context, orderID string) (Order, error)
}

// Machine applies admin status changes. The stored order is re-read after
// every successful update so callers never keep a locally patched copy.
type Machine struct {
	Store       StatusStore
	Transitions Transitions
}

func NewMachine(store StatusStore, t Transitions) *Machine {
	if t == nil {
		t = Permissive()
	}
	return &Machine{Store: store, Transitions: t}
}

// Transition moves current to the requested status. On any failure the
// returned order is current, unchanged.
func (m *Machine) Transition(ctx context.Context, actor Actor, current Order, to Status) (Order, error) {
	if !actor.CanManage() {
		return current, ErrForbidden
	}
	to, err := ParseStatus(string(to))
	if err != nil {
		return current, err
	}
	if !m.Transitions.CanTransition(current.Status, to) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	if err := m.Store.UpdateOrderStatus(ctx, current.OrderID, to); err != nil {
		return current, fmt.Errorf("update status of %s: %w", current.OrderID, err)
	}
	fresh, err := m.Store.GetOrderDetails(ctx, current.OrderID)
	if err != nil {
		return current, fmt.Errorf("refresh %s after status update: %w", current.OrderID, err)
	}
	return fresh, nil
}
