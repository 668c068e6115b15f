package orders

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPendingPayment Status = "Pending Payment Confirmation"
	StatusPaid           Status = "Paid"
	StatusProcessing     Status = "Processing"
	StatusReady          Status = "Ready"
	StatusDelivered      Status = "Delivered"
	StatusCancelled      Status = "Cancelled"
	StatusPaymentFailed  Status = "Payment Failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPendingPayment,
	StatusPaid,
	StatusProcessing,
	StatusReady,
	StatusDelivered,
	StatusCancelled,
	StatusPaymentFailed,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Transitions is the set of allowed status edges, from -> to.
type Transitions map[Status]map[Status]bool

func (t Transitions) CanTransition(from, to Status) bool {
	return t[from][to]
}

// Permissive allows every status to move to any other, which is how the
// kitchen admin screen has always behaved.
func Permissive() Transitions {
	t := make(Transitions, len(Statuses))
	for _, from := range Statuses {
		t[from] = make(map[Status]bool, len(Statuses))
		for _, to := range Statuses {
			t[from][to] = true
		}
	}
	return t
}

// Lifecycle only allows forward moves through the delivery lifecycle.
func Lifecycle() Transitions {
	return Transitions{
		StatusPendingPayment: {StatusPaid: true, StatusPaymentFailed: true, StatusCancelled: true},
		StatusPaid:           {StatusProcessing: true, StatusCancelled: true},
		StatusProcessing:     {StatusReady: true, StatusCancelled: true},
		StatusReady:          {StatusDelivered: true},
		StatusDelivered:      {},
		StatusCancelled:      {},
		StatusPaymentFailed:  {StatusPendingPayment: true, StatusCancelled: true},
	}
}

func TransitionsByName(name string) (Transitions, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "permissive":
		return Permissive(), nil
	case "lifecycle":
		return Lifecycle(), nil
	}
	return nil, fmt.Errorf("unknown transition table %q", name)
}
