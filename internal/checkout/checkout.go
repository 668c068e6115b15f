// Package checkout runs the pay flow for one storefront session: push a
// mobile-money charge, record the order, then consume the cart. When the
// charge is accepted but the order cannot be recorded, the cart's stock
// reservation is released and the lines stay so the customer can retry.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/cart"
	"github.com/ariefcatur/edgewood-kitchen/internal/logging"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/receipt"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrUnauthenticated    = errors.New("sign in to place an order")
	ErrCheckoutInProgress = errors.New("a checkout is already in progress for this session")
	ErrGateway            = errors.New("payment request failed")
	ErrPersistence        = errors.New("payment request accepted but order not recorded")
	ErrFetch              = errors.New("could not load order for receipt")
)

var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// PersistenceError is returned when the gateway accepted the charge but
// the order was not saved. The charge is not reversed here; the ids are
// what support needs to reconcile it by hand.
type PersistenceError struct {
	CheckoutRequestID string
	AccountReference  string
	Err               error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s (checkout request %s): %v", ErrPersistence, e.CheckoutRequestID, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

// PushResult carries the gateway's tracking id on success, or its error
// message when it declined.
type PushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	ErrorMessage      string
}

type Gateway interface {
	InitiatePush(ctx context.Context, req PushRequest) (PushResult, error)
}

type OrderStore interface {
	SaveOrder(ctx context.Context, n orders.NewOrder) (string, error)
	GetOrderDetails(ctx context.Context, orderID string) (orders.Order, error)
}

type Recorder interface {
	CheckoutOutcome(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) CheckoutOutcome(string) {}

// RefGenerator hands out account references that never repeat within the
// process, even when two are requested in the same millisecond.
type RefGenerator struct {
	Prefix string
	Now    func() time.Time

	mu   sync.Mutex
	last int64
}

func NewRefGenerator(prefix string) *RefGenerator {
	return &RefGenerator{Prefix: prefix, Now: time.Now}
}

func (g *RefGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.Now().UnixMilli()
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	return g.Prefix + "-" + strconv.FormatInt(n, 10)
}

type Orchestrator struct {
	Gateway Gateway
	Orders  OrderStore
	Refs    *RefGenerator
	// Timeout bounds each remote call.
	Timeout time.Duration
	Metrics Recorder
	Service string
}

func New(gw Gateway, store OrderStore, refs *RefGenerator, timeout time.Duration, rec Recorder) *Orchestrator {
	if rec == nil {
		rec = nopRecorder{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{Gateway: gw, Orders: store, Refs: refs, Timeout: timeout, Metrics: rec, Service: "storefront"}
}

// Attempt is the immutable snapshot a checkout works from once the
// preconditions pass. Later cart edits do not affect it.
type Attempt struct {
	AccountReference string
	Phone            string
	Amount           int64
	Total            decimal.Decimal
	Lines            []cart.Line
	Personalization  *orders.Personalization
	UserEmail        string
}

type Result struct {
	OrderID           string
	CheckoutRequestID string
	AccountReference  string
	Amount            int64
	Total             decimal.Decimal
	Order             *orders.Order
	Receipt           string
	// ReceiptErr wraps ErrFetch. The order exists regardless.
	ReceiptErr error
}

// Pay runs one checkout for s. Only one Pay may run per session at a time.
func (o *Orchestrator) Pay(ctx context.Context, s *cart.Session, phone string) (Result, error) {
	if !s.TryBeginCheckout() {
		o.Metrics.CheckoutOutcome("in_progress")
		return Result{}, ErrCheckoutInProgress
	}
	defer s.EndCheckout()

	att, err := o.prepare(s, phone)
	if err != nil {
		o.Metrics.CheckoutOutcome("rejected")
		return Result{}, err
	}
	res := Result{AccountReference: att.AccountReference, Amount: att.Amount, Total: att.Total}

	start := time.Now()
	push, err := o.initiate(ctx, att)
	if err != nil {
		o.Metrics.CheckoutOutcome("gateway_error")
		o.log(s.ID, "", "initiate_payment", "failed", start, err.Error())
		return res, err
	}
	res.CheckoutRequestID = push.CheckoutRequestID
	o.log(s.ID, "", "initiate_payment", "accepted", start, push.CheckoutRequestID)

	start = time.Now()
	orderID, err := o.persist(ctx, att, push.CheckoutRequestID)
	if err != nil {
		s.ReleaseCart()
		o.Metrics.CheckoutOutcome("persistence_error")
		o.log(s.ID, "", "save_order", "compensated", start, err.Error())
		return res, &PersistenceError{CheckoutRequestID: push.CheckoutRequestID, AccountReference: att.AccountReference, Err: err}
	}
	s.CommitCart(att.Lines)
	s.SetCurrentOrder(orderID)
	res.OrderID = orderID
	o.log(s.ID, orderID, "save_order", "saved", start, "")

	fetchCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	order, err := o.Orders.GetOrderDetails(fetchCtx, orderID)
	if err != nil {
		res.ReceiptErr = fmt.Errorf("%w %s: %v", ErrFetch, orderID, err)
		o.log(s.ID, orderID, "receipt", "fetch_failed", start, err.Error())
	} else {
		res.Order = &order
		res.Receipt = receipt.Format(order, order.Items)
	}
	o.Metrics.CheckoutOutcome("ok")
	return res, nil
}

// prepare checks every precondition before anything leaves the process.
func (o *Orchestrator) prepare(s *cart.Session, phone string) (Attempt, error) {
	id, ok := s.Identity()
	if !ok {
		return Attempt{}, ErrUnauthenticated
	}
	if !phonePattern.MatchString(phone) {
		return Attempt{}, fmt.Errorf("%w: phone must be 12 digits starting with 254", ErrValidation)
	}
	p := s.Personalization()
	if p != nil {
		if err := p.Validate(); err != nil {
			return Attempt{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// the reserved snapshot is the only view of the cart checkout trusts
	lines, total, err := s.ReserveCart()
	if err != nil {
		return Attempt{}, err
	}
	if len(lines) == 0 {
		return Attempt{}, fmt.Errorf("%w: cart is empty", ErrValidation)
	}
	amount := total.Round(0).IntPart()
	if !total.IsPositive() || amount < 1 {
		return Attempt{}, fmt.Errorf("%w: total must be positive", ErrValidation)
	}
	return Attempt{
		AccountReference: o.Refs.Next(),
		Phone:            phone,
		Amount:           amount,
		Total:            total,
		Lines:            lines,
		Personalization:  p,
		UserEmail:        id.Email,
	}, nil
}

func (o *Orchestrator) initiate(ctx context.Context, att Attempt) (PushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	push, err := o.Gateway.InitiatePush(ctx, PushRequest{
		Phone:            att.Phone,
		Amount:           att.Amount,
		AccountReference: att.AccountReference,
		Description:      "Payment for Hotel Kitchen Order " + att.AccountReference,
	})
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if push.CheckoutRequestID == "" {
		msg := push.ErrorMessage
		if msg == "" {
			msg = "no checkout request id returned"
		}
		return PushResult{}, fmt.Errorf("%w: %s", ErrGateway, msg)
	}
	return push, nil
}

func (o *Orchestrator) persist(ctx context.Context, att Attempt, checkoutRequestID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	items := make([]orders.Item, 0, len(att.Lines))
	for _, l := range att.Lines {
		items = append(items, orders.Item{MealID: l.MealID, MealName: l.Name, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}
	id, err := o.Orders.SaveOrder(ctx, orders.NewOrder{
		UserEmail:         att.UserEmail,
		Items:             items,
		TotalAmount:       att.Total,
		Personalization:   att.Personalization,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.New("backend returned no order id")
	}
	return id, nil
}

func (o *Orchestrator) log(sessionID, orderID, step, status string, start time.Time, msg string) {
	logging.Log(logging.Fields{
		Service:    o.Service,
		SessionID:  sessionID,
		OrderID:    orderID,
		Step:       step,
		Status:     status,
		DurationMS: logging.Since(start),
		Message:    msg,
	})
}
