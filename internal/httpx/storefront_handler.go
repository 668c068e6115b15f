package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/cart"
	"github.com/ariefcatur/edgewood-kitchen/internal/checkout"
	"github.com/ariefcatur/edgewood-kitchen/internal/logging"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/receipt"
	"github.com/ariefcatur/edgewood-kitchen/internal/storefront"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type Authenticator interface {
	LoginOrRegister(ctx context.Context, email, password string) (users.User, error)
}

type OrderReader interface {
	ListOrders(ctx context.Context, email string) ([]orders.Order, error)
	GetOrderDetails(ctx context.Context, orderID string) (orders.Order, error)
}

type Payer interface {
	Pay(ctx context.Context, s *cart.Session, phone string) (checkout.Result, error)
}

// StorefrontHandler is the session API a customer UI drives.
type StorefrontHandler struct {
	Sessions *storefront.Manager
	Auth     Authenticator
	Orders   OrderReader
	Checkout Payer
	Machine  *orders.Machine
	Timeout  time.Duration
	Service  string
}

type sessionKey struct{}

func (h *StorefrontHandler) Register(r chi.Router) {
	r.Post("/sessions", h.createSession)
	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Use(h.loadSession)
		r.Get("/", h.getSession)
		r.Get("/meals", h.listMeals)

		r.Put("/cart/{mealID}", h.setQuantity)
		r.Delete("/cart/{mealID}", h.removeLine)
		r.Delete("/cart", h.clearCart)

		r.Post("/login", h.signIn)
		r.Post("/logout", h.signOut)
		r.Put("/personalization", h.setPersonalization)
		r.Delete("/personalization", h.clearPersonalization)
		r.Put("/management_mode", h.setManagementMode)

		r.Post("/checkout", h.checkout)
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderID}", h.trackOrder)
		r.Get("/orders/{orderID}/receipt", h.downloadReceipt)
		r.Post("/orders/{orderID}/status", h.updateStatus)
	})
}

func (h *StorefrontHandler) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "sid"))
		if errors.Is(err, storefront.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

func session(r *http.Request) *cart.Session {
	return r.Context().Value(sessionKey{}).(*cart.Session)
}

func (h *StorefrontHandler) remote(r *http.Request) (context.Context, context.CancelFunc) {
	d := h.Timeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(r.Context(), d)
}

type sessionView struct {
	SessionID       string                  `json:"session_id"`
	Identity        *cart.Identity          `json:"identity,omitempty"`
	Lines           []cart.Line             `json:"cart"`
	Total           decimal.Decimal         `json:"total"`
	ManagementMode  bool                    `json:"management_mode"`
	Personalization *orders.Personalization `json:"personalization,omitempty"`
	CurrentOrderID  string                  `json:"current_order_id,omitempty"`
	CheckoutPending bool                    `json:"checkout_pending"`
}

func view(s *cart.Session) sessionView {
	v := sessionView{
		SessionID:       s.ID,
		Lines:           s.Lines(),
		Total:           s.TotalCost(),
		ManagementMode:  s.Actor().ManagementMode,
		Personalization: s.Personalization(),
		CurrentOrderID:  s.CurrentOrder(),
		CheckoutPending: s.CheckoutInFlight(),
	}
	if v.Lines == nil {
		v.Lines = []cart.Line{}
	}
	if id, ok := s.Identity(); ok {
		v.Identity = &id
	}
	return v
}

func (h *StorefrontHandler) createSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Sessions.Create(r.Context())
	if errors.Is(err, storefront.ErrTooManySessions) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		// the session works in memory; it just will not survive a restart
		logging.Log(logging.Fields{Service: h.Service, SessionID: s.ID, Step: "session_start", Status: "persist_failed", Message: err.Error()})
	}
	writeJSON(w, http.StatusCreated, view(s))
}

func (h *StorefrontHandler) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, view(session(r)))
}

func (h *StorefrontHandler) listMeals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session(r).Meals())
}

type quantityReq struct {
	Quantity int `json:"quantity"`
}

func (h *StorefrontHandler) setQuantity(w http.ResponseWriter, r *http.Request) {
	mealID, err := strconv.Atoi(chi.URLParam(r, "mealID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "meal id must be an integer")
		return
	}
	var req quantityReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "quantity must be a whole number")
		return
	}
	s := session(r)
	if err := s.SetQuantity(mealID, req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(s))
}

func (h *StorefrontHandler) removeLine(w http.ResponseWriter, r *http.Request) {
	mealID, err := strconv.Atoi(chi.URLParam(r, "mealID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "meal id must be an integer")
		return
	}
	s := session(r)
	s.RemoveLine(mealID)
	writeJSON(w, http.StatusOK, view(s))
}

func (h *StorefrontHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	s.ClearCart()
	writeJSON(w, http.StatusOK, view(s))
}

type signInReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *StorefrontHandler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx, cancel := h.remote(r)
	defer cancel()

	u, err := h.Auth.LoginOrRegister(ctx, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s := session(r)
	s.SignIn(cart.Identity{Email: u.Email, Role: u.Role})
	h.persist(r.Context(), s, "sign_in")
	writeJSON(w, http.StatusOK, view(s))
}

func (h *StorefrontHandler) signOut(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	if err := h.Sessions.SignOut(r.Context(), s); err != nil {
		logging.Log(logging.Fields{Service: h.Service, SessionID: s.ID, Step: "sign_out", Status: "delete_failed", Message: err.Error()})
	}
	writeJSON(w, http.StatusOK, view(s))
}

func (h *StorefrontHandler) setPersonalization(w http.ResponseWriter, r *http.Request) {
	var p orders.Personalization
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s := session(r)
	if err := s.SetPersonalization(&p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(s))
}

func (h *StorefrontHandler) clearPersonalization(w http.ResponseWriter, r *http.Request) {
	s := session(r)
	_ = s.SetPersonalization(nil)
	writeJSON(w, http.StatusOK, view(s))
}

type modeReq struct {
	Enabled bool `json:"enabled"`
}

func (h *StorefrontHandler) setManagementMode(w http.ResponseWriter, r *http.Request) {
	var req modeReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s := session(r)
	if err := s.SetManagementMode(req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(s))
}

type checkoutReq struct {
	Phone string `json:"phone"`
}

type checkoutResp struct {
	OrderID           string          `json:"order_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	AccountReference  string          `json:"account_reference"`
	Amount            int64           `json:"amount"`
	Total             decimal.Decimal `json:"total"`
	Order             *orders.Order   `json:"order,omitempty"`
	Receipt           string          `json:"receipt,omitempty"`
	Warning           string          `json:"warning,omitempty"`
}

func (h *StorefrontHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s := session(r)
	res, err := h.Checkout.Pay(r.Context(), s, req.Phone)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.persist(r.Context(), s, "checkout")

	out := checkoutResp{
		OrderID:           res.OrderID,
		CheckoutRequestID: res.CheckoutRequestID,
		AccountReference:  res.AccountReference,
		Amount:            res.Amount,
		Total:             res.Total,
		Order:             res.Order,
		Receipt:           res.Receipt,
	}
	if res.ReceiptErr != nil {
		out.Warning = res.ReceiptErr.Error()
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *StorefrontHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := session(r).Identity()
	if !ok {
		writeDomainError(w, checkout.ErrUnauthenticated)
		return
	}
	ctx, cancel := h.remote(r)
	defer cancel()

	list, err := h.Orders.ListOrders(ctx, id.Email)
	if err != nil {
		writeDomainError(w, errors.Join(checkout.ErrFetch, err))
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// visibleOrder loads an order the signed-in user may see: their own, or
// any order for an admin.
func (h *StorefrontHandler) visibleOrder(w http.ResponseWriter, r *http.Request) (orders.Order, bool) {
	id, ok := session(r).Identity()
	if !ok {
		writeDomainError(w, checkout.ErrUnauthenticated)
		return orders.Order{}, false
	}
	ctx, cancel := h.remote(r)
	defer cancel()

	o, err := h.Orders.GetOrderDetails(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			err = errors.Join(checkout.ErrFetch, err)
		}
		writeDomainError(w, err)
		return orders.Order{}, false
	}
	if o.UserEmail != id.Email && !id.IsAdmin() {
		writeDomainError(w, orders.ErrNotFound)
		return orders.Order{}, false
	}
	return o, true
}

func (h *StorefrontHandler) trackOrder(w http.ResponseWriter, r *http.Request) {
	if o, ok := h.visibleOrder(w, r); ok {
		writeJSON(w, http.StatusOK, o)
	}
}

func (h *StorefrontHandler) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	o, ok := h.visibleOrder(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+receipt.Filename(o.OrderID)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(receipt.Format(o, o.Items)))
}

type statusReq struct {
	NewStatus string `json:"new_status"`
}

func (h *StorefrontHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s := session(r)
	actor := s.Actor()
	if !actor.CanManage() {
		writeDomainError(w, orders.ErrForbidden)
		return
	}
	to, err := orders.ParseStatus(req.NewStatus)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ctx, cancel := h.remote(r)
	defer cancel()

	current, err := h.Orders.GetOrderDetails(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		if !errors.Is(err, orders.ErrNotFound) {
			err = errors.Join(checkout.ErrFetch, err)
		}
		writeDomainError(w, err)
		return
	}
	updated, err := h.Machine.Transition(ctx, actor, current, to)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "order": updated})
		return
	}
	logging.Log(logging.Fields{Service: h.Service, SessionID: s.ID, OrderID: updated.OrderID, Step: "update_status", Status: string(updated.Status)})
	writeJSON(w, http.StatusOK, updated)
}

func (h *StorefrontHandler) persist(ctx context.Context, s *cart.Session, step string) {
	if err := h.Sessions.Persist(ctx, s); err != nil {
		logging.Log(logging.Fields{Service: h.Service, SessionID: s.ID, Step: step, Status: "persist_failed", Message: err.Error()})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, checkout.ErrUnauthenticated), errors.Is(err, users.ErrInvalidCredentials), errors.Is(err, cart.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, orders.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, cart.ErrUnknownMeal):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrIncomplete):
		return http.StatusUnprocessableEntity
	case errors.Is(err, checkout.ErrValidation), errors.Is(err, cart.ErrInvalidQuantity),
		errors.Is(err, orders.ErrUnknownStatus), errors.Is(err, users.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, cart.ErrOutOfStock), errors.Is(err, checkout.ErrCheckoutInProgress),
		errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrGateway), errors.Is(err, checkout.ErrPersistence), errors.Is(err, checkout.ErrFetch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeDomainError tells the customer whether money may have moved.
func writeDomainError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}

	var oos *cart.OutOfStockError
	if errors.As(err, &oos) {
		body["meal_id"] = oos.MealID
		body["requested"] = oos.Requested
		body["available"] = oos.Available
	}
	var perr *checkout.PersistenceError
	switch {
	case errors.As(err, &perr):
		body["charged"] = true
		body["checkout_request_id"] = perr.CheckoutRequestID
		body["account_reference"] = perr.AccountReference
		body["stock_released"] = true
	case errors.Is(err, checkout.ErrGateway):
		body["charged"] = false
	case errors.Is(err, checkout.ErrFetch):
		body["retryable"] = true
	}
	writeJSON(w, statusFor(err), body)
}
