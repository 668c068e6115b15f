package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/backend"
	kafkax "github.com/ariefcatur/edgewood-kitchen/internal/kafka"
	"github.com/ariefcatur/edgewood-kitchen/internal/logging"
	"github.com/ariefcatur/edgewood-kitchen/internal/mpesa"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

var kenyanMSISDN = regexp.MustCompile(`^254\d{9}$`)

type Accounts interface {
	Register(ctx context.Context, email, password string) (users.User, error)
	Login(ctx context.Context, email, password string) (users.User, error)
}

type OrderRepo interface {
	SaveOrder(ctx context.Context, n orders.NewOrder) (string, bool, error)
	ListByUser(ctx context.Context, email string) ([]orders.Order, error)
	GetOrderDetails(ctx context.Context, orderID string) (orders.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) error
}

type STKPusher interface {
	STKPush(ctx context.Context, phone string, amount int64, accountRef, desc string) (mpesa.STKResponse, error)
}

// APIHandler serves the kitchen backend: accounts, the STK push proxy,
// durable orders and the Daraja callback.
type APIHandler struct {
	Accounts Accounts
	Orders   OrderRepo
	Mpesa    STKPusher
	Redis    redis.Cmdable
	Cache    *redisx.OrderCache

	OrderEvents    Publisher // kitchen.order.saved
	StatusEvents   Publisher // kitchen.order.status
	CallbackEvents SyncPublisher // kitchen.payment.callback
	Service        string
}

func (h *APIHandler) Register(r chi.Router) {
	r.Post(backend.PathRegister, h.register)
	r.Post(backend.PathLogin, h.login)
	r.Post(backend.PathSTKPush, h.stkPush)
	r.Post(backend.PathSaveOrder, h.saveOrder)
	r.Post(backend.PathGetOrders, h.getOrders)
	r.Post(backend.PathGetOrderDetails, h.getOrderDetails)
	r.Post(backend.PathUpdateOrderStatus, h.updateOrderStatus)
	r.Post(backend.PathMpesaCallback, h.mpesaCallback)
}

func (h *APIHandler) register(w http.ResponseWriter, r *http.Request) {
	var req backend.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.AuthResponse{Error: "invalid json"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := h.Accounts.Register(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, users.ErrExists):
		writeJSON(w, http.StatusConflict, backend.AuthResponse{Error: err.Error()})
	case errors.Is(err, users.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, backend.AuthResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, backend.AuthResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, backend.AuthResponse{Success: true, Email: u.Email, Role: u.Role})
	}
}

func (h *APIHandler) login(w http.ResponseWriter, r *http.Request) {
	var req backend.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.AuthResponse{Error: "invalid json"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	u, err := h.Accounts.Login(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, backend.AuthResponse{Error: err.Error()})
	case errors.Is(err, users.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, backend.AuthResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, backend.AuthResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, backend.AuthResponse{Success: true, Email: u.Email, Role: u.Role})
	}
}

func (h *APIHandler) stkPush(w http.ResponseWriter, r *http.Request) {
	var req backend.STKPushRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.STKPushResponse{ErrorMessage: "invalid json"})
		return
	}
	if !kenyanMSISDN.MatchString(req.PhoneNumber) || req.Amount < 1 || req.AccountReference == "" {
		writeJSON(w, http.StatusBadRequest, backend.STKPushResponse{ErrorMessage: "phone_number must be 254XXXXXXXXX, amount >= 1, account_reference required"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	res, err := h.Mpesa.STKPush(ctx, req.PhoneNumber, req.Amount, req.AccountReference, req.TransactionDesc)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, backend.STKPushResponse{ErrorMessage: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, backend.STKPushResponse{
		MerchantRequestID: res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		CustomerMessage:   res.CustomerMessage,
	})
}

func (h *APIHandler) saveOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.NewOrder
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.SaveOrderResponse{Error: "invalid json"})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, backend.SaveOrderResponse{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// fast path; the unique checkout_request_id column stays the source of truth
	if req.CheckoutRequestID != "" && h.Redis != nil {
		if id, ok, _ := redisx.SavedOrderID(ctx, h.Redis, req.CheckoutRequestID); ok {
			writeJSON(w, http.StatusOK, backend.SaveOrderResponse{Success: true, OrderID: id})
			return
		}
	}

	orderID, existed, err := h.Orders.SaveOrder(ctx, req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, backend.SaveOrderResponse{Error: err.Error()})
		return
	}
	if req.CheckoutRequestID != "" && h.Redis != nil {
		_ = redisx.RememberSavedOrder(ctx, h.Redis, req.CheckoutRequestID, orderID)
	}
	if !existed {
		h.publish(h.OrderEvents, orders.EventOrderSaved, orderID, r, orders.OrderSavedPayload{
			OrderID:           orderID,
			UserEmail:         req.UserEmail,
			CheckoutRequestID: req.CheckoutRequestID,
			Items:             req.Items,
			TotalAmount:       req.TotalAmount,
		})
	}
	writeJSON(w, http.StatusOK, backend.SaveOrderResponse{Success: true, OrderID: orderID})
}

func (h *APIHandler) getOrders(w http.ResponseWriter, r *http.Request) {
	var req backend.GetOrdersRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.UserEmail) == "" {
		writeError(w, http.StatusBadRequest, "user_email is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	list, err := h.Orders.ListByUser(ctx, req.UserEmail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *APIHandler) getOrderDetails(w http.ResponseWriter, r *http.Request) {
	var req backend.OrderDetailsRequest
	if err := decodeJSON(w, r, &req); err != nil || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		if o, ok, err := h.Cache.Get(ctx, req.OrderID); err == nil && ok {
			writeDetails(w, o)
			return
		}
	}
	o, err := h.Orders.GetOrderDetails(ctx, req.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Put(ctx, o)
	}
	writeDetails(w, o)
}

func writeDetails(w http.ResponseWriter, o orders.Order) {
	items := o.Items
	if items == nil {
		items = []orders.Item{}
	}
	o.Items = nil
	writeJSON(w, http.StatusOK, backend.OrderDetailsResponse{Order: o, Items: items})
}

func (h *APIHandler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil || req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, backend.StatusResponse{Error: "order_id and new_status are required"})
		return
	}
	status, err := orders.ParseStatus(req.NewStatus)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, backend.StatusResponse{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	err = h.Orders.UpdateOrderStatus(ctx, req.OrderID, status)
	if errors.Is(err, orders.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, backend.StatusResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, backend.StatusResponse{Error: err.Error()})
		return
	}
	if h.Cache != nil {
		_ = h.Cache.Invalidate(ctx, req.OrderID)
	}
	h.publish(h.StatusEvents, orders.EventOrderStatusChanged, req.OrderID, r, orders.OrderStatusChangedPayload{OrderID: req.OrderID, Status: status})
	writeJSON(w, http.StatusOK, backend.StatusResponse{Success: true})
}

// mpesaCallback acknowledges Daraja only once the callback sits on the
// queue, and leaves the database write to the payments worker. A failed
// write answers 503 so Daraja retries.
func (h *APIHandler) mpesaCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, mpesa.Ack{ResultCode: 1, ResultDesc: "unreadable body"})
		return
	}
	p, err := mpesa.ParseCallback(body)
	if err != nil {
		logging.Log(logging.Fields{Service: h.Service, Step: "mpesa_callback", Status: "rejected", Message: err.Error()})
		writeJSON(w, http.StatusBadRequest, mpesa.Ack{ResultCode: 1, ResultDesc: "Invalid callback structure"})
		return
	}
	if h.CallbackEvents == nil {
		writeJSON(w, http.StatusServiceUnavailable, mpesa.Ack{ResultCode: 1, ResultDesc: "callback queue unavailable"})
		return
	}
	env, err := kafkax.NewEnvelope(orders.EventPaymentCallback, h.Service, p.CheckoutRequestID, p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, mpesa.Ack{ResultCode: 1, ResultDesc: "callback not queued"})
		return
	}
	env.TraceID = r.Header.Get("X-Request-Id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := h.CallbackEvents.PublishSync(ctx, orders.PartitionKey(p.CheckoutRequestID), kafkax.MustMarshal(env), eventHeaders(orders.EventPaymentCallback)...); err != nil {
		logging.Log(logging.Fields{Service: h.Service, CheckoutRequestID: p.CheckoutRequestID, Step: "mpesa_callback", Status: "queue_failed", Message: err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, mpesa.Ack{ResultCode: 1, ResultDesc: "callback not queued, retry"})
		return
	}
	logging.Log(logging.Fields{Service: h.Service, CheckoutRequestID: p.CheckoutRequestID, Step: "mpesa_callback", Status: "queued", Message: p.ResultDesc})
	writeJSON(w, http.StatusOK, mpesa.Ack{ResultCode: 0, ResultDesc: "Callback processed successfully"})
}

func (h *APIHandler) publish(p Publisher, eventType, key string, r *http.Request, payload any) {
	if p == nil {
		return
	}
	env, err := kafkax.NewEnvelope(eventType, h.Service, key, payload)
	if err != nil {
		logging.Log(logging.Fields{Service: h.Service, Step: "publish", Status: "encode_failed", Message: err.Error()})
		return
	}
	env.TraceID = r.Header.Get("X-Request-Id")
	p.Publish(orders.PartitionKey(key), kafkax.MustMarshal(env), eventHeaders(eventType)...)
}
