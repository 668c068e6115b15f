package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/checkout"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/storefront"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type fakeAuth struct{}

func (fakeAuth) LoginOrRegister(_ context.Context, email, password string) (users.User, error) {
	if password != "pw" {
		return users.User{}, users.ErrInvalidCredentials
	}
	role := orders.RoleCustomer
	if email == "admin@kitchen.com" {
		role = orders.RoleAdmin
	}
	return users.User{Email: email, Role: role}, nil
}

// fakeKitchen plays the backend for the storefront: payment gateway,
// order store and status store in one.
type fakeKitchen struct {
	declined bool
	saveErr  error
	orders   map[string]orders.Order
	pushes   int
}

func (k *fakeKitchen) InitiatePush(_ context.Context, req checkout.PushRequest) (checkout.PushResult, error) {
	k.pushes++
	if k.declined {
		return checkout.PushResult{ErrorMessage: "Request cancelled by user"}, nil
	}
	return checkout.PushResult{CheckoutRequestID: "ws_CO_1", MerchantRequestID: "m-1"}, nil
}

func (k *fakeKitchen) SaveOrder(_ context.Context, n orders.NewOrder) (string, error) {
	if k.saveErr != nil {
		return "", k.saveErr
	}
	id := "ord-1"
	k.orders[id] = orders.Order{
		OrderID:           id,
		UserEmail:         n.UserEmail,
		OrderDate:         time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		TotalAmount:       n.TotalAmount,
		Status:            orders.StatusPendingPayment,
		CheckoutRequestID: n.CheckoutRequestID,
		Items:             n.Items,
	}
	return id, nil
}

func (k *fakeKitchen) GetOrderDetails(_ context.Context, id string) (orders.Order, error) {
	o, ok := k.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (k *fakeKitchen) ListOrders(_ context.Context, email string) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range k.orders {
		if o.UserEmail == email {
			out = append(out, o)
		}
	}
	return out, nil
}

func (k *fakeKitchen) UpdateOrderStatus(_ context.Context, id string, s orders.Status) error {
	o, ok := k.orders[id]
	if !ok {
		return orders.ErrNotFound
	}
	o.Status = s
	k.orders[id] = o
	return nil
}

type storefrontRig struct {
	t       *testing.T
	router  http.Handler
	kitchen *fakeKitchen
}

func newStorefront(t *testing.T) *storefrontRig {
	t.Helper()
	k := &fakeKitchen{orders: map[string]orders.Order{}}
	sessions := storefront.NewManager(nil)
	sessions.MaxSessions = 8
	h := &StorefrontHandler{
		Sessions: sessions,
		Auth:     fakeAuth{},
		Orders:   k,
		Checkout: checkout.New(k, k, checkout.NewRefGenerator("HK"), time.Second, nil),
		Machine:  orders.NewMachine(k, orders.Permissive()),
		Timeout:  time.Second,
		Service:  "storefront",
	}
	r := chi.NewRouter()
	h.Register(r)
	return &storefrontRig{t: t, router: r, kitchen: k}
}

func (s *storefrontRig) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *storefrontRig) newSession() string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/sessions", nil)
	if rec.Code != http.StatusCreated {
		s.t.Fatalf("create session: %d", rec.Code)
	}
	var v sessionView
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	return v.SessionID
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestCartEndpoints(t *testing.T) {
	rig := newStorefront(t)
	sid := rig.newSession()
	base := "/sessions/" + sid

	rec := rig.do(http.MethodPut, base+"/cart/1", quantityReq{Quantity: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("set quantity: %d %s", rec.Code, rec.Body)
	}
	var v sessionView
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	if !v.Total.Equal(decimal.NewFromInt(180)) || len(v.Lines) != 1 {
		t.Errorf("unexpected cart %+v", v)
	}

	rec = rig.do(http.MethodPut, base+"/cart/9", quantityReq{Quantity: 16})
	if rec.Code != http.StatusConflict {
		t.Fatalf("over-reserve: %d", rec.Code)
	}
	if m := decodeBody(t, rec); m["available"] != float64(15) {
		t.Errorf("expected available 15 in %v", m)
	}

	cases := []struct {
		path string
		body any
		want int
	}{
		{base + "/cart/99", quantityReq{Quantity: 1}, http.StatusNotFound},
		{base + "/cart/1", quantityReq{Quantity: -1}, http.StatusBadRequest},
		{base + "/cart/x", quantityReq{Quantity: 1}, http.StatusBadRequest},
		{base + "/cart/1", map[string]any{"quantity": 1.5}, http.StatusBadRequest},
	}
	for _, c := range cases {
		if rec := rig.do(http.MethodPut, c.path, c.body); rec.Code != c.want {
			t.Errorf("PUT %s %v: got %d want %d", c.path, c.body, rec.Code, c.want)
		}
	}

	if rec := rig.do(http.MethodDelete, base+"/cart", nil); rec.Code != http.StatusOK {
		t.Errorf("clear: %d", rec.Code)
	}
	if rec := rig.do(http.MethodGet, "/sessions/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: %d", rec.Code)
	}
}

func TestCheckoutFlowAndReceipt(t *testing.T) {
	rig := newStorefront(t)
	sid := rig.newSession()
	base := "/sessions/" + sid

	_ = rig.do(http.MethodPut, base+"/cart/1", quantityReq{Quantity: 2})
	if rec := rig.do(http.MethodPost, base+"/checkout", checkoutReq{Phone: "254712345678"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous checkout: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPost, base+"/login", signInReq{Email: "jane@kitchen.test", Password: "pw"}); rec.Code != http.StatusOK {
		t.Fatalf("login: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPost, base+"/checkout", checkoutReq{Phone: "0712"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad phone: %d", rec.Code)
	}
	if rig.kitchen.pushes != 0 {
		t.Fatal("gateway called for an invalid phone")
	}

	rec := rig.do(http.MethodPost, base+"/checkout", checkoutReq{Phone: "254712345678"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body)
	}
	var out checkoutResp
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.OrderID != "ord-1" || out.Amount != 180 || !strings.Contains(out.Receipt, "ord-1") {
		t.Errorf("unexpected checkout response %+v", out)
	}

	rec = rig.do(http.MethodGet, base+"/orders/ord-1/receipt", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt: %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "receipt_ord-1.txt") {
		t.Errorf("content disposition %q", cd)
	}

	rec = rig.do(http.MethodGet, base+"/orders", nil)
	var list []orders.Order
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Errorf("expected one order, got %d", len(list))
	}

	other := rig.newSession()
	_ = rig.do(http.MethodPost, "/sessions/"+other+"/login", signInReq{Email: "sam@kitchen.test", Password: "pw"})
	if rec := rig.do(http.MethodGet, "/sessions/"+other+"/orders/ord-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign order visible: %d", rec.Code)
	}
}

func TestCheckoutFailuresReportCharge(t *testing.T) {
	rig := newStorefront(t)
	sid := rig.newSession()
	base := "/sessions/" + sid
	_ = rig.do(http.MethodPost, base+"/login", signInReq{Email: "jane@kitchen.test", Password: "pw"})
	_ = rig.do(http.MethodPut, base+"/cart/2", quantityReq{Quantity: 1})

	rig.kitchen.declined = true
	rec := rig.do(http.MethodPost, base+"/checkout", checkoutReq{Phone: "254712345678"})
	if rec.Code != http.StatusBadGateway || decodeBody(t, rec)["charged"] != false {
		t.Fatalf("declined push: %d %s", rec.Code, rec.Body)
	}

	rig.kitchen.declined = false
	rig.kitchen.saveErr = errors.New("db down")
	rec = rig.do(http.MethodPost, base+"/checkout", checkoutReq{Phone: "254712345678"})
	m := decodeBody(t, rec)
	if rec.Code != http.StatusBadGateway || m["charged"] != true || m["checkout_request_id"] != "ws_CO_1" {
		t.Fatalf("save failure: %d %v", rec.Code, m)
	}

	rec = rig.do(http.MethodGet, base, nil)
	var v sessionView
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	if len(v.Lines) != 1 || v.CheckoutPending {
		t.Errorf("cart should survive for a retry: %+v", v)
	}
}

func TestManagementModeAndStatusUpdates(t *testing.T) {
	rig := newStorefront(t)
	rig.kitchen.orders["ord-7"] = orders.Order{OrderID: "ord-7", UserEmail: "jane@kitchen.test", Status: orders.StatusPaid}

	customer := "/sessions/" + rig.newSession()
	_ = rig.do(http.MethodPost, customer+"/login", signInReq{Email: "jane@kitchen.test", Password: "pw"})
	if rec := rig.do(http.MethodPut, customer+"/management_mode", modeReq{Enabled: true}); rec.Code != http.StatusForbidden {
		t.Errorf("customer management mode: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPost, customer+"/orders/ord-7/status", statusReq{NewStatus: "Ready"}); rec.Code != http.StatusForbidden {
		t.Errorf("customer status update: %d", rec.Code)
	}

	admin := "/sessions/" + rig.newSession()
	_ = rig.do(http.MethodPost, admin+"/login", signInReq{Email: "admin@kitchen.com", Password: "pw"})
	if rec := rig.do(http.MethodPost, admin+"/orders/ord-7/status", statusReq{NewStatus: "Ready"}); rec.Code != http.StatusForbidden {
		t.Errorf("admin outside management mode: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPut, admin+"/management_mode", modeReq{Enabled: true}); rec.Code != http.StatusOK {
		t.Fatalf("admin management mode: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPost, admin+"/orders/ord-7/status", statusReq{NewStatus: "Lost"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: %d", rec.Code)
	}

	rec := rig.do(http.MethodPost, admin+"/orders/ord-7/status", statusReq{NewStatus: "Ready"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status update: %d %s", rec.Code, rec.Body)
	}
	var o orders.Order
	_ = json.Unmarshal(rec.Body.Bytes(), &o)
	if o.Status != orders.StatusReady || rig.kitchen.orders["ord-7"].Status != orders.StatusReady {
		t.Errorf("status not applied: %+v", o)
	}

	if rec := rig.do(http.MethodGet, admin+"/orders/ord-7", nil); rec.Code != http.StatusOK {
		t.Errorf("admin tracking a customer order: %d", rec.Code)
	}
}

func TestPersonalizationAndSignOut(t *testing.T) {
	rig := newStorefront(t)
	base := "/sessions/" + rig.newSession()

	if rec := rig.do(http.MethodPut, base+"/personalization", orders.Personalization{Name: "Jane"}); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("incomplete personalization: %d", rec.Code)
	}
	full := orders.Personalization{Name: "Jane", Phone: "254712345678", Message: "Happy birthday"}
	if rec := rig.do(http.MethodPut, base+"/personalization", full); rec.Code != http.StatusOK {
		t.Errorf("personalization: %d", rec.Code)
	}

	_ = rig.do(http.MethodPost, base+"/login", signInReq{Email: "jane@kitchen.test", Password: "pw"})
	if rec := rig.do(http.MethodPost, base+"/login", signInReq{Email: "jane@kitchen.test", Password: "nope"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password: %d", rec.Code)
	}

	rec := rig.do(http.MethodPost, base+"/logout", nil)
	var v sessionView
	_ = json.Unmarshal(rec.Body.Bytes(), &v)
	if v.Identity != nil || v.Personalization != nil {
		t.Errorf("sign out left state behind: %+v", v)
	}
	if rec := rig.do(http.MethodGet, base+"/orders", nil); rec.Code != http.StatusNotFound {
		t.Errorf("signed out session should be gone: %d", rec.Code)
	}
	if rec := rig.do(http.MethodPost, "/sessions/"+rig.newSession()+"/checkout", checkoutReq{Phone: "254712345678"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous checkout: %d", rec.Code)
	}
}

func TestSessionCapAnswersUnavailable(t *testing.T) {
	rig := newStorefront(t)
	for i := 0; i < 8; i++ {
		rig.newSession()
	}
	if rec := rig.do(http.MethodPost, "/sessions", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 once the cap is reached, got %d", rec.Code)
	}
}
