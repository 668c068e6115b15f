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

	"github.com/ariefcatur/edgewood-kitchen/internal/backend"
	kafkax "github.com/ariefcatur/edgewood-kitchen/internal/kafka"
	"github.com/ariefcatur/edgewood-kitchen/internal/mpesa"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/redisx"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type fakeAccounts struct{ known map[string]string }

func (f *fakeAccounts) Register(_ context.Context, email, password string) (users.User, error) {
	if email == "" || password == "" {
		return users.User{}, users.ErrInvalidInput
	}
	if _, ok := f.known[email]; ok {
		return users.User{}, users.ErrExists
	}
	f.known[email] = password
	return users.User{Email: email, Role: orders.RoleCustomer}, nil
}

func (f *fakeAccounts) Login(_ context.Context, email, password string) (users.User, error) {
	if pw, ok := f.known[email]; !ok || pw != password {
		return users.User{}, users.ErrInvalidCredentials
	}
	return users.User{Email: email, Role: orders.RoleCustomer}, nil
}

type fakeRepo struct {
	saves    int
	statuses map[string]orders.Status
	details  map[string]orders.Order
	fetches  int
}

func (f *fakeRepo) SaveOrder(_ context.Context, n orders.NewOrder) (string, bool, error) {
	f.saves++
	return "ord-1", false, nil
}

func (f *fakeRepo) ListByUser(_ context.Context, email string) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range f.details {
		if o.UserEmail == email {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetOrderDetails(_ context.Context, id string) (orders.Order, error) {
	f.fetches++
	o, ok := f.details[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (f *fakeRepo) UpdateOrderStatus(_ context.Context, id string, s orders.Status) error {
	if _, ok := f.details[id]; !ok {
		return orders.ErrNotFound
	}
	f.statuses[id] = s
	return nil
}

type fakePusher struct{ calls int }

func (f *fakePusher) STKPush(_ context.Context, phone string, amount int64, ref, _ string) (mpesa.STKResponse, error) {
	f.calls++
	return mpesa.STKResponse{CheckoutRequestID: "ws_CO_" + ref, MerchantRequestID: "m-1"}, nil
}

type capturePublisher struct {
	msgs []kafkago.Message
	err  error
}

func (c *capturePublisher) Publish(key, value []byte, headers ...kafkago.Header) {
	c.msgs = append(c.msgs, kafkago.Message{Key: key, Value: value, Headers: headers})
}

func (c *capturePublisher) PublishSync(_ context.Context, key, value []byte, headers ...kafkago.Header) error {
	if c.err != nil {
		return c.err
	}
	c.Publish(key, value, headers...)
	return nil
}

func newAPI(h *APIHandler) http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleOrder() orders.NewOrder {
	return orders.NewOrder{
		UserEmail:         "jane@kitchen.test",
		Items:             []orders.Item{{MealID: 1, MealName: "Chapati Beans", Quantity: 2, UnitPrice: decimal.NewFromInt(90)}},
		TotalAmount:       decimal.NewFromInt(180),
		CheckoutRequestID: "ws_CO_1",
	}
}

func TestAccountEndpoints(t *testing.T) {
	api := newAPI(&APIHandler{Accounts: &fakeAccounts{known: map[string]string{}}})
	creds := backend.Credentials{Email: "jane@kitchen.test", Password: "pw"}

	if rec := post(t, api, backend.PathRegister, creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	if rec := post(t, api, backend.PathRegister, creds); rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: %d", rec.Code)
	}
	if rec := post(t, api, backend.PathLogin, creds); rec.Code != http.StatusOK {
		t.Errorf("login: %d", rec.Code)
	}
	if rec := post(t, api, backend.PathLogin, backend.Credentials{Email: creds.Email, Password: "bad"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login: %d", rec.Code)
	}
	if rec := post(t, api, backend.PathLogin, "{"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: %d", rec.Code)
	}
}

func TestSTKPushValidatesBeforeCallingGateway(t *testing.T) {
	pusher := &fakePusher{}
	api := newAPI(&APIHandler{Mpesa: pusher})

	rec := post(t, api, backend.PathSTKPush, backend.STKPushRequest{PhoneNumber: "0712345678", Amount: 10, AccountReference: "HK-1"})
	if rec.Code != http.StatusBadRequest || pusher.calls != 0 {
		t.Fatalf("invalid phone: code=%d calls=%d", rec.Code, pusher.calls)
	}

	rec = post(t, api, backend.PathSTKPush, backend.STKPushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "HK-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("push: %d %s", rec.Code, rec.Body)
	}
	var out backend.STKPushResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.CheckoutRequestID != "ws_CO_HK-1" {
		t.Errorf("unexpected response %+v", out)
	}
}

func TestSaveOrderIsIdempotentPerCheckoutRequest(t *testing.T) {
	db, mock := redismock.NewClientMock()
	repo := &fakeRepo{}
	pub := &capturePublisher{}
	api := newAPI(&APIHandler{Orders: repo, Redis: db, OrderEvents: pub, Service: "kitchen-api"})

	mock.ExpectGet("idem:save_order:ws_CO_1").RedisNil()
	mock.ExpectSet("idem:save_order:ws_CO_1", "ord-1", redisx.TTLIdempotency).SetVal("OK")
	rec := post(t, api, backend.PathSaveOrder, sampleOrder())
	if rec.Code != http.StatusOK {
		t.Fatalf("first save: %d %s", rec.Code, rec.Body)
	}

	mock.ExpectGet("idem:save_order:ws_CO_1").SetVal("ord-1")
	rec = post(t, api, backend.PathSaveOrder, sampleOrder())
	var out backend.SaveOrderResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if !out.Success || out.OrderID != "ord-1" {
		t.Fatalf("replayed save: %+v", out)
	}

	if repo.saves != 1 {
		t.Errorf("expected one insert, got %d", repo.saves)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one OrderSaved event, got %d", len(pub.msgs))
	}
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(pub.msgs[0].Value, &env); err != nil {
		t.Fatal(err)
	}
	if env.EventType != orders.EventOrderSaved || env.CorrelationID != "ord-1" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSaveOrderRejectsInvalidPayload(t *testing.T) {
	repo := &fakeRepo{}
	api := newAPI(&APIHandler{Orders: repo})

	bad := sampleOrder()
	bad.Items = nil
	if rec := post(t, api, backend.PathSaveOrder, bad); rec.Code != http.StatusBadRequest {
		t.Errorf("empty order: %d", rec.Code)
	}
	if repo.saves != 0 {
		t.Error("invalid order reached the repository")
	}
}

func TestOrderDetailsCacheAndStatusUpdate(t *testing.T) {
	db, mock := redismock.NewClientMock()
	order := orders.Order{OrderID: "ord-1", UserEmail: "jane@kitchen.test", Status: orders.StatusPaid, TotalAmount: decimal.NewFromInt(180)}
	repo := &fakeRepo{details: map[string]orders.Order{"ord-1": order}, statuses: map[string]orders.Status{}}
	pub := &capturePublisher{}
	api := newAPI(&APIHandler{Orders: repo, Cache: &redisx.OrderCache{RDB: db}, StatusEvents: pub, Service: "kitchen-api"})

	cached, _ := json.Marshal(order)
	mock.ExpectGet("order_details:ord-1").RedisNil()
	mock.ExpectSet("order_details:ord-1", cached, redisx.TTLOrderDetails).SetVal("OK")
	if rec := post(t, api, backend.PathGetOrderDetails, backend.OrderDetailsRequest{OrderID: "ord-1"}); rec.Code != http.StatusOK {
		t.Fatalf("details: %d %s", rec.Code, rec.Body)
	}

	mock.ExpectGet("order_details:ord-1").SetVal(string(cached))
	rec := post(t, api, backend.PathGetOrderDetails, backend.OrderDetailsRequest{OrderID: "ord-1"})
	var got backend.OrderDetailsResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Order.OrderID != "ord-1" || got.Items == nil {
		t.Errorf("cached details: %+v", got)
	}
	if repo.fetches != 1 {
		t.Errorf("expected one repository read, got %d", repo.fetches)
	}

	mock.ExpectDel("order_details:ord-1").SetVal(1)
	rec = post(t, api, backend.PathUpdateOrderStatus, backend.UpdateStatusRequest{OrderID: "ord-1", NewStatus: "Ready"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	if repo.statuses["ord-1"] != orders.StatusReady || len(pub.msgs) != 1 {
		t.Errorf("status=%q events=%d", repo.statuses["ord-1"], len(pub.msgs))
	}

	if rec := post(t, api, backend.PathUpdateOrderStatus, backend.UpdateStatusRequest{OrderID: "ord-1", NewStatus: "Lost"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: %d", rec.Code)
	}
	if rec := post(t, api, backend.PathUpdateOrderStatus, backend.UpdateStatusRequest{OrderID: "ord-9", NewStatus: "Ready"}); rec.Code != http.StatusNotFound {
		t.Errorf("missing order: %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMpesaCallbackQueuesAndAcks(t *testing.T) {
	pub := &capturePublisher{}
	api := newAPI(&APIHandler{CallbackEvents: pub, Service: "kitchen-api"})

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"QK1"},{"Name":"TransactionDate","Value":20240501120000}]}}}}`
	rec := post(t, api, backend.PathMpesaCallback, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", rec.Code, rec.Body)
	}
	var ack mpesa.Ack
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack.ResultCode != 0 {
		t.Errorf("ack %+v", ack)
	}
	if len(pub.msgs) != 1 || string(pub.msgs[0].Key) != "ws_CO_1" {
		t.Fatalf("expected one callback event keyed by checkout id, got %+v", pub.msgs)
	}

	rec = post(t, api, backend.PathMpesaCallback, `{"Body":{}}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Invalid callback structure") {
		t.Errorf("bad callback: %d %s", rec.Code, rec.Body)
	}
	if len(pub.msgs) != 1 {
		t.Error("bad callback was queued")
	}
}

func TestMpesaCallbackNotAckedWhenQueueWriteFails(t *testing.T) {
	pub := &capturePublisher{err: errors.New("kafka: leader not available")}
	api := newAPI(&APIHandler{CallbackEvents: pub, Service: "kitchen-api"})

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_2","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	rec := post(t, api, backend.PathMpesaCallback, body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so Daraja retries, got %d %s", rec.Code, rec.Body)
	}
	var ack mpesa.Ack
	_ = json.Unmarshal(rec.Body.Bytes(), &ack)
	if ack.ResultCode == 0 {
		t.Errorf("failed write must not be acked: %+v", ack)
	}

	pub.err = nil
	if rec := post(t, api, backend.PathMpesaCallback, body); rec.Code != http.StatusOK {
		t.Fatalf("retry: %d", rec.Code)
	}
	if len(pub.msgs) != 1 || string(pub.msgs[0].Key) != "ws_CO_2" {
		t.Errorf("retry should queue exactly once, got %+v", pub.msgs)
	}
}
