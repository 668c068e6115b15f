package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderSaved         = "OrderSaved"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentCallback    = "PaymentCallbackReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id or checkout_request_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderSavedPayload struct {
	OrderID           string          `json:"order_id"`
	UserEmail         string          `json:"user_email"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Items             []Item          `json:"items"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
}

// PaymentCallbackPayload is the outcome of an STK push as reported by the
// gateway callback. ResultCode 0 means the customer paid.
type PaymentCallbackPayload struct {
	CheckoutRequestID  string     `json:"checkout_request_id"`
	MerchantRequestID  string     `json:"merchant_request_id,omitempty"`
	ResultCode         int        `json:"result_code"`
	ResultDesc         string     `json:"result_desc"`
	MpesaReceiptNumber string     `json:"mpesa_receipt_number,omitempty"`
	TransactionDate    *time.Time `json:"transaction_date,omitempty"`
}

func (p PaymentCallbackPayload) Paid() bool { return p.ResultCode == 0 }
