package orders

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrUnknownStatus  = errors.New("unknown order status")
	ErrAlreadyExists  = errors.New("order already exists")
	ErrIncomplete     = errors.New("personalization requires name, phone and message")
	ErrEmptyOrder     = errors.New("order has no items")
	ErrInvalidPayload = errors.New("invalid order payload")
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

type Personalization struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (p Personalization) Validate() error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Phone) == "" || strings.TrimSpace(p.Message) == "" {
		return ErrIncomplete
	}
	return nil
}

type Item struct {
	ID        int64           `json:"id,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	MealID    int             `json:"meal_id"`
	MealName  string          `json:"meal_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price_per_item"`
}

func (it Item) Total() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

type Order struct {
	OrderID              string           `json:"order_id"`
	UserEmail            string           `json:"user_email"`
	OrderDate            time.Time        `json:"order_date"`
	TotalAmount          decimal.Decimal  `json:"total_amount"`
	Status               Status           `json:"status"`
	CheckoutRequestID    string           `json:"checkout_request_id,omitempty"`
	MpesaReceiptNumber   *string          `json:"mpesa_receipt_number,omitempty"`
	MpesaTransactionDate *time.Time       `json:"mpesa_transaction_date,omitempty"`
	Personalization      *Personalization `json:"personalization,omitempty"`
	Items                []Item           `json:"items,omitempty"`
}

// NewOrder is what a checkout submits for durable storage.
type NewOrder struct {
	UserEmail         string           `json:"user_email"`
	Items             []Item           `json:"cart_items"`
	TotalAmount       decimal.Decimal  `json:"total_amount"`
	Personalization   *Personalization `json:"personalization_data,omitempty"`
	CheckoutRequestID string           `json:"checkout_request_id"`
}

func (n NewOrder) Validate() error {
	if strings.TrimSpace(n.UserEmail) == "" {
		return errors.Join(ErrInvalidPayload, errors.New("user_email is required"))
	}
	if len(n.Items) == 0 {
		return ErrEmptyOrder
	}
	for _, it := range n.Items {
		if it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return errors.Join(ErrInvalidPayload, errors.New("each item needs quantity > 0 and a non-negative price"))
		}
	}
	if !n.TotalAmount.IsPositive() {
		return errors.Join(ErrInvalidPayload, errors.New("total_amount must be positive"))
	}
	if n.Personalization != nil {
		return n.Personalization.Validate()
	}
	return nil
}
