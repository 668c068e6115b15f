// Package backend holds the JSON contract of the kitchen API and a client
// for it. The storefront reaches orders, accounts and the payment gateway
// only through this client.
package backend

import (
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
)

const (
	PathRegister          = "/register"
	PathLogin             = "/login"
	PathSTKPush           = "/mpesa_stk_push"
	PathSaveOrder         = "/save_order"
	PathGetOrders         = "/get_orders"
	PathGetOrderDetails   = "/get_order_details"
	PathUpdateOrderStatus = "/update_order_status"
	PathMpesaCallback     = "/mpesa_callback"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role,omitempty"`
	Error   string `json:"error,omitempty"`
}

type STKPushRequest struct {
	PhoneNumber      string `json:"phone_number"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"account_reference"`
	TransactionDesc  string `json:"transaction_desc"`
}

// STKPushResponse mirrors what Daraja returns: CheckoutRequestID on
// success, errorMessage otherwise.
type STKPushResponse struct {
	MerchantRequestID string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID string `json:"CheckoutRequestID,omitempty"`
	CustomerMessage   string `json:"CustomerMessage,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
}

type SaveOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type GetOrdersRequest struct {
	UserEmail string `json:"user_email"`
}

type OrderDetailsRequest struct {
	OrderID string `json:"order_id"`
}

type OrderDetailsResponse struct {
	Order orders.Order  `json:"order"`
	Items []orders.Item `json:"items"`
}

type UpdateStatusRequest struct {
	OrderID   string `json:"order_id"`
	NewStatus string `json:"new_status"`
}

type StatusResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
