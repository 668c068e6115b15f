package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/checkout"
	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/ariefcatur/edgewood-kitchen/internal/users"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Status)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.ErrorMessage
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusIs(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == code
}

func (c *Client) Register(ctx context.Context, email, password string) (users.User, error) {
	var out AuthResponse
	err := c.postJSON(ctx, PathRegister, Credentials{Email: email, Password: password}, &out)
	switch {
	case statusIs(err, http.StatusConflict):
		return users.User{}, fmt.Errorf("%w: %v", users.ErrExists, err)
	case statusIs(err, http.StatusBadRequest):
		return users.User{}, fmt.Errorf("%w: %v", users.ErrInvalidInput, err)
	case err != nil:
		return users.User{}, err
	}
	return users.User{Email: out.Email, Role: out.Role}, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (users.User, error) {
	var out AuthResponse
	err := c.postJSON(ctx, PathLogin, Credentials{Email: email, Password: password}, &out)
	switch {
	case statusIs(err, http.StatusUnauthorized):
		return users.User{}, fmt.Errorf("%w: %v", users.ErrInvalidCredentials, err)
	case statusIs(err, http.StatusBadRequest):
		return users.User{}, fmt.Errorf("%w: %v", users.ErrInvalidInput, err)
	case err != nil:
		return users.User{}, err
	}
	return users.User{Email: out.Email, Role: out.Role}, nil
}

// LoginOrRegister signs in, creating the account when the email is not
// known yet.
func (c *Client) LoginOrRegister(ctx context.Context, email, password string) (users.User, error) {
	u, err := c.Login(ctx, email, password)
	if err == nil || !errors.Is(err, users.ErrInvalidCredentials) {
		return u, err
	}
	u, regErr := c.Register(ctx, email, password)
	if errors.Is(regErr, users.ErrExists) {
		// the account exists, so the password was wrong
		return users.User{}, err
	}
	return u, regErr
}

// InitiatePush implements checkout.Gateway over /mpesa_stk_push. A
// declined push is reported through PushResult.ErrorMessage.
func (c *Client) InitiatePush(ctx context.Context, req checkout.PushRequest) (checkout.PushResult, error) {
	var out STKPushResponse
	err := c.postJSON(ctx, PathSTKPush, STKPushRequest{
		PhoneNumber:      req.Phone,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		TransactionDesc:  req.Description,
	}, &out)
	var ae *APIError
	if errors.As(err, &ae) && ae.Message != "" {
		return checkout.PushResult{ErrorMessage: ae.Message}, nil
	}
	if err != nil {
		return checkout.PushResult{}, err
	}
	return checkout.PushResult{
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		ErrorMessage:      out.ErrorMessage,
	}, nil
}

func (c *Client) SaveOrder(ctx context.Context, n orders.NewOrder) (string, error) {
	var out SaveOrderResponse
	if err := c.postJSON(ctx, PathSaveOrder, n, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("save order: %s", out.Error)
	}
	return out.OrderID, nil
}

func (c *Client) ListOrders(ctx context.Context, email string) ([]orders.Order, error) {
	var out []orders.Order
	if err := c.postJSON(ctx, PathGetOrders, GetOrdersRequest{UserEmail: email}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderDetails returns the order with its items attached.
func (c *Client) GetOrderDetails(ctx context.Context, orderID string) (orders.Order, error) {
	var out OrderDetailsResponse
	err := c.postJSON(ctx, PathGetOrderDetails, OrderDetailsRequest{OrderID: orderID}, &out)
	if statusIs(err, http.StatusNotFound) {
		return orders.Order{}, orders.ErrNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o := out.Order
	o.Items = out.Items
	return o, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) error {
	var out StatusResponse
	err := c.postJSON(ctx, PathUpdateOrderStatus, UpdateStatusRequest{OrderID: orderID, NewStatus: string(status)}, &out)
	if statusIs(err, http.StatusNotFound) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("update status: %s", out.Error)
	}
	return nil
}

var (
	_ checkout.Gateway    = (*Client)(nil)
	_ checkout.OrderStore = (*Client)(nil)
	_ orders.StatusStore  = (*Client)(nil)
)
