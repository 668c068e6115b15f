// Package mpesa talks to the Safaricom Daraja API: client-credential
// tokens, STK push requests and the asynchronous result callback.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/config"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string

	HTTP *http.Client
	Now  func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewClient(cfg config.MpesaConfig) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		Shortcode:      cfg.Shortcode,
		Passkey:        cfg.Passkey,
		CallbackURL:    cfg.CallbackURL,
		HTTP:           &http.Client{Timeout: 15 * time.Second},
		Now:            time.Now,
	}
}

// Timestamp formats t the way Daraja expects, YYYYMMDDHHmmss in EAT.
func Timestamp(t time.Time) string { return t.In(eat).Format(timestampLayout) }

// Password is base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Token returns a cached access token, fetching a new one shortly before
// the old one expires.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.Now().Before(c.expires) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.ConsumerKey, c.ConsumerSecret)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("mpesa token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("mpesa token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("mpesa token: empty access_token")
	}
	ttl := 3599 * time.Second
	if d, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil && d > 0 {
		ttl = d
	}
	c.token = tr.AccessToken
	c.expires = c.Now().Add(ttl - time.Minute)
	return c.token, nil
}

type STKRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKResponse holds either the accepted fields or Daraja's error fields.
type STKResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID,omitempty"`
	CheckoutRequestID   string `json:"CheckoutRequestID,omitempty"`
	ResponseCode        string `json:"ResponseCode,omitempty"`
	ResponseDescription string `json:"ResponseDescription,omitempty"`
	CustomerMessage     string `json:"CustomerMessage,omitempty"`
	RequestID           string `json:"requestId,omitempty"`
	ErrorCode           string `json:"errorCode,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// STKPush asks Daraja to prompt phone for amount. A declined request comes
// back as an error whose message is Daraja's errorMessage when it sent one.
func (c *Client) STKPush(ctx context.Context, phone string, amount int64, accountRef, desc string) (STKResponse, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return STKResponse{}, err
	}
	ts := Timestamp(c.Now())
	body, err := json.Marshal(STKRequest{
		BusinessShortCode: c.Shortcode,
		Password:          Password(c.Shortcode, c.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   desc,
	})
	if err != nil {
		return STKResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return STKResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return STKResponse{}, fmt.Errorf("stk push: %w", err)
	}
	defer resp.Body.Close()

	var out STKResponse
	decErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.ErrorMessage != "" {
			return out, errors.New(out.ErrorMessage)
		}
		return out, fmt.Errorf("stk push: status %d", resp.StatusCode)
	}
	if decErr != nil {
		return STKResponse{}, fmt.Errorf("stk push: %w", decErr)
	}
	if out.CheckoutRequestID == "" {
		msg := out.ErrorMessage
		if msg == "" {
			msg = "no CheckoutRequestID in response"
		}
		return out, errors.New(msg)
	}
	return out, nil
}
