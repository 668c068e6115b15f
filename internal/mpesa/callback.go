package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
)

var ErrBadCallback = errors.New("invalid stk callback")

type Callback struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetadataItem values arrive as JSON numbers or strings depending on the
// field, so they are kept raw.
type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Ack is the body Daraja expects back from the callback URL.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// ParseCallback turns a Daraja STK callback into the payment outcome the
// orders side understands.
func ParseCallback(b []byte) (orders.PaymentCallbackPayload, error) {
	var cb Callback
	if err := json.Unmarshal(b, &cb); err != nil {
		return orders.PaymentCallbackPayload{}, fmt.Errorf("%w: %v", ErrBadCallback, err)
	}
	stk := cb.Body.StkCallback
	if stk == nil {
		return orders.PaymentCallbackPayload{}, fmt.Errorf("%w: missing Body.stkCallback", ErrBadCallback)
	}
	if stk.CheckoutRequestID == "" || stk.ResultCode == nil {
		return orders.PaymentCallbackPayload{}, fmt.Errorf("%w: missing CheckoutRequestID or ResultCode", ErrBadCallback)
	}

	p := orders.PaymentCallbackPayload{
		CheckoutRequestID: stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        *stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}
	if !p.Paid() || stk.CallbackMetadata == nil {
		return p, nil
	}
	for _, it := range stk.CallbackMetadata.Item {
		v := strings.Trim(string(it.Value), `"`)
		switch it.Name {
		case "MpesaReceiptNumber":
			p.MpesaReceiptNumber = v
		case "TransactionDate":
			if v == "" || v == "null" {
				continue
			}
			t, err := time.ParseInLocation(timestampLayout, v, eat)
			if err != nil {
				return p, fmt.Errorf("%w: TransactionDate %q", ErrBadCallback, v)
			}
			t = t.UTC()
			p.TransactionDate = &t
		}
	}
	return p, nil
}
