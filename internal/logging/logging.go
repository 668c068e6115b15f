// Package logging writes one JSON object per line through the standard
// logger so saga steps and worker events can be grepped by field.
package logging

import (
	"encoding/json"
	"log"
	"time"
)

type Fields struct {
	Service           string `json:"service"`
	SessionID         string `json:"session_id,omitempty"`
	OrderID           string `json:"order_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	EventID           string `json:"event_id,omitempty"`
	Step              string `json:"step,omitempty"`
	Status            string `json:"status,omitempty"`
	DurationMS        int64  `json:"duration_ms,omitempty"`
	Message           string `json:"message,omitempty"`
	Timestamp         string `json:"timestamp"`
}

// Logger lets tests swap the sink; production code uses the package logger.
var Logger = log.Default()

func Log(f Fields) {
	f.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(f)
	if err != nil {
		Logger.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", f.Service, err.Error())
		return
	}
	Logger.Print(string(data))
}

// Since is a small helper for DurationMS.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
