package redisx

import "time"

const (
	// Storefront session: kitchen:session:{session_id} -> cart.Save bytes
	KeySession = "kitchen:session:%s"

	// Idempotent save_order: idem:save_order:{checkout_request_id} -> order_id
	KeyIdemSaveOrder = "idem:save_order:%s"

	// Read-through cache for get_order_details: order_details:{order_id} -> JSON
	KeyOrderDetails = "order_details:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id or checkout_request_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency  = 24 * time.Hour
	TTLOrderDetails = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
)
