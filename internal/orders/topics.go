package orders

const (
	TopicOrderSaved      = "kitchen.order.saved"
	TopicOrderStatus     = "kitchen.order.status"
	TopicPaymentCallback = "kitchen.payment.callback"

	// TopicPaymentCallbackDLQ parks callbacks the payments worker gave up on.
	TopicPaymentCallbackDLQ = "kitchen.payment.callback.dlq"
)

// Partition key = order_id (or checkout_request_id for callbacks) so events
// for one order keep their order.
func PartitionKey(id string) []byte { return []byte(id) }
