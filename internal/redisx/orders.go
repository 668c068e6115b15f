package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/redis/go-redis/v9"
)

// SavedOrderID returns the order already recorded for a checkout request.
func SavedOrderID(ctx context.Context, rdb redis.Cmdable, checkoutRequestID string) (string, bool, error) {
	id, err := rdb.Get(ctx, fmt.Sprintf(KeyIdemSaveOrder, checkoutRequestID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func RememberSavedOrder(ctx context.Context, rdb redis.Cmdable, checkoutRequestID, orderID string) error {
	return rdb.Set(ctx, fmt.Sprintf(KeyIdemSaveOrder, checkoutRequestID), orderID, TTLIdempotency).Err()
}

// OrderCache is a short-lived read-through copy of order details. Any
// write to an order must Invalidate it.
type OrderCache struct {
	RDB redis.Cmdable
}

func (c *OrderCache) Get(ctx context.Context, orderID string) (orders.Order, bool, error) {
	b, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderDetails, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, err
	}
	var o orders.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return orders.Order{}, false, err
	}
	return o, true, nil
}

func (c *OrderCache) Put(ctx context.Context, o orders.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderDetails, o.OrderID), b, TTLOrderDetails).Err()
}

func (c *OrderCache) Invalidate(ctx context.Context, orderID string) error {
	return c.RDB.Del(ctx, fmt.Sprintf(KeyOrderDetails, orderID)).Err()
}
