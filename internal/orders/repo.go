package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `order_id, user_email, order_date, total_amount, status, checkout_request_id,
	mpesa_receipt_number, mpesa_transaction_date,
	personalization_name, personalization_phone, personalization_message`

// SaveOrder is idempotent on checkout_request_id: a retried save for the
// same STK push returns the order that already exists (existed=true).
func (r *Repo) SaveOrder(ctx context.Context, n NewOrder) (orderID string, existed bool, err error) {
	if err := n.Validate(); err != nil {
		return "", false, err
	}
	if orderID, err = r.orderIDByCheckout(ctx, n.CheckoutRequestID); err == nil {
		return orderID, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var pName, pPhone, pMsg *string
	if p := n.Personalization; p != nil {
		pName, pPhone, pMsg = &p.Name, &p.Phone, &p.Message
	}
	var checkoutID *string
	if n.CheckoutRequestID != "" {
		checkoutID = &n.CheckoutRequestID
	}

	orderID = uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(order_id, user_email, order_date, total_amount, status,
			personalization_name, personalization_phone, personalization_message, checkout_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, orderID, n.UserEmail, time.Now().UTC(), n.TotalAmount, string(StatusPendingPayment), pName, pPhone, pMsg, checkoutID)
	if err != nil {
		if isUniqueViolation(err) && n.CheckoutRequestID != "" {
			_ = tx.Rollback(ctx)
			id, qerr := r.orderIDByCheckout(ctx, n.CheckoutRequestID)
			if qerr != nil {
				return "", false, qerr
			}
			return id, true, nil
		}
		return "", false, err
	}

	for _, it := range n.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, meal_id, meal_name, quantity, price_per_item)
			VALUES ($1, $2, $3, $4, $5)`,
			orderID, it.MealID, it.MealName, it.Quantity, it.UnitPrice,
		)
		if err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return orderID, false, nil
}

func (r *Repo) orderIDByCheckout(ctx context.Context, checkoutRequestID string) (string, error) {
	if checkoutRequestID == "" {
		return "", pgx.ErrNoRows
	}
	var id string
	err := r.DB.QueryRow(ctx, `SELECT order_id FROM orders WHERE checkout_request_id=$1`, checkoutRequestID).Scan(&id)
	return id, err
}

func (r *Repo) GetOrderDetails(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	items, err := r.itemsFor(ctx, []string{orderID})
	if err != nil {
		return Order{}, err
	}
	o.Items = items[orderID]
	return o, nil
}

// ListByUser returns a customer's orders, newest first, with their items.
func (r *Repo) ListByUser(ctx context.Context, email string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_email=$1 ORDER BY order_date DESC`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Order{}
	ids := []string{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.OrderID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].OrderID]
	}
	return out, nil
}

func (r *Repo) itemsFor(ctx context.Context, orderIDs []string) (map[string][]Item, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, meal_id, meal_name, quantity, price_per_item
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.MealID, &it.MealName, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateOrderStatus(ctx context.Context, orderID string, status Status) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET status=$2, updated_at=now() WHERE order_id=$1`, orderID, string(status))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyPayment records the gateway's verdict on the order created for the
// STK push and returns that order's id and new status.
func (r *Repo) ApplyPayment(ctx context.Context, p PaymentCallbackPayload) (string, Status, error) {
	var (
		orderID string
		status  = StatusPaymentFailed
		err     error
	)
	if p.Paid() {
		status = StatusPaid
		var receipt *string
		if p.MpesaReceiptNumber != "" {
			receipt = &p.MpesaReceiptNumber
		}
		err = r.DB.QueryRow(ctx, `
			UPDATE orders SET status=$2, mpesa_receipt_number=$3, mpesa_transaction_date=$4, updated_at=now()
			WHERE checkout_request_id=$1 RETURNING order_id`,
			p.CheckoutRequestID, string(status), receipt, p.TransactionDate).Scan(&orderID)
	} else {
		err = r.DB.QueryRow(ctx, `
			UPDATE orders SET status=$2, updated_at=now()
			WHERE checkout_request_id=$1 RETURNING order_id`,
			p.CheckoutRequestID, string(status)).Scan(&orderID)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return orderID, status, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                   Order
		status              string
		checkoutID          *string
		pName, pPhone, pMsg *string
	)
	err := row.Scan(&o.OrderID, &o.UserEmail, &o.OrderDate, &o.TotalAmount, &status, &checkoutID,
		&o.MpesaReceiptNumber, &o.MpesaTransactionDate, &pName, &pPhone, &pMsg)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	if checkoutID != nil {
		o.CheckoutRequestID = *checkoutID
	}
	if pName != nil || pMsg != nil {
		o.Personalization = &Personalization{Name: deref(pName), Phone: deref(pPhone), Message: deref(pMsg)}
	}
	return o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
