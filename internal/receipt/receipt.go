// Package receipt renders the plain-text receipt shown after checkout and
// offered for download from order history.
package receipt

import (
	"fmt"
	"strings"

	"github.com/ariefcatur/edgewood-kitchen/internal/orders"
	"github.com/shopspring/decimal"
)

const (
	header  = "--- Edgewood Hotel Kitchen Receipt ---"
	rule    = "------------------------------------"
	footer  = "Thank you for your order!"
	dateFmt = "2006-01-02 15:04:05"
)

// Format is pure: the same order and items always give the same text.
// Dates are rendered in UTC.
func Format(o orders.Order, items []orders.Item) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("%s", header)
	line("Order ID: %s", o.OrderID)
	line("Date: %s", o.OrderDate.UTC().Format(dateFmt))
	line("Customer Email: %s", o.UserEmail)
	line("%s", rule)
	line("Items:")
	for _, it := range items {
		line("- %s x %d @ %s = %s", it.MealName, it.Quantity, kes(it.UnitPrice), kes(it.Total()))
	}
	line("%s", rule)
	line("Total Amount: %s", kes(o.TotalAmount))
	line("Payment Status: %s", o.Status)
	if o.MpesaReceiptNumber != nil && *o.MpesaReceiptNumber != "" {
		line("M-Pesa Receipt: %s", *o.MpesaReceiptNumber)
	}
	if o.MpesaTransactionDate != nil {
		line("M-Pesa Date: %s", o.MpesaTransactionDate.UTC().Format(dateFmt))
	}
	if p := o.Personalization; p != nil && (p.Name != "" || p.Message != "") {
		line("%s", rule)
		line("Personalization Details:")
		if p.Name != "" {
			line("  Name: %s", p.Name)
		}
		if p.Phone != "" {
			line("  Phone: %s", p.Phone)
		}
		if p.Message != "" {
			line("  Message: %s", p.Message)
		}
	}
	line("%s", rule)
	line("%s", footer)
	return b.String()
}

// Filename is the download name offered for an order's receipt.
func Filename(orderID string) string {
	return "receipt_" + orderID + ".txt"
}

func kes(d decimal.Decimal) string {
	return "KES " + d.StringFixed(2)
}
