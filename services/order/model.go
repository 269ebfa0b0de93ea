package order

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/MarcGrol/orderbackend/services/checkout/checkoutevents"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusFailed    OrderStatus = "failed"
)

type Order struct {
	UID                string
	CustomerUID        string
	Lines              []OrderLine
	TotalAmountInCents int64
	OrderedAt          time.Time
	CreatedAt          time.Time
	Status             OrderStatus
	FailureReason      string `datastore:",noindex"`
}

func (o Order) String() string {
	return fmt.Sprintf("order %s (%s) of customer %s: %d lines, total %d cents", o.UID, o.Status, o.CustomerUID, len(o.Lines), o.TotalAmountInCents)
}

type OrderLine struct {
	ProductUID       string
	Quantity         int
	UnitPriceInCents int64
}

// orderUIDForCheckout derives the order uid from the checkout content itself.
// Redeliveries of the same logical checkout carry a fresh envelope uid, so the
// envelope uid can never serve as idempotency key.
func orderUIDForCheckout(event checkoutevents.BasketCheckedOut) string {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s|%s", event.CustomerUID, orderTimestampForCheckout(event).UTC().Format(time.RFC3339Nano))
	for _, item := range event.Items {
		fmt.Fprintf(hasher, "|%s:%d:%d", item.ProductUID, item.Quantity, item.UnitPriceInCents)
	}
	return base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
}

// orderTimestampForCheckout prefers the explicit checkout timestamp and falls
// back to the moment the basket was last modified.
func orderTimestampForCheckout(event checkoutevents.BasketCheckedOut) time.Time {
	if !event.CheckedOutAt.IsZero() {
		return event.CheckedOutAt
	}
	return event.BasketLastModifiedAt
}

func toOrderLines(items []checkoutevents.BasketItem) []OrderLine {
	lines := make([]OrderLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, OrderLine{
			ProductUID:       item.ProductUID,
			Quantity:         item.Quantity,
			UnitPriceInCents: item.UnitPriceInCents,
		})
	}
	return lines
}

func computeTotalInCents(items []checkoutevents.BasketItem) int64 {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.UnitPriceInCents
	}
	return total
}
