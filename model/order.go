package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is persisted as a small integer.
type OrderStatus int

const (
	OrderStatusPendingPayment OrderStatus = 1
	OrderStatusPaid           OrderStatus = 2
	OrderStatusShipped        OrderStatus = 3
	OrderStatusCompleted      OrderStatus = 4
	OrderStatusClosed         OrderStatus = 5
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPendingPayment:
		return "PENDING_PAYMENT"
	case OrderStatusPaid:
		return "PAID"
	case OrderStatusShipped:
		return "SHIPPED"
	case OrderStatusCompleted:
		return "COMPLETED"
	case OrderStatusClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Settled reports whether the order has passed the payment stage.
func (s OrderStatus) Settled() bool {
	return s == OrderStatusPaid || s == OrderStatusShipped || s == OrderStatusCompleted
}

type OrderKind int

const (
	OrderKindNormal    OrderKind = 0
	OrderKindFlashSale OrderKind = 1
)

type Order struct {
	ID        int64           `json:"id"`
	BuyerID   int64           `json:"buyer_id"`
	ItemID    int64           `json:"item_id"`
	Quantity  int             `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	Kind      OrderKind       `json:"order_kind"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (o *Order) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// PaymentStatus is the answer of the payment collaborator for one order.
type PaymentStatus int

const (
	PaymentNotPaid PaymentStatus = iota
	PaymentPaid
)

func (p PaymentStatus) String() string {
	if p == PaymentPaid {
		return "PAID"
	}
	return "NOT_PAID"
}
