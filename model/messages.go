package model

import (
	"encoding/json"
	"errors"
	"time"
)

// PurchaseIntent is published once a reservation has been committed. The
// order id is generated before the reservation so that every redelivery of
// the same intent carries the same id.
type PurchaseIntent struct {
	BuyerID   int64     `json:"buyerId"`
	ItemID    int64     `json:"itemId"`
	OrderID   int64     `json:"orderId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p PurchaseIntent) Validate() error {
	if p.OrderID <= 0 {
		return errors.New("purchase intent: orderId is required")
	}
	if p.BuyerID <= 0 {
		return errors.New("purchase intent: buyerId is required")
	}
	if p.ItemID <= 0 {
		return errors.New("purchase intent: itemId is required")
	}
	return nil
}

func (p PurchaseIntent) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

func DecodePurchaseIntent(payload []byte) (PurchaseIntent, error) {
	var p PurchaseIntent
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, err
	}
	return p, p.Validate()
}

// OrderTimeoutCheck is delivered after the payment window of an order closes.
type OrderTimeoutCheck struct {
	OrderID int64 `json:"orderId"`
}

func (c OrderTimeoutCheck) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeOrderTimeoutCheck(payload []byte) (OrderTimeoutCheck, error) {
	var c OrderTimeoutCheck
	if err := json.Unmarshal(payload, &c); err != nil {
		return c, err
	}
	if c.OrderID <= 0 {
		return c, errors.New("order timeout check: orderId is required")
	}
	return c, nil
}

// DeadLetter wraps a task that exhausted its retries or was rejected as
// poison, together with what is known about its last failure.
type DeadLetter struct {
	TaskType string    `json:"task_type"`
	Queue    string    `json:"queue"`
	TaskID   string    `json:"task_id"`
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	Retried  int       `json:"retried"`
	MaxRetry int       `json:"max_retry"`
	FailedAt time.Time `json:"failed_at"`
}

func (d DeadLetter) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}
