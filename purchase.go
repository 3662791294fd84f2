/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flashsale

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/internal/apierror"
	"github.com/blnkfinance/flashsale/internal/gate"
	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/ledger"
	"github.com/blnkfinance/flashsale/model"
)

type PurchaseRequest struct {
	BuyerID int64 `json:"buyerId"`
	ItemID  int64 `json:"itemId"`
}

func (r PurchaseRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BuyerID, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.ItemID, validation.Required, validation.Min(int64(1))),
	)
}

// PurchaseResult carries the id of the order that will be created for an
// admitted attempt. The order itself appears asynchronously.
type PurchaseResult struct {
	OrderID int64 `json:"orderId"`
}

func purchaseMessageID(orderID int64) string {
	return fmt.Sprintf("purchase:%d", orderID)
}

// Purchase runs one flash sale attempt: admission, stock reservation and the
// publication of the purchase intent as one transactional message.
//
// Parameters:
// - ctx context.Context: The context for the request.
// - req PurchaseRequest: The buyer and the item.
//
// Returns:
// - *PurchaseResult: The order id when the reservation was committed.
// - error: An apierror.APIError describing the rejection otherwise.
func (f *FlashSale) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	ctx, span := tracer.Start(ctx, "Purchase", trace.WithAttributes(
		attribute.Int64("buyer.id", req.BuyerID),
		attribute.Int64("item.id", req.ItemID),
	))
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	switch f.gate.Admit(req.ItemID, req.BuyerID) {
	case gate.SoldOut:
		return nil, apierror.NewAPIError(apierror.ErrOutOfStock, "item is sold out", nil)
	case gate.RateLimited:
		return nil, apierror.NewAPIError(apierror.ErrRateLimited, "too many attempts", nil)
	}

	orderID, err := f.ids.NextID(req.BuyerID)
	if err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "could not allocate an order id", err.Error())
	}

	body, err := model.PurchaseIntent{
		BuyerID:   req.BuyerID,
		ItemID:    req.ItemID,
		OrderID:   orderID,
		CreatedAt: f.opts.Clock.Now(),
	}.ToJSON()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "could not encode purchase intent", err.Error())
	}
	msg := &txmsg.Message{ID: purchaseMessageID(orderID), Topic: f.opts.PurchaseTopic, Body: body}

	result := ledger.OutOfStock
	reserved := false
	state, err := f.coordinator.Send(ctx, msg, func(ctx context.Context, _ *txmsg.Message) (txmsg.State, error) {
		r, err := f.ledger.Reserve(ctx, req.ItemID, req.BuyerID, orderID)
		if err != nil {
			return txmsg.Unknown, err
		}
		result = r
		if r == ledger.Reserved {
			reserved = true
			return txmsg.Committed, nil
		}
		return txmsg.RolledBack, nil
	})

	logger := logrus.WithFields(logrus.Fields{"buyer_id": req.BuyerID, "item_id": req.ItemID, "order_id": orderID})
	switch state {
	case txmsg.Committed:
		logger.Info("reservation committed")
		return &PurchaseResult{OrderID: orderID}, nil
	case txmsg.RolledBack:
		if errors.Is(err, txmsg.ErrInvalidMessage) {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "invalid purchase message", err.Error())
		}
		if result == ledger.AlreadyReserved {
			return nil, apierror.NewAPIError(apierror.ErrAlreadyReserved, "buyer already holds a reservation for this item", nil)
		}
		f.gate.MarkSoldOut(req.ItemID)
		return nil, apierror.NewAPIError(apierror.ErrOutOfStock, "item is sold out", nil)
	}

	if err != nil {
		span.RecordError(err)
	}
	logger.WithError(err).Warn("purchase outcome unknown, left for check-back")
	var details interface{}
	if reserved {
		details = map[string]int64{"orderId": orderID}
	}
	return nil, apierror.APIError{Code: apierror.ErrTryAgain, Message: "purchase outcome is being reconciled", Details: details}
}

// GetOrder reads an order from the shard its id routes to.
func (f *FlashSale) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	ctx, span := tracer.Start(ctx, "Get Order")
	defer span.End()

	var order *model.Order
	err := f.router.WithShard(ctx, orderID, func(ctx context.Context) error {
		var err error
		order, err = f.store.GetOrder(ctx, orderID)
		return err
	})
	if errors.Is(err, database.ErrOrderNotFound) {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("order %d not found", orderID), nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return order, nil
}
