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

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/model"
)

// ProcessOrderTimeout is the asynq handler of the order timeout queue.
func (f *FlashSale) ProcessOrderTimeout(ctx context.Context, t *asynq.Task) error {
	check, err := model.DecodeOrderTimeoutCheck(t.Payload())
	if err != nil {
		return fmt.Errorf("decode order timeout check: %v: %w", err, asynq.SkipRetry)
	}
	return f.ResolveOrderTimeout(ctx, check.OrderID)
}

// ResolveOrderTimeout settles an order whose payment window has closed.
// Paid orders are confirmed with inventory, unpaid ones are closed and their
// reservation is returned to stock. An unreachable payment service never
// closes an order; the error makes the broker redeliver the check.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - orderID int64: The order whose window closed.
//
// Returns:
// - error: A retryable error, or nil once the order is settled.
func (f *FlashSale) ResolveOrderTimeout(ctx context.Context, orderID int64) error {
	ctx, span := tracer.Start(ctx, "Resolve Order Timeout", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	logger := logrus.WithField("order_id", orderID)

	err := f.router.WithShard(ctx, orderID, func(ctx context.Context) error {
		order, err := f.store.GetOrder(ctx, orderID)
		if errors.Is(err, database.ErrOrderNotFound) {
			logger.Warn("timeout check for an unknown order")
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case order.Status.Settled():
			return nil
		case order.Status == model.OrderStatusClosed:
			return f.returnStock(ctx, order)
		case order.Status != model.OrderStatusPendingPayment:
			logger.Warnf("unexpected order status %s", order.Status)
			return nil
		}

		status, err := f.paymentStatus(ctx, orderID)
		if err != nil {
			return err
		}

		if status == model.PaymentPaid {
			if err := f.confirmSale(ctx, orderID); err != nil {
				return err
			}
			moved, err := f.store.TransitionOrderStatus(ctx, orderID, model.OrderStatusPendingPayment, model.OrderStatusPaid, f.opts.Clock.Now())
			if err != nil {
				return err
			}
			logger.WithField("updated", moved).Info("order paid")
			return nil
		}

		moved, err := f.store.TransitionOrderStatus(ctx, orderID, model.OrderStatusPendingPayment, model.OrderStatusClosed, f.opts.Clock.Now())
		if err != nil {
			return err
		}
		if !moved {
			// A payment callback settled the order first.
			logger.Info("order left pending before close")
			return nil
		}
		logger.Info("order closed for non-payment")
		return f.returnStock(ctx, order)
	})
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("order timeout check will be retried")
	}
	return err
}

func (f *FlashSale) paymentStatus(ctx context.Context, orderID int64) (model.PaymentStatus, error) {
	if f.payments == nil {
		return model.PaymentNotPaid, fmt.Errorf("%w: no payment service configured", ErrPaymentUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.PaymentTimeout)
	defer cancel()
	status, err := f.payments.CheckPaymentStatus(ctx, orderID)
	if err != nil {
		return model.PaymentNotPaid, fmt.Errorf("%w: order %d: %v", ErrPaymentUnavailable, orderID, err)
	}
	return status, nil
}

func (f *FlashSale) confirmSale(ctx context.Context, orderID int64) error {
	if f.inventory == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.InventoryTimeout)
	defer cancel()
	if err := f.inventory.ConfirmSale(ctx, orderID); err != nil {
		return fmt.Errorf("confirm sale of order %d: %w", orderID, err)
	}
	return nil
}

// returnStock releases the reservation of a closed order. It is a no-op when
// the reservation was already released.
func (f *FlashSale) returnStock(ctx context.Context, order *model.Order) error {
	restored, err := f.ledger.Rollback(ctx, order.ItemID, order.BuyerID, order.ID)
	if err != nil {
		return fmt.Errorf("return stock of order %d: %w", order.ID, err)
	}
	if restored {
		f.gate.Reopen(order.ItemID)
		logrus.WithFields(logrus.Fields{"order_id": order.ID, "item_id": order.ItemID}).Info("stock returned")
	}
	return nil
}
