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
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/model"
)

// ProcessPurchaseIntent is the asynq handler of the purchase queue.
// Malformed payloads and misrouted ids are poison and skip retries.
func (f *FlashSale) ProcessPurchaseIntent(ctx context.Context, t *asynq.Task) error {
	intent, err := model.DecodePurchaseIntent(t.Payload())
	if err != nil {
		return fmt.Errorf("decode purchase intent: %v: %w", err, asynq.SkipRetry)
	}
	err = f.MaterializeOrder(ctx, intent)
	if errors.Is(err, ErrRoutingMismatch) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// MaterializeOrder turns a committed purchase intent into a PendingPayment
// order on the buyer's shard and arms its payment window. Redeliveries of
// the same intent leave exactly one order.
func (f *FlashSale) MaterializeOrder(ctx context.Context, intent model.PurchaseIntent) error {
	ctx, span := tracer.Start(ctx, "Materialize Order", trace.WithAttributes(
		attribute.Int64("order.id", intent.OrderID),
		attribute.Int64("buyer.id", intent.BuyerID),
		attribute.Int64("item.id", intent.ItemID),
	))
	defer span.End()

	if f.router.ShardOf(intent.OrderID) != f.router.ShardOf(intent.BuyerID) {
		span.RecordError(ErrRoutingMismatch)
		return fmt.Errorf("%w: order %d buyer %d", ErrRoutingMismatch, intent.OrderID, intent.BuyerID)
	}

	logger := logrus.WithFields(logrus.Fields{
		"order_id": intent.OrderID,
		"buyer_id": intent.BuyerID,
		"item_id":  intent.ItemID,
	})

	err := f.router.WithShard(ctx, intent.BuyerID, func(ctx context.Context) error {
		existing, err := f.store.GetOrder(ctx, intent.OrderID)
		if err == nil {
			logger.Info("duplicate purchase intent")
			if existing.Status == model.OrderStatusPendingPayment {
				return f.scheduler.ScheduleTimeoutCheck(ctx, existing.ID)
			}
			return nil
		}
		if !errors.Is(err, database.ErrOrderNotFound) {
			return err
		}

		price, err := f.price(ctx, intent.ItemID)
		if err != nil {
			return err
		}

		now := f.opts.Clock.Now()
		order := &model.Order{
			ID:        intent.OrderID,
			BuyerID:   intent.BuyerID,
			ItemID:    intent.ItemID,
			Quantity:  1,
			Amount:    price,
			Status:    model.OrderStatusPendingPayment,
			Kind:      model.OrderKindFlashSale,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = f.store.InsertOrder(ctx, order)
		if errors.Is(err, database.ErrDuplicateOrder) {
			logger.Info("order inserted by a concurrent delivery")
		} else if err != nil {
			return err
		}
		return f.scheduler.ScheduleTimeoutCheck(ctx, order.ID)
	})
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("materialization failed")
		return err
	}
	return nil
}

func (f *FlashSale) price(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	if f.catalog == nil {
		return decimal.Zero, fmt.Errorf("%w: no catalog configured", ErrCatalogUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.CatalogTimeout)
	defer cancel()
	price, err := f.catalog.GetPrice(ctx, itemID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: item %d: %v", ErrCatalogUnavailable, itemID, err)
	}
	return price, nil
}
