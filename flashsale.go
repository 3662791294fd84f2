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
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/flashsale/config"
	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/internal/clock"
	"github.com/blnkfinance/flashsale/internal/gate"
	"github.com/blnkfinance/flashsale/internal/idgen"
	"github.com/blnkfinance/flashsale/internal/shard"
	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/ledger"
	"github.com/blnkfinance/flashsale/model"
)

var tracer = otel.Tracer("flashsale")

var (
	// ErrRoutingMismatch means an order id does not carry its buyer's shard.
	// Such a message can never be stored consistently and is not retried.
	ErrRoutingMismatch = errors.New("order id and buyer id resolve to different shards")
	// ErrPaymentUnavailable means the payment service gave no usable answer.
	ErrPaymentUnavailable = errors.New("payment status unavailable")
	ErrCatalogUnavailable = errors.New("catalog price unavailable")
)

// Catalog returns the authoritative price of an item.
type Catalog interface {
	GetPrice(ctx context.Context, itemID int64) (decimal.Decimal, error)
}

// PaymentService is the ground truth on whether an order was paid.
type PaymentService interface {
	CheckPaymentStatus(ctx context.Context, orderID int64) (model.PaymentStatus, error)
}

// InventoryService turns a reservation into a committed sale. It must be
// idempotent by order id.
type InventoryService interface {
	ConfirmSale(ctx context.Context, orderID int64) error
}

// TimeoutScheduler arms the delayed payment check of an order. Arming the
// same order twice must schedule one check.
type TimeoutScheduler interface {
	ScheduleTimeoutCheck(ctx context.Context, orderID int64) error
}

type Options struct {
	PurchaseTopic    string
	CatalogTimeout   time.Duration
	PaymentTimeout   time.Duration
	InventoryTimeout time.Duration
	CheckInterval    time.Duration
	MaxChecks        int
	Clock            clock.Clock
}

// Dependencies are the collaborators a FlashSale is built from.
type Dependencies struct {
	Ledger    *ledger.Ledger
	IDs       *idgen.Generator
	Router    *shard.Router
	Store     database.OrderStore
	HalfStore txmsg.HalfStore
	Publisher txmsg.Publisher
	Gate      *gate.Gate
	Catalog   Catalog
	Payments  PaymentService
	Inventory InventoryService
	Scheduler TimeoutScheduler
}

type FlashSale struct {
	ledger      *ledger.Ledger
	ids         *idgen.Generator
	router      *shard.Router
	store       database.OrderStore
	gate        *gate.Gate
	catalog     Catalog
	payments    PaymentService
	inventory   InventoryService
	scheduler   TimeoutScheduler
	coordinator *txmsg.Coordinator
	opts        Options
}

// NewFlashSale wires the admission and settlement pipeline.
//
// Parameters:
// - deps Dependencies: the ledger, id generator, router, stores and collaborators.
// - opts Options: topic, collaborator timeouts and check-back settings.
//
// Returns:
// - *FlashSale: the wired pipeline.
// - error: an error if a dependency is missing or the id generator and router disagree on the shard count.
func NewFlashSale(deps Dependencies, opts Options) (*FlashSale, error) {
	if deps.Ledger == nil || deps.IDs == nil || deps.Router == nil || deps.Store == nil ||
		deps.HalfStore == nil || deps.Publisher == nil || deps.Scheduler == nil {
		return nil, errors.New("flashsale: ledger, ids, router, stores, publisher and scheduler are required")
	}
	if deps.IDs.ShardCount() != deps.Router.ShardCount() {
		return nil, fmt.Errorf("flashsale: id generator embeds %d shards but the router has %d",
			deps.IDs.ShardCount(), deps.Router.ShardCount())
	}
	if deps.Gate == nil {
		deps.Gate = gate.New(gate.Options{})
	}

	if opts.PurchaseTopic == "" {
		opts.PurchaseTopic = config.PurchaseQueue
	}
	if opts.CatalogTimeout <= 0 {
		opts.CatalogTimeout = 2 * time.Second
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 2 * time.Second
	}
	if opts.InventoryTimeout <= 0 {
		opts.InventoryTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}

	f := &FlashSale{
		ledger:    deps.Ledger,
		ids:       deps.IDs,
		router:    deps.Router,
		store:     deps.Store,
		gate:      deps.Gate,
		catalog:   deps.Catalog,
		payments:  deps.Payments,
		inventory: deps.Inventory,
		scheduler: deps.Scheduler,
		opts:      opts,
	}
	f.coordinator = txmsg.NewCoordinator(deps.HalfStore, deps.Publisher, &reservationChecker{ledger: deps.Ledger}, txmsg.Options{
		CheckInterval: opts.CheckInterval,
		MaxChecks:     opts.MaxChecks,
		Clock:         opts.Clock,
	})
	return f, nil
}

// Coordinator exposes the transactional message coordinator, so a
// check-back processor can be run next to the workers.
func (f *FlashSale) Coordinator() *txmsg.Coordinator {
	return f.coordinator
}

// Remaining reads the stock left for an item.
func (f *FlashSale) Remaining(ctx context.Context, itemID int64) (int64, error) {
	return f.ledger.Remaining(ctx, itemID)
}

// Preheat loads the sale stock of an item and reopens it at the gate.
func (f *FlashSale) Preheat(ctx context.Context, itemID, stock int64) (bool, error) {
	loaded, err := f.ledger.Preheat(ctx, itemID, stock)
	if err != nil {
		return false, err
	}
	if loaded {
		f.gate.Reopen(itemID)
	}
	return loaded, nil
}
