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

// Package ledger holds flash-sale stock and per-buyer purchase markers in
// Redis. Every mutation runs as a single Lua script, so the check and the
// write happen atomically on the server.
//
// Keys put the item id in a hash tag, so the stock entry and all markers of
// one item live in the same cluster slot:
//
//	stock:{42}
//	purchase:done:7:{42}
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type ReserveResult int

const (
	AlreadyReserved ReserveResult = -1
	OutOfStock      ReserveResult = 0
	Reserved        ReserveResult = 1
)

func (r ReserveResult) String() string {
	switch r {
	case AlreadyReserved:
		return "ALREADY_RESERVED"
	case OutOfStock:
		return "OUT_OF_STOCK"
	case Reserved:
		return "RESERVED"
	}
	return "UNKNOWN"
}

var ErrScript = errors.New("ledger: unexpected script reply")

const (
	DefaultMarkerTTL        = 24 * time.Hour
	DefaultRollbackGuardTTL = 7 * 24 * time.Hour
	DefaultCallTimeout      = 500 * time.Millisecond
)

func StockKey(itemID int64) string {
	return fmt.Sprintf("stock:{%d}", itemID)
}

func MarkerKey(buyerID, itemID int64) string {
	return fmt.Sprintf("purchase:done:%d:{%d}", buyerID, itemID)
}

// RollbackKey records that the unit of orderID was returned.
func RollbackKey(orderID, itemID int64) string {
	return fmt.Sprintf("purchase:rollback:%d:{%d}", orderID, itemID)
}

type Options struct {
	// MarkerTTL must outlive the payment window and the half message check
	// window.
	MarkerTTL time.Duration
	// RollbackGuardTTL must outlive every redelivery of a rollback for the
	// same order, including consumer retries.
	RollbackGuardTTL time.Duration
	// CallTimeout bounds each round trip to Redis.
	CallTimeout time.Duration
}

type Ledger struct {
	client      redis.UniversalClient
	markerTTL   time.Duration
	guardTTL    time.Duration
	callTimeout time.Duration
}

func New(client redis.UniversalClient, opts Options) *Ledger {
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = DefaultMarkerTTL
	}
	if opts.RollbackGuardTTL <= 0 {
		opts.RollbackGuardTTL = DefaultRollbackGuardTTL
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Ledger{
		client:      client,
		markerTTL:   opts.MarkerTTL,
		guardTTL:    opts.RollbackGuardTTL,
		callTimeout: opts.CallTimeout,
	}
}

// Reserve takes one unit of itemID for buyerID, recording orderID in the
// buyer's marker. A missing stock entry means the item is not on sale and
// reports OutOfStock.
func (l *Ledger) Reserve(ctx context.Context, itemID, buyerID, orderID int64) (ReserveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	res, err := reserveScript.Run(ctx, l.client,
		[]string{StockKey(itemID), MarkerKey(buyerID, itemID)},
		orderID, l.markerTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return OutOfStock, fmt.Errorf("reserve item %d for buyer %d: %w", itemID, buyerID, err)
	}
	switch ReserveResult(res) {
	case AlreadyReserved, OutOfStock, Reserved:
		return ReserveResult(res), nil
	}
	return OutOfStock, fmt.Errorf("%w: reserve returned %d", ErrScript, res)
}

// Rollback returns the unit taken by orderID, whose order is known to have
// reserved it, and deletes the buyer's marker if it still belongs to the
// order. The unit is returned once per order even after the marker expired;
// repeated calls report false and change nothing.
func (l *Ledger) Rollback(ctx context.Context, itemID, buyerID, orderID int64) (bool, error) {
	return l.rollback(ctx, itemID, buyerID, orderID, false)
}

// Release is Rollback for an attempt whose reservation is not proven: it
// returns the unit only while the buyer's marker still holds orderID.
func (l *Ledger) Release(ctx context.Context, itemID, buyerID, orderID int64) (bool, error) {
	return l.rollback(ctx, itemID, buyerID, orderID, true)
}

func (l *Ledger) rollback(ctx context.Context, itemID, buyerID, orderID int64, requireMarker bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	mode := "0"
	if requireMarker {
		mode = "1"
	}
	res, err := rollbackScript.Run(ctx, l.client,
		[]string{StockKey(itemID), MarkerKey(buyerID, itemID), RollbackKey(orderID, itemID)},
		orderID, l.guardTTL.Milliseconds(), mode,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rollback order %d: %w", orderID, err)
	}
	return res == 1, nil
}

// HasReservation reports whether the buyer's marker exists and was written
// by orderID.
func (l *Ledger) HasReservation(ctx context.Context, itemID, buyerID, orderID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	val, err := l.client.Get(ctx, MarkerKey(buyerID, itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read marker for order %d: %w", orderID, err)
	}
	return val == strconv.FormatInt(orderID, 10), nil
}

// Preheat loads the sale stock of an item. It never overwrites a live sale
// and reports whether the stock was loaded.
func (l *Ledger) Preheat(ctx context.Context, itemID, stock int64) (bool, error) {
	if stock < 0 {
		return false, fmt.Errorf("preheat item %d: negative stock %d", itemID, stock)
	}
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	res, err := preheatScript.Run(ctx, l.client, []string{StockKey(itemID)}, stock).Int64()
	if err != nil {
		return false, fmt.Errorf("preheat item %d: %w", itemID, err)
	}
	return res == 1, nil
}

// Remaining reads the stock left for an item; a missing entry reads as zero.
func (l *Ledger) Remaining(ctx context.Context, itemID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	n, err := l.client.Get(ctx, StockKey(itemID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stock of item %d: %w", itemID, err)
	}
	return n, nil
}
