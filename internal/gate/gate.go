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

// Package gate rejects purchase attempts locally before they reach Redis.
// It only ever rejects early; the stock ledger stays the source of truth.
package gate

import (
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	cache "github.com/go-pkgz/expirable-cache/v3"
)

type Verdict int

const (
	Admitted Verdict = iota
	SoldOut
	RateLimited
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "ADMITTED"
	case SoldOut:
		return "SOLD_OUT"
	case RateLimited:
		return "RATE_LIMITED"
	}
	return "UNKNOWN"
}

type Options struct {
	// SoldOutTTL is how long a sold-out flag short-circuits an item. Flags
	// are local to the process: Reopen only clears this gate, so when the
	// compensator runs in another process the TTL is what reopens admission
	// for stock it returned.
	SoldOutTTL time.Duration
	MaxItems   int
	// BuyerRate is the admitted attempts per second per buyer; zero disables
	// the limit.
	BuyerRate  float64
	BuyerBurst int
}

type Gate struct {
	soldOut cache.Cache[int64, struct{}]
	buyers  *limiter.Limiter
}

func New(opts Options) *Gate {
	if opts.SoldOutTTL <= 0 {
		opts.SoldOutTTL = 5 * time.Second
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 10000
	}

	g := &Gate{
		soldOut: cache.NewCache[int64, struct{}]().WithTTL(opts.SoldOutTTL).WithMaxKeys(opts.MaxItems),
	}
	if opts.BuyerRate > 0 {
		g.buyers = tollbooth.NewLimiter(opts.BuyerRate, &limiter.ExpirableOptions{
			DefaultExpirationTTL: time.Hour,
		})
		burst := opts.BuyerBurst
		if burst <= 0 {
			burst = 1
		}
		g.buyers.SetBurst(burst)
	}
	return g
}

// Admit decides whether an attempt may go on to the stock ledger.
func (g *Gate) Admit(itemID, buyerID int64) Verdict {
	if _, ok := g.soldOut.Get(itemID); ok {
		return SoldOut
	}
	if g.buyers != nil && g.buyers.LimitReached(strconv.FormatInt(buyerID, 10)) {
		return RateLimited
	}
	return Admitted
}

// MarkSoldOut is called once the ledger reported the item out of stock.
func (g *Gate) MarkSoldOut(itemID int64) {
	g.soldOut.Set(itemID, struct{}{}, 0)
}

// Reopen clears a sold-out flag, e.g. after stock was preheated again.
func (g *Gate) Reopen(itemID int64) {
	g.soldOut.Invalidate(itemID)
}
