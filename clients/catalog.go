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

package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/blnkfinance/flashsale/internal/cache"
)

// PriceSource returns the authoritative sale price of an item.
type PriceSource interface {
	GetPrice(ctx context.Context, itemID int64) (decimal.Decimal, error)
}

type CatalogClient struct {
	baseClient
}

func NewCatalogClient(baseURL string, timeout time.Duration, authorization string) *CatalogClient {
	return &CatalogClient{baseClient: newBaseClient(baseURL, timeout, authorization)}
}

type priceResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

// GetPrice calls GET /items/{itemId}/price.
func (c *CatalogClient) GetPrice(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	var res priceResponse
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/items/%d/price", itemID), nil, &res)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "get price of item %d", itemID)
	}
	if res.Amount.IsNegative() {
		return decimal.Zero, errors.Errorf("get price of item %d: negative amount %s", itemID, res.Amount)
	}
	return res.Amount, nil
}

// CachedCatalog serves prices through the two tier cache. Prices are fixed
// for the duration of a sale, so a short TTL is enough.
type CachedCatalog struct {
	source PriceSource
	cache  cache.Cache
	ttl    time.Duration
}

func NewCachedCatalog(source PriceSource, c cache.Cache, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedCatalog{source: source, cache: c, ttl: ttl}
}

func (c *CachedCatalog) GetPrice(ctx context.Context, itemID int64) (decimal.Decimal, error) {
	var amount string
	err := c.cache.Once(ctx, fmt.Sprintf("price:%d", itemID), &amount, c.ttl, func() (interface{}, error) {
		price, err := c.source.GetPrice(ctx, itemID)
		if err != nil {
			return nil, err
		}
		return price.String(), nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(amount)
}
