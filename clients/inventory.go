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
)

type InventoryClient struct {
	baseClient
}

func NewInventoryClient(baseURL string, timeout time.Duration, authorization string) *InventoryClient {
	return &InventoryClient{baseClient: newBaseClient(baseURL, timeout, authorization)}
}

// ConfirmSale calls POST /sales/{orderId}/confirm. The service treats the
// order id as an idempotency key, and a 409 means the sale was already
// confirmed.
func (c *InventoryClient) ConfirmSale(ctx context.Context, orderID int64) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/sales/%d/confirm", orderID), nil, nil)
	if statusCode(resp) == http.StatusConflict {
		return nil
	}
	return errors.Wrapf(err, "confirm sale of order %d", orderID)
}
