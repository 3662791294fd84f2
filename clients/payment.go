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

	"github.com/blnkfinance/flashsale/model"
)

type PaymentClient struct {
	baseClient
}

func NewPaymentClient(baseURL string, timeout time.Duration, authorization string) *PaymentClient {
	return &PaymentClient{baseClient: newBaseClient(baseURL, timeout, authorization)}
}

type paymentStatusResponse struct {
	Paid *bool `json:"paid"`
}

// CheckPaymentStatus calls GET /payments/{orderId}/status. A 404 means no
// payment exists for the order. Any answer that is not explicit is an error,
// never NotPaid.
func (c *PaymentClient) CheckPaymentStatus(ctx context.Context, orderID int64) (model.PaymentStatus, error) {
	var res paymentStatusResponse
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/payments/%d/status", orderID), nil, &res)
	if statusCode(resp) == http.StatusNotFound {
		return model.PaymentNotPaid, nil
	}
	if err != nil {
		return model.PaymentNotPaid, errors.Wrapf(err, "payment status of order %d", orderID)
	}
	if res.Paid == nil {
		return model.PaymentNotPaid, errors.Wrapf(ErrUnavailable, "payment status of order %d: empty answer", orderID)
	}
	if *res.Paid {
		return model.PaymentPaid, nil
	}
	return model.PaymentNotPaid, nil
}
