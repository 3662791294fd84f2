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

// Package clients talks to the catalog, payment and inventory services over
// HTTP/JSON.
package clients

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/blnkfinance/flashsale/internal/request"
)

// ErrUnavailable marks a failure that says nothing about the answer: the
// service could not be reached, timed out or failed internally.
var ErrUnavailable = errors.New("collaborator unavailable")

type baseClient struct {
	baseURL       string
	http          *http.Client
	timeout       time.Duration
	authorization string
}

func newBaseClient(baseURL string, timeout time.Duration, authorization string) baseClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return baseClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{},
		timeout:       timeout,
		authorization: authorization,
	}
}

// do sends one request under the client timeout. Transport errors, timeouts
// and 5xx responses are wrapped with ErrUnavailable.
func (c baseClient) do(ctx context.Context, method, path string, body io.Reader, response interface{}) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, path)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}

	resp, err := request.Call(c.http, req, response)
	if err == nil {
		return resp, nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		return resp, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, errors.Wrapf(ErrUnavailable, "%s %s: %v", method, path, err)
}

func statusCode(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
