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

package database

import (
	"context"
	"errors"
	"time"

	"github.com/blnkfinance/flashsale/model"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists")
)

// OrderStore is the sharded order table. Every call must run inside a shard
// scope carried by ctx.
type OrderStore interface {
	// GetOrder returns ErrOrderNotFound when the order is absent.
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	// InsertOrder returns ErrDuplicateOrder on a primary key clash.
	InsertOrder(ctx context.Context, order *model.Order) error
	// TransitionOrderStatus moves the status only if it still equals from,
	// and reports whether it did.
	TransitionOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error)
}

var _ OrderStore = (*Datasource)(nil)
