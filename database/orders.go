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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/flashsale/model"
)

// LogicalOrders is the logical name every order statement is written against.
const LogicalOrders = "orders"

const orderColumns = "id, buyer_id, item_id, quantity, amount, status, order_kind, created_at, updated_at"

func (d *Datasource) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	ctx, span := otel.Tracer("flashsale.database").Start(ctx, "Getting order from db")
	defer span.End()

	query, err := d.table(ctx, LogicalOrders, "SELECT "+orderColumns+" FROM %s WHERE id = ?")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	order := &model.Order{}
	err = d.Conn.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.BuyerID,
		&order.ItemID,
		&order.Quantity,
		&order.Amount,
		&order.Status,
		&order.Kind,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return order, nil
}

func (d *Datasource) InsertOrder(ctx context.Context, order *model.Order) error {
	ctx, span := otel.Tracer("flashsale.database").Start(ctx, "Saving order to db")
	defer span.End()

	query, err := d.table(ctx, LogicalOrders, "INSERT INTO %s ("+orderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		span.RecordError(err)
		return err
	}

	_, err = d.Conn.ExecContext(ctx, query,
		order.ID,
		order.BuyerID,
		order.ItemID,
		order.Quantity,
		order.Amount,
		order.Status,
		order.Kind,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %d", ErrDuplicateOrder, order.ID)
		}
		span.RecordError(err)
		return fmt.Errorf("insert order %d: %w", order.ID, err)
	}
	return nil
}

func (d *Datasource) TransitionOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error) {
	ctx, span := otel.Tracer("flashsale.database").Start(ctx, "Updating order status in db")
	defer span.End()

	query, err := d.table(ctx, LogicalOrders, "UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?")
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	res, err := d.Conn.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("update order %d to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
