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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/flashsale/model"
	"github.com/stretchr/testify/mock"
)

// MockOrderStore is a mock implementation of database.OrderStore.
type MockOrderStore struct {
	mock.Mock
}

func (m *MockOrderStore) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	args := m.Called(ctx, id)
	order, _ := args.Get(0).(*model.Order)
	return order, args.Error(1)
}

func (m *MockOrderStore) InsertOrder(ctx context.Context, order *model.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockOrderStore) TransitionOrderStatus(ctx context.Context, id int64, from, to model.OrderStatus, at time.Time) (bool, error) {
	args := m.Called(ctx, id, from, to, at)
	return args.Bool(0), args.Error(1)
}
