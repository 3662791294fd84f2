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

package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestLocker_TryLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLockerWithToken(db, "txmsg:checkback", "holder-1")

	mock.ExpectSetNX("txmsg:checkback", "holder-1", 30*time.Second).SetVal(true)
	mock.ExpectSetNX("txmsg:checkback", "holder-1", 30*time.Second).SetVal(false)

	ok, err := locker.TryLock(context.Background(), 30*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.TryLock(context.Background(), 30*time.Second)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_TryLockError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLockerWithToken(db, "txmsg:checkback", "holder-1")

	mock.ExpectSetNX("txmsg:checkback", "holder-1", time.Second).SetErr(errors.New("connection refused"))

	_, err := locker.TryLock(context.Background(), time.Second)
	assert.ErrorContains(t, err, "connection refused")
}

func TestLocker_Unlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLockerWithToken(db, "txmsg:checkback", "holder-1")

	mock.ExpectEval(unlockScript, []string{"txmsg:checkback"}, "holder-1").SetVal(int64(1))
	mock.ExpectEval(unlockScript, []string{"txmsg:checkback"}, "holder-1").SetVal(int64(0))

	assert.NoError(t, locker.Unlock(context.Background()))
	assert.ErrorIs(t, locker.Unlock(context.Background()), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Extend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLockerWithToken(db, "txmsg:checkback", "holder-1")

	mock.ExpectEval(extendScript, []string{"txmsg:checkback"}, "holder-1", int64(5000)).SetVal(int64(1))

	assert.NoError(t, locker.Extend(context.Background(), 5*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLockerUsesUniqueTokens(t *testing.T) {
	db, _ := redismock.NewClientMock()
	a := NewLocker(db, "k")
	b := NewLocker(db, "k")
	assert.NotEqual(t, a.token, b.token)
}
