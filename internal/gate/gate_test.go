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

package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSoldOutFlag(t *testing.T) {
	g := New(Options{SoldOutTTL: time.Minute})

	assert.Equal(t, Admitted, g.Admit(42, 1))
	g.MarkSoldOut(42)
	assert.Equal(t, SoldOut, g.Admit(42, 1))
	assert.Equal(t, SoldOut, g.Admit(42, 2))
	assert.Equal(t, Admitted, g.Admit(43, 1))

	g.Reopen(42)
	assert.Equal(t, Admitted, g.Admit(42, 1))
}

func TestSoldOutFlagExpires(t *testing.T) {
	g := New(Options{SoldOutTTL: 20 * time.Millisecond})

	g.MarkSoldOut(42)
	assert.Equal(t, SoldOut, g.Admit(42, 1))
	assert.Eventually(t, func() bool {
		return g.Admit(42, 1) == Admitted
	}, time.Second, 10*time.Millisecond)
}

func TestBuyerRateLimit(t *testing.T) {
	g := New(Options{BuyerRate: 1, BuyerBurst: 2})

	assert.Equal(t, Admitted, g.Admit(42, 7))
	assert.Equal(t, Admitted, g.Admit(42, 7))
	assert.Equal(t, RateLimited, g.Admit(42, 7))
	// buckets are per buyer
	assert.Equal(t, Admitted, g.Admit(42, 8))
}

func TestNoRateLimitByDefault(t *testing.T) {
	g := New(Options{})
	for i := 0; i < 100; i++ {
		assert.Equal(t, Admitted, g.Admit(42, 7))
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "SOLD_OUT", SoldOut.String())
	assert.Equal(t, "RATE_LIMITED", RateLimited.String())
}
