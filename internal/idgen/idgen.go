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

// Package idgen issues 64-bit order ids that embed the buyer's shard.
//
// An id is laid out as
//
//	| 1 bit unused | 41 bits ms since Epoch | 5 bits datacenter | 5 bits worker | 12 bits sequence |
//
// The sequence advances in steps of the shard count and its low
// log2(shardCount) bits are replaced with buyerID mod shardCount, so an order
// id and its buyer id always resolve to the same shard.
package idgen

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/blnkfinance/flashsale/internal/clock"
)

// Epoch is 2025-01-01T00:00:00Z in milliseconds.
const Epoch int64 = 1735689600000

const (
	workerBits     = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxWorkerID     = -1 ^ (-1 << workerBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterBits)
	MaxShardCount   = 1 << sequenceBits

	sequenceMask    = -1 ^ (-1 << sequenceBits)
	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

var (
	ErrClockMovedBackwards = errors.New("idgen: clock moved backwards")
	ErrInvalidShardCount   = errors.New("idgen: shard count must be a power of two between 1 and 4096")
	ErrInvalidNodeID       = errors.New("idgen: worker and datacenter ids must be between 0 and 31")
)

type Options struct {
	WorkerID     int64
	DatacenterID int64
	ShardCount   int
	Clock        clock.Clock
}

// Generator is safe for concurrent use. One generator should exist per
// (datacenter, worker) pair.
type Generator struct {
	mu           sync.Mutex
	clock        clock.Clock
	sleep        func(time.Duration)
	workerID     int64
	datacenterID int64
	shardCount   int64
	shardMask    int64
	lastMillis   int64
	sequence     int64
}

func New(opts Options) (*Generator, error) {
	if opts.ShardCount < 1 || opts.ShardCount > MaxShardCount || bits.OnesCount(uint(opts.ShardCount)) != 1 {
		return nil, ErrInvalidShardCount
	}
	if opts.WorkerID < 0 || opts.WorkerID > MaxWorkerID || opts.DatacenterID < 0 || opts.DatacenterID > MaxDatacenterID {
		return nil, ErrInvalidNodeID
	}
	c := opts.Clock
	if c == nil {
		c = clock.NewSystem()
	}
	return &Generator{
		clock:        c,
		sleep:        time.Sleep,
		workerID:     opts.WorkerID,
		datacenterID: opts.DatacenterID,
		shardCount:   int64(opts.ShardCount),
		shardMask:    int64(opts.ShardCount - 1),
		lastMillis:   -1,
	}, nil
}

// NextID returns a new id whose low bits carry buyerID's shard. It fails with
// ErrClockMovedBackwards if the clock reads earlier than the last issued id;
// no id is produced in that case.
func (g *Generator) NextID(buyerID int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.millis()
	if now < Epoch {
		return 0, fmt.Errorf("%w: clock reads before the id epoch", ErrClockMovedBackwards)
	}
	if now < g.lastMillis {
		return 0, fmt.Errorf("%w: refusing to generate ids for %dms", ErrClockMovedBackwards, g.lastMillis-now)
	}

	if now == g.lastMillis {
		g.sequence = (g.sequence + g.shardCount) & sequenceMask
		if g.sequence == 0 {
			var err error
			now, err = g.waitNextMillis(g.lastMillis)
			if err != nil {
				return 0, err
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = now

	seq := (g.sequence &^ g.shardMask) | (buyerID & g.shardMask)
	return (now-Epoch)<<timestampShift |
		g.datacenterID<<datacenterShift |
		g.workerID<<workerShift |
		seq, nil
}

// ShardCount is the shard count the generator embeds into ids.
func (g *Generator) ShardCount() int {
	return int(g.shardCount)
}

func (g *Generator) waitNextMillis(last int64) (int64, error) {
	now := g.millis()
	for now <= last {
		if now < last {
			return 0, fmt.Errorf("%w: refusing to generate ids for %dms", ErrClockMovedBackwards, last-now)
		}
		g.sleep(100 * time.Microsecond)
		now = g.millis()
	}
	return now, nil
}

func (g *Generator) millis() int64 {
	return g.clock.Now().UnixMilli()
}

// Parts is an id split into its fields.
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

func Decompose(id int64) Parts {
	return Parts{
		Time:         time.UnixMilli((id >> timestampShift) + Epoch).UTC(),
		DatacenterID: (id >> datacenterShift) & MaxDatacenterID,
		WorkerID:     (id >> workerShift) & MaxWorkerID,
		Sequence:     id & sequenceMask,
	}
}
