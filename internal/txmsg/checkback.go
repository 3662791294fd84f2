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

package txmsg

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Lock elects the single process running check-backs.
type Lock interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

type CheckBackOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxWorkers   int
	LockTTL      time.Duration
}

// CheckBackProcessor periodically resolves half messages whose outcome was
// never reported.
type CheckBackProcessor struct {
	coordinator *Coordinator
	lock        Lock
	opts        CheckBackOptions
	stopCh      chan struct{}
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
}

func NewCheckBackProcessor(coordinator *Coordinator, lock Lock, opts CheckBackOptions) *CheckBackProcessor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = coordinator.opts.CheckInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &CheckBackProcessor{
		coordinator: coordinator,
		lock:        lock,
		opts:        opts,
		stopCh:      make(chan struct{}),
	}
}

func (p *CheckBackProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Half message check-back processor started")
}

func (p *CheckBackProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Half message check-back processor stopped")
}

func (p *CheckBackProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *CheckBackProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *CheckBackProcessor) tick(ctx context.Context) {
	if p.lock != nil {
		ok, err := p.lock.TryLock(ctx, p.opts.LockTTL)
		if err != nil {
			logrus.Errorf("check-back lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := p.lock.Unlock(ctx); err != nil {
				logrus.Warnf("check-back unlock: %v", err)
			}
		}()
	}
	p.RunOnce(ctx)
}

// RunOnce checks back one batch of due half messages and returns how many
// were resolved.
func (p *CheckBackProcessor) RunOnce(ctx context.Context) int {
	msgs, err := p.coordinator.Pending(ctx, p.opts.BatchSize)
	if err != nil {
		logrus.Errorf("failed to list pending half messages: %v", err)
		return 0
	}
	if len(msgs) == 0 {
		return 0
	}

	logrus.Infof("Checking back %d half messages with %d workers", len(msgs), p.opts.MaxWorkers)

	var (
		resolved int
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, p.opts.MaxWorkers)
	for _, msg := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(m *Message) {
			defer wg.Done()
			defer func() { <-sem }()

			state, err := p.coordinator.CheckBack(ctx, m)
			entry := logrus.WithFields(logrus.Fields{"message_id": m.ID, "state": state.String()})
			if err != nil {
				entry.Warnf("check-back inconclusive: %v", err)
				return
			}
			if state.Final() {
				entry.Info("half message resolved by check-back")
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()
	return resolved
}
