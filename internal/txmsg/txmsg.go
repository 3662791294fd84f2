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

// Package txmsg binds a local change and the publication of a message into
// one outcome, using the half message protocol:
//
//  1. the message is stored as a half message, invisible to consumers;
//  2. the local change runs and reports Committed, RolledBack or Unknown;
//  3. Committed publishes the message, RolledBack drops it, Unknown leaves
//     it for check-back;
//  4. half messages left behind are periodically checked back against the
//     local state until they resolve, or are discarded after MaxChecks.
//
// The local state is the witness: a check-back never guesses.
package txmsg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/blnkfinance/flashsale/internal/clock"
)

var tracer = otel.Tracer("flashsale.txmsg")

type State int

const (
	Opened State = iota
	Committed
	RolledBack
	Unknown
)

func (s State) String() string {
	switch s {
	case Opened:
		return "OPENED"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	case Unknown:
		return "UNKNOWN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Final reports whether the state ends the attempt.
func (s State) Final() bool {
	return s == Committed || s == RolledBack
}

var (
	ErrBrokerUnavailable = errors.New("txmsg: broker unavailable")
	ErrMessageNotFound   = errors.New("txmsg: half message not found")
	ErrInvalidMessage    = errors.New("txmsg: message id and topic are required")
)

// Message is a half message. ID doubles as the delivery id of the published
// message, so publishing the same message twice delivers it once.
type Message struct {
	ID        string
	Topic     string
	Body      []byte
	CreatedAt time.Time
	Checks    int
}

// LocalFunc performs the local change of one attempt.
type LocalFunc func(ctx context.Context, msg *Message) (State, error)

// Checker re-derives the outcome of an attempt whose answer was lost.
type Checker interface {
	// CheckLocal reports Committed or RolledBack from local state, or
	// Unknown with an error when the state cannot be read.
	CheckLocal(ctx context.Context, msg *Message) (State, error)

	// Discarded is called once a half message is dropped by a check-back
	// verdict or after MaxChecks. It must undo any local change the
	// attempt made and be safe to repeat.
	Discarded(ctx context.Context, msg *Message) error
}

// HalfStore is the broker side log of half messages.
type HalfStore interface {
	Prepare(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	Remove(ctx context.Context, id string) error
	// Due lists half messages not touched since before.
	Due(ctx context.Context, before time.Time, limit int) ([]*Message, error)
	// MarkChecked counts one inconclusive check-back and returns the count.
	MarkChecked(ctx context.Context, id string, at time.Time) (int, error)
}

// Publisher makes a committed message deliverable.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

type Options struct {
	// CheckInterval is how long a half message waits between check-backs.
	CheckInterval time.Duration
	// MaxChecks inconclusive check-backs discard the message.
	MaxChecks int
	// PublishRetry bounds the retries of a commit publish on the request path.
	PublishRetry time.Duration
	Clock        clock.Clock
}

type Coordinator struct {
	store     HalfStore
	publisher Publisher
	checker   Checker
	opts      Options
}

func NewCoordinator(store HalfStore, publisher Publisher, checker Checker, opts Options) *Coordinator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 10 * time.Second
	}
	if opts.MaxChecks <= 0 {
		opts.MaxChecks = 15
	}
	if opts.PublishRetry <= 0 {
		opts.PublishRetry = 300 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Coordinator{store: store, publisher: publisher, checker: checker, opts: opts}
}

// Send runs one attempt. It returns the outcome the caller can rely on:
// Committed means the message is deliverable, RolledBack that it never will
// be, and Unknown that check-back will decide.
func (c *Coordinator) Send(ctx context.Context, msg *Message, local LocalFunc) (State, error) {
	ctx, span := tracer.Start(ctx, "Send Transactional Message")
	defer span.End()

	if msg.ID == "" || msg.Topic == "" {
		return RolledBack, ErrInvalidMessage
	}
	msg.CreatedAt = c.opts.Clock.Now()
	msg.Checks = 0

	if err := c.store.Prepare(ctx, msg); err != nil {
		// Nothing happened locally, the attempt is simply lost.
		span.RecordError(err)
		return Unknown, fmt.Errorf("%w: prepare %s: %v", ErrBrokerUnavailable, msg.ID, err)
	}

	state, err := local(ctx, msg)
	if err != nil {
		logrus.WithField("message_id", msg.ID).Warnf("local execution failed, leaving half message for check-back: %v", err)
		span.RecordError(err)
		return Unknown, err
	}

	switch state {
	case Committed:
		if err := c.commit(ctx, msg); err != nil {
			span.RecordError(err)
			return Unknown, err
		}
		return Committed, nil
	case RolledBack:
		if err := c.store.Remove(ctx, msg.ID); err != nil {
			// A stale half message checks back as RolledBack.
			logrus.WithField("message_id", msg.ID).Warnf("remove rolled back half message: %v", err)
		}
		return RolledBack, nil
	default:
		return Unknown, nil
	}
}

// Resolve applies a definite verdict to a pending half message. RolledBack
// discards the message and compensates the local change.
func (c *Coordinator) Resolve(ctx context.Context, id string, verdict State) error {
	msg, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.resolve(ctx, msg, verdict)
}

func (c *Coordinator) resolve(ctx context.Context, msg *Message, verdict State) error {
	switch verdict {
	case Committed:
		return c.commit(ctx, msg)
	case RolledBack:
		return c.discard(ctx, msg)
	}
	return fmt.Errorf("txmsg: %s is not a verdict", verdict)
}

func (c *Coordinator) commit(ctx context.Context, msg *Message) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxElapsedTime(c.opts.PublishRetry),
	), ctx)
	if err := backoff.Retry(func() error { return c.publisher.Publish(ctx, msg) }, policy); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrBrokerUnavailable, msg.ID, err)
	}
	if err := c.store.Remove(ctx, msg.ID); err != nil {
		// Check-back will publish again; the delivery id deduplicates it.
		logrus.WithField("message_id", msg.ID).Warnf("remove committed half message: %v", err)
	}
	return nil
}

func (c *Coordinator) discard(ctx context.Context, msg *Message) error {
	if err := c.checker.Discarded(ctx, msg); err != nil {
		return fmt.Errorf("compensate discarded message %s: %w", msg.ID, err)
	}
	return c.store.Remove(ctx, msg.ID)
}

// CheckBack examines one pending half message.
func (c *Coordinator) CheckBack(ctx context.Context, msg *Message) (State, error) {
	if msg.Checks >= c.opts.MaxChecks {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"checks":     msg.Checks,
		}).Warn("half message exhausted its check-backs, discarding")
		if err := c.discard(ctx, msg); err != nil {
			return Unknown, err
		}
		return RolledBack, nil
	}

	state, err := c.checker.CheckLocal(ctx, msg)
	if err == nil && state.Final() {
		if err := c.resolve(ctx, msg, state); err != nil {
			return Unknown, err
		}
		return state, nil
	}

	if _, markErr := c.store.MarkChecked(ctx, msg.ID, c.opts.Clock.Now()); markErr != nil {
		err = errors.Join(err, markErr)
	}
	return Unknown, err
}

// Pending lists half messages due for a check-back.
func (c *Coordinator) Pending(ctx context.Context, limit int) ([]*Message, error) {
	return c.store.Due(ctx, c.opts.Clock.Now().Add(-c.opts.CheckInterval), limit)
}
