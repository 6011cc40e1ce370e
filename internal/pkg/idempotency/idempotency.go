// Package idempotency tracks processed message IDs in Redis so redelivered
// messages can be recognized after a consumer restart.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidState = errors.New("invalid state")

type State string

const (
	StateNone       State = "none"        // message can be processed
	StateInProgress State = "in_progress" // another delivery is being processed
	StateCompleted  State = "completed"   // message already processed
	StateError      State = "error"       // lookup failed
)

func (s State) String() string {
	return string(s)
}

type StateTracker struct {
	client       redis.UniversalClient
	prefix       string
	lockDuration time.Duration
	stateTTL     time.Duration
}

const (
	defaultLockDuration = time.Minute
	defaultStateTTL     = 24 * time.Hour
)

type Option func(*StateTracker)

// WithLockDuration bounds how long an in-progress marker lives when the
// consumer dies mid-processing.
func WithLockDuration(lockDuration time.Duration) Option {
	return func(s *StateTracker) {
		if lockDuration > 0 {
			s.lockDuration = lockDuration
		}
	}
}

// WithStateTTL sets how long a completed message is remembered.
func WithStateTTL(stateTTL time.Duration) Option {
	return func(s *StateTracker) {
		if stateTTL > 0 {
			s.stateTTL = stateTTL
		}
	}
}

// WithPrefix sets the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(s *StateTracker) {
		s.prefix = prefix
	}
}

func New(client redis.UniversalClient, opts ...Option) *StateTracker {
	s := &StateTracker{
		client:       client,
		prefix:       "idempotency:",
		lockDuration: defaultLockDuration,
		stateTTL:     defaultStateTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire tries to start processing id.
func (s *StateTracker) Acquire(ctx context.Context, id string) (State, error) {
	fk := s.prefix + id

	acquired, err := s.client.SetNX(ctx, fk, StateInProgress.String(), s.lockDuration).Result()
	if err != nil {
		return StateError, err
	}
	if acquired {
		return StateNone, nil
	}

	result, err := s.client.Get(ctx, fk).Result()
	if errors.Is(err, redis.Nil) {
		acquired, err = s.client.SetNX(ctx, fk, StateInProgress.String(), s.lockDuration).Result()
		if err != nil {
			return StateError, err
		}
		if acquired {
			return StateNone, nil
		}
		return StateError, ErrInvalidState
	}
	if err != nil {
		return StateError, err
	}

	switch result {
	case StateInProgress.String():
		return StateInProgress, nil
	case StateCompleted.String():
		return StateCompleted, nil
	default:
		return StateError, ErrInvalidState
	}
}

// Begin reports whether a delivery of id should be processed. Only completed
// messages are skipped: an in-progress marker may belong to a consumer that
// died, and delivery is at-least-once.
func (s *StateTracker) Begin(ctx context.Context, id string) (bool, error) {
	state, err := s.Acquire(ctx, id)
	if err != nil {
		return true, err
	}
	return state != StateCompleted, nil
}

func (s *StateTracker) Complete(ctx context.Context, id string) error {
	return s.client.Set(ctx, s.prefix+id, StateCompleted.String(), s.stateTTL).Err()
}

// Forget drops whatever is known about id.
func (s *StateTracker) Forget(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}
