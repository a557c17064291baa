// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/connectors"
	"github.com/cadenzaai/pkg/utils"
)

var (
	ErrNotFound      = errors.New("session: not found")
	ErrAlreadyExists = errors.New("session: already exists")
	ErrConflict      = errors.New("session: version conflict")
	ErrNotOwner      = errors.New("session: write from non-owner worker")
)

// mutateRetries bounds optimistic-write retries before the conflict
// surfaces to the caller.
const mutateRetries = 3

// EventType tags a cross-worker session event.
type EventType string

const (
	// EventEpochBumped means another worker requested barge-in level
	// cancellation for this session.
	EventEpochBumped EventType = "epoch_bumped"
	// EventStateChanged is a best-effort notification that the owner moved
	// the session to a new state.
	EventStateChanged EventType = "state_changed"
)

// Event is one cross-worker session notification.
type Event struct {
	Type  EventType    `json:"type"`
	Epoch int64        `json:"epoch,omitempty"`
	State SessionState `json:"state,omitempty"`
}

// Store keeps session records in the shared cache so any worker can read
// them and coordinate cross-worker barge-in.
//
// Records are written only by the worker whose ownerId is inscribed in the
// record. The one exception is the cancel epoch, which lives beside the
// record and may be bumped by anyone: that is how a worker serving a
// second ingress leg interrupts the owner's in-flight turn.
type Store interface {
	// Create writes the initial record. ErrAlreadyExists when the id is
	// taken.
	Create(ctx context.Context, record *SessionRecord) error

	// Load reads the current record. ErrNotFound when absent or expired.
	Load(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Mutate runs fn on a copy of the record and commits it only if the
	// version is unchanged underneath, retrying up to 3 times. ErrNotOwner
	// when this worker does not own the record; ErrConflict when retries
	// run out.
	Mutate(ctx context.Context, sessionID string, fn func(*SessionRecord) error) (*SessionRecord, error)

	// Touch stamps last_activity_at and refreshes the record's TTL without
	// bumping the version.
	Touch(ctx context.Context, sessionID string) error

	// BumpCancelEpoch increments the session's cancel epoch and notifies
	// subscribers. Callable by any worker.
	BumpCancelEpoch(ctx context.Context, sessionID string) (int64, error)

	// CancelEpoch reads the current epoch without touching it.
	CancelEpoch(ctx context.Context, sessionID string) (int64, error)

	// Subscribe delivers best-effort session events from other workers.
	// The returned stop function tears the subscription down.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)

	// Delete removes the record and its epoch. Cleanup only; live flows
	// end sessions through Mutate.
	Delete(ctx context.Context, sessionID string) error
}

// compareAndSwap commits the new record only when the stored bytes are
// still the ones this mutation started from.
var compareAndSwap = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
  return 1
end
return 0
`)

type redisStore struct {
	logger  commons.Logger
	redis   connectors.RedisConnector
	ownerID string
	ttl     time.Duration
	now     func() time.Time
}

// NewRedisStore creates the session store for this worker. ownerID is the
// worker identity written into every record it creates.
func NewRedisStore(logger commons.Logger, connector connectors.RedisConnector, ownerID string, ttl time.Duration) Store {
	return &redisStore{
		logger:  logger,
		redis:   connector,
		ownerID: ownerID,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func sessionKey(sessionID string) string { return "session:" + sessionID }
func epochKey(sessionID string) string   { return "session:" + sessionID + ":epoch" }
func eventsChannel(sessionID string) string {
	return "session:" + sessionID + ":events"
}

func (s *redisStore) Create(ctx context.Context, record *SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return commons.E(commons.KindInternal, fmt.Errorf("session: marshal: %w", err))
	}
	ok, err := s.redis.Client().SetNX(ctx, sessionKey(record.SessionID), raw, s.ttl).Result()
	if err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("session: create: %w", err))
	}
	if !ok {
		return ErrAlreadyExists
	}
	s.logger.Infow("session: created",
		"sessionId", record.SessionID, "transport", record.TransportKind, "owner", record.OwnerID)
	return nil
}

func (s *redisStore) Load(ctx context.Context, sessionID string) (*SessionRecord, error) {
	record, _, err := s.load(ctx, sessionID)
	return record, err
}

func (s *redisStore) load(ctx context.Context, sessionID string) (*SessionRecord, string, error) {
	raw, err := s.redis.Client().Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", commons.E(commons.KindUpstream, fmt.Errorf("session: load: %w", err))
	}
	var record SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, "", commons.E(commons.KindInternal, fmt.Errorf("session: corrupt record %s: %w", sessionID, err))
	}
	return &record, raw, nil
}

func (s *redisStore) Mutate(ctx context.Context, sessionID string, fn func(*SessionRecord) error) (*SessionRecord, error) {
	for attempt := 0; attempt < mutateRetries; attempt++ {
		current, raw, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.OwnerID != s.ownerID {
			return nil, ErrNotOwner
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		next.LastActivityAt = s.now()

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, commons.E(commons.KindInternal, fmt.Errorf("session: marshal: %w", err))
		}

		committed, err := compareAndSwap.Run(ctx, s.redis.Client(),
			[]string{sessionKey(sessionID)},
			raw, string(encoded), int(s.ttl.Seconds())).Int()
		if err != nil {
			return nil, commons.E(commons.KindUpstream, fmt.Errorf("session: commit: %w", err))
		}
		if committed == 1 {
			if next.State != current.State {
				s.publish(ctx, sessionID, Event{Type: EventStateChanged, State: next.State})
			}
			return next, nil
		}
		s.logger.Debugw("session: mutate conflict, retrying",
			"sessionId", sessionID, "attempt", attempt+1)
	}
	return nil, ErrConflict
}

// Touch leaves the version alone so activity pings never conflict with a
// concurrent Mutate. A CAS miss means another write just landed and
// stamped the activity time itself; refreshing the TTL is enough then.
func (s *redisStore) Touch(ctx context.Context, sessionID string) error {
	current, raw, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if current.OwnerID != s.ownerID {
		return ErrNotOwner
	}

	next := current.Clone()
	next.LastActivityAt = s.now()
	encoded, err := json.Marshal(next)
	if err != nil {
		return commons.E(commons.KindInternal, fmt.Errorf("session: marshal: %w", err))
	}
	committed, err := compareAndSwap.Run(ctx, s.redis.Client(),
		[]string{sessionKey(sessionID)},
		raw, string(encoded), int(s.ttl.Seconds())).Int()
	if err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("session: touch: %w", err))
	}
	if committed == 1 {
		return nil
	}

	ok, err := s.redis.Client().Expire(ctx, sessionKey(sessionID), s.ttl).Result()
	if err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("session: touch: %w", err))
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *redisStore) BumpCancelEpoch(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := s.redis.Client().Incr(ctx, epochKey(sessionID)).Result()
	if err != nil {
		return 0, commons.E(commons.KindUpstream, fmt.Errorf("session: bump epoch: %w", err))
	}
	s.redis.Client().Expire(ctx, epochKey(sessionID), s.ttl)
	s.publish(ctx, sessionID, Event{Type: EventEpochBumped, Epoch: epoch})
	return epoch, nil
}

func (s *redisStore) CancelEpoch(ctx context.Context, sessionID string) (int64, error) {
	epoch, err := s.redis.Client().Get(ctx, epochKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, commons.E(commons.KindUpstream, fmt.Errorf("session: read epoch: %w", err))
	}
	return epoch, nil
}

func (s *redisStore) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	pubsub := s.redis.Client().Subscribe(ctx, eventsChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, commons.E(commons.KindUpstream, fmt.Errorf("session: subscribe: %w", err))
	}

	events := make(chan Event, 8)
	subscriberCtx, cancel := context.WithCancel(ctx)
	utils.Go(subscriberCtx, func() {
		defer close(events)
		channel := pubsub.Channel()
		for {
			select {
			case <-subscriberCtx.Done():
				return
			case msg, ok := <-channel:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.logger.Warnw("session: invalid event payload", "sessionId", sessionID, "error", err)
					continue
				}
				select {
				case events <- event:
				default:
					// Best-effort delivery; a slow subscriber loses events.
				}
			}
		}
	})

	stop := func() {
		cancel()
		pubsub.Close()
	}
	return events, stop, nil
}

func (s *redisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Client().Del(ctx, sessionKey(sessionID), epochKey(sessionID)).Err(); err != nil {
		return commons.E(commons.KindUpstream, fmt.Errorf("session: delete: %w", err))
	}
	return nil
}

// publish is fire-and-forget: cross-worker notifications are best-effort
// by contract.
func (s *redisStore) publish(ctx context.Context, sessionID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.redis.Client().Publish(ctx, eventsChannel(sessionID), payload).Err(); err != nil {
		s.logger.Debugw("session: publish failed", "sessionId", sessionID, "error", err)
	}
}
