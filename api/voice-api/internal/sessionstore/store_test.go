// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package internal_sessionstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzaai/pkg/commons"
	"github.com/cadenzaai/pkg/connectors"
)

const (
	testOwner = "worker-1"
	testTTL   = 24 * time.Hour
)

var frozenNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*redisStore, redismock.ClientMock) {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(logger, connectors.NewRedisConnectorFromClient(logger, client), testOwner, testTTL).(*redisStore)
	store.now = func() time.Time { return frozenNow }
	return store, mock
}

func testRecord(t *testing.T) *SessionRecord {
	t.Helper()
	record := NewSessionRecord("s-1", testOwner, TransportBrowser, "caller-7", 16000)
	record.CreatedAt = frozenNow
	record.LastActivityAt = frozenNow
	return record
}

func marshal(t *testing.T, record *SessionRecord) string {
	t.Helper()
	raw, err := json.Marshal(record)
	require.NoError(t, err)
	return string(raw)
}

func TestStore_CreateNewSession(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)

	mock.ExpectSetNX("session:s-1", []byte(marshal(t, record)), testTTL).SetVal(true)
	require.NoError(t, store.Create(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateExistingSessionFails(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)

	mock.ExpectSetNX("session:s-1", []byte(marshal(t, record)), testTTL).SetVal(false)
	err := store.Create(context.Background(), record)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_LoadMissingSession(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectGet("session:s-404").RedisNil()
	_, err := store.Load(context.Background(), "s-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MutateCommitsWithVersionBump(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	raw := marshal(t, record)

	expected := record.Clone()
	require.NoError(t, expected.Transition(StateListening))
	expected.Version = 2
	expected.LastActivityAt = frozenNow

	mock.ExpectGet("session:s-1").SetVal(raw)
	mock.ExpectEvalSha(compareAndSwap.Hash(),
		[]string{"session:s-1"},
		raw, marshal(t, expected), int(testTTL.Seconds())).SetVal(int64(1))
	// State changed, so a best-effort notification goes out.
	payload, err := json.Marshal(Event{Type: EventStateChanged, State: StateListening})
	require.NoError(t, err)
	mock.ExpectPublish("session:s-1:events", payload).SetVal(1)

	updated, err := store.Mutate(context.Background(), "s-1", func(r *SessionRecord) error {
		return r.Transition(StateListening)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, StateListening, updated.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MutateRejectsNonOwner(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	record.OwnerID = "worker-9"

	mock.ExpectGet("session:s-1").SetVal(marshal(t, record))
	_, err := store.Mutate(context.Background(), "s-1", func(r *SessionRecord) error {
		return r.Transition(StateListening)
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestStore_MutateConflictExhaustsRetries(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	raw := marshal(t, record)

	expected := record.Clone()
	require.NoError(t, expected.Transition(StateListening))
	expected.Version = 2
	expected.LastActivityAt = frozenNow
	encoded := marshal(t, expected)

	for i := 0; i < mutateRetries; i++ {
		mock.ExpectGet("session:s-1").SetVal(raw)
		mock.ExpectEvalSha(compareAndSwap.Hash(),
			[]string{"session:s-1"}, raw, encoded, int(testTTL.Seconds())).SetVal(int64(0))
	}

	_, err := store.Mutate(context.Background(), "s-1", func(r *SessionRecord) error {
		return r.Transition(StateListening)
	})
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MutateRejectsIllegalTransition(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)

	mock.ExpectGet("session:s-1").SetVal(marshal(t, record))
	_, err := store.Mutate(context.Background(), "s-1", func(r *SessionRecord) error {
		return r.Transition(StateSpeaking) // greeting cannot jump to speaking
	})
	require.Error(t, err)
	assert.Equal(t, commons.KindInternal, commons.KindOf(err))
}

func TestStore_TouchStampsActivityWithoutVersionBump(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	record.LastActivityAt = frozenNow.Add(-time.Minute)
	raw := marshal(t, record)

	// Version stays 1 in the committed payload.
	expected := record.Clone()
	expected.LastActivityAt = frozenNow

	mock.ExpectGet("session:s-1").SetVal(raw)
	mock.ExpectEvalSha(compareAndSwap.Hash(),
		[]string{"session:s-1"},
		raw, marshal(t, expected), int(testTTL.Seconds())).SetVal(int64(1))

	require.NoError(t, store.Touch(context.Background(), "s-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TouchConcurrentWriteFallsBackToTTL(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	record.LastActivityAt = frozenNow.Add(-time.Minute)
	raw := marshal(t, record)

	expected := record.Clone()
	expected.LastActivityAt = frozenNow

	mock.ExpectGet("session:s-1").SetVal(raw)
	mock.ExpectEvalSha(compareAndSwap.Hash(),
		[]string{"session:s-1"},
		raw, marshal(t, expected), int(testTTL.Seconds())).SetVal(int64(0))
	mock.ExpectExpire("session:s-1", testTTL).SetVal(true)

	require.NoError(t, store.Touch(context.Background(), "s-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TouchMissingSession(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectGet("session:s-404").RedisNil()
	assert.ErrorIs(t, store.Touch(context.Background(), "s-404"), ErrNotFound)
}

func TestStore_TouchRejectsNonOwner(t *testing.T) {
	store, mock := newTestStore(t)
	record := testRecord(t)
	record.OwnerID = "worker-9"

	mock.ExpectGet("session:s-1").SetVal(marshal(t, record))
	assert.ErrorIs(t, store.Touch(context.Background(), "s-1"), ErrNotOwner)
}

func TestStore_BumpCancelEpochPublishes(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectIncr("session:s-1:epoch").SetVal(3)
	mock.ExpectExpire("session:s-1:epoch", testTTL).SetVal(true)
	payload, err := json.Marshal(Event{Type: EventEpochBumped, Epoch: 3})
	require.NoError(t, err)
	mock.ExpectPublish("session:s-1:events", payload).SetVal(1)

	epoch, err := store.BumpCancelEpoch(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), epoch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CancelEpochDefaultsToZero(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectGet("session:s-1:epoch").RedisNil()
	epoch, err := store.CancelEpoch(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Zero(t, epoch)
}

func TestStore_DeleteRemovesRecordAndEpoch(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectDel("session:s-1", "session:s-1:epoch").SetVal(2)
	require.NoError(t, store.Delete(context.Background(), "s-1"))
}

func TestSessionRecord_AppendTurnTruncatesWindow(t *testing.T) {
	record := testRecord(t)
	for i := 0; i < 5; i++ {
		record.AppendTurn(TurnRecord{TurnIndex: i, TerminalReason: TurnCompleted}, 3)
	}
	assert.Equal(t, 5, record.TurnIndex)
	require.Len(t, record.History, 3)
	assert.Equal(t, 2, record.History[0].TurnIndex, "oldest turns truncated")
}

func TestSessionRecord_CloneIsDeep(t *testing.T) {
	record := testRecord(t)
	record.Context["verified"] = "true"
	record.AppendTurn(TurnRecord{TurnIndex: 0}, 8)

	clone := record.Clone()
	clone.Context["verified"] = "false"
	clone.History[0].UserText = "changed"

	assert.Equal(t, "true", record.Context["verified"])
	assert.Empty(t, record.History[0].UserText)
}

func TestValidateTransition_Table(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateGreeting, StateListening))
	assert.NoError(t, ValidateTransition(StateListening, StateThinking))
	assert.NoError(t, ValidateTransition(StateThinking, StateSpeaking))
	assert.NoError(t, ValidateTransition(StateThinking, StateListening))
	assert.NoError(t, ValidateTransition(StateSpeaking, StateListening))
	assert.NoError(t, ValidateTransition(StateSpeaking, StateEnded))

	assert.Error(t, ValidateTransition(StateEnded, StateListening))
	assert.Error(t, ValidateTransition(StateGreeting, StateSpeaking))
	assert.Error(t, ValidateTransition(StateListening, StateSpeaking))
}
