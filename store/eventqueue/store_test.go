package eventqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/negotia/market-core/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func alwaysActive(model.SubscriptionId) (model.SubscriptionState, error) {
	return model.SubscriptionActive, nil
}

// Enqueue 5 events at ts 1..5; take(sub, 3) returns the first 3 and removes
// them; take(sub, 10) returns the remaining 2 (spec.md §8 scenario 5).
func TestTake_DrainsInOrderAndDeletes(t *testing.T) {
	s := newTestStore(t)
	sub := model.NewSubscriptionId()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(sub, model.EventProposalReceived, nil, nil, base.Add(time.Duration(i)*time.Second)))
	}

	first, err := s.Take(sub, 3, alwaysActive)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i, ev := range first {
		assert.True(t, ev.Timestamp.Equal(base.Add(time.Duration(i)*time.Second)))
	}

	second, err := s.Take(sub, 10, alwaysActive)
	require.NoError(t, err)
	require.Len(t, second, 2)
}

// take is idempotent on a second call when nothing new was enqueued between
// calls (spec.md §8).
func TestTake_IdempotentWithNoNewEvents(t *testing.T) {
	s := newTestStore(t)
	sub := model.NewSubscriptionId()
	require.NoError(t, s.Enqueue(sub, model.EventProposalReceived, nil, nil, time.Now()))

	first, err := s.Take(sub, 10, alwaysActive)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := s.Take(sub, 10, alwaysActive)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestTake_UnknownSubscription(t *testing.T) {
	s := newTestStore(t)
	lookup := func(model.SubscriptionId) (model.SubscriptionState, error) {
		return model.SubscriptionNotFound, nil
	}
	_, err := s.Take(model.NewSubscriptionId(), 1, lookup)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestTake_ExpiredSubscription(t *testing.T) {
	s := newTestStore(t)
	lookup := func(model.SubscriptionId) (model.SubscriptionState, error) {
		return model.SubscriptionExpired, nil
	}
	_, err := s.Take(model.NewSubscriptionId(), 1, lookup)
	assert.ErrorIs(t, err, ErrSubscriptionExpired)
}

// remove_all on a queue with remaining rows leaves 0 (spec.md §8 scenario 5).
func TestRemoveAll(t *testing.T) {
	s := newTestStore(t)
	sub := model.NewSubscriptionId()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Enqueue(sub, model.EventProposalReceived, nil, nil, time.Now()))
	}
	require.NoError(t, s.RemoveAll(sub))

	remaining, err := s.Take(sub, 10, alwaysActive)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
