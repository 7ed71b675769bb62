package proposalstore

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
	sqlDB.SetMaxOpenConns(1) // :memory: is per-connection; pin to one so every call sees the same data.
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestSaveInitialAndGet(t *testing.T) {
	s := newTestStore(t)
	sub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Provider}
	id, err := s.SaveInitial(sub, "body-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.Provider, id.Owner())

	p, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Fresh())
	assert.Equal(t, "body-1", p.Body)
}

func TestSaveCounter_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	sub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Provider}
	parent, err := s.SaveInitial(sub, "demand", time.Now().Add(time.Hour))
	require.NoError(t, err)

	child, err := s.SaveCounter(parent, "counter-body", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, model.Requestor, child.Owner())

	has, err := s.HasCounter(parent)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = s.SaveCounter(parent, "another-counter", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrAlreadyCountered)
}

func TestSaveCounter_ParentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveCounter(model.NewProposalId(model.Provider), "body", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestMarkAccepted_FailsIfCountered(t *testing.T) {
	s := newTestStore(t)
	sub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Provider}
	parent, err := s.SaveInitial(sub, "demand", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = s.SaveCounter(parent, "counter-body", time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = s.MarkAccepted(parent)
	assert.ErrorIs(t, err, ErrAlreadyCountered)
}
