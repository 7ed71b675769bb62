package agreementstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/store/proposalstore"
)

type testStores struct {
	agreements *Store
	proposals  *proposalstore.Store
}

func newTestStores(t *testing.T) testStores {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	proposals, err := proposalstore.New(db)
	require.NoError(t, err)
	agreements, err := New(db)
	require.NoError(t, err)
	return testStores{agreements: agreements, proposals: proposals}
}

func newProposal(t *testing.T, ts testStores) model.ProposalId {
	t.Helper()
	sub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Provider}
	id, err := ts.proposals.SaveInitial(sub, "body", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return id
}

func newAgreement(proposalId model.ProposalId) model.Agreement {
	return model.Agreement{
		Id:              model.NewAgreementId(model.Provider),
		OfferProposalId: proposalId,
		ProviderId:      model.NodeId("provider-1"),
		RequestorId:     model.NodeId("requestor-1"),
		ValidTo:         time.Now().Add(time.Hour),
		State:           model.AgreementProposal,
		CreatedAt:       time.Now(),
	}
}

func TestSave_MarksProposalAccepted(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	a := newAgreement(proposalId)

	_, err := ts.agreements.Save(a)
	require.NoError(t, err)

	p, err := ts.proposals.Get(proposalId)
	require.NoError(t, err)
	assert.True(t, p.Accepted)
}

// save(a) then save(a) -> second call fails Exists (spec.md §8 round-trip).
func TestSave_SecondCallFailsExists(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	a := newAgreement(proposalId)

	_, err := ts.agreements.Save(a)
	require.NoError(t, err)

	a2 := newAgreement(proposalId)
	_, err = ts.agreements.Save(a2)
	var exists *Exists
	assert.ErrorAs(t, err, &exists)
}

// Counter then agreement: a save on a countered proposal fails ProposalCountered
// (spec.md §8 scenario 2).
func TestSave_FailsIfProposalCountered(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	_, err := ts.proposals.SaveCounter(proposalId, "counter", time.Now().Add(time.Hour))
	require.NoError(t, err)

	a := newAgreement(proposalId)
	_, err = ts.agreements.Save(a)
	assert.ErrorIs(t, err, ErrProposalCountered)
}

func TestSave_RejectsEqualProviderAndRequestor(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	a := newAgreement(proposalId)
	a.RequestorId = a.ProviderId

	_, err := ts.agreements.Save(a)
	assert.Error(t, err)
}

func TestConfirmApproveTerminate_RecordsEvents(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	a := newAgreement(proposalId)
	saved, err := ts.agreements.Save(a)
	require.NoError(t, err)

	require.NoError(t, ts.agreements.Confirm(saved.Id, nil))

	// confirm then confirm -> second call fails InvalidTransition{Pending,Pending}.
	err = ts.agreements.Confirm(saved.Id, nil)
	assert.Error(t, err)

	require.NoError(t, ts.agreements.Approve(saved.Id, nil))

	reason := "done"
	require.NoError(t, ts.agreements.Terminate(saved.Id, &reason, model.Requestor))

	events, err := ts.agreements.Events(saved.Id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AgreementEventApproved, events[0].Kind)
	assert.Equal(t, model.AgreementEventTerminated, events[1].Kind)
}

// An agreement queried after its valid_to has passed reports Expired, and the
// persisted row reflects it (spec.md §8 scenario 4).
func TestSelect_ExpiresLazily(t *testing.T) {
	ts := newTestStores(t)
	proposalId := newProposal(t, ts)
	a := newAgreement(proposalId)
	a.ValidTo = time.Now().Add(-time.Minute)
	saved, err := ts.agreements.Save(a)
	require.NoError(t, err)

	now := time.Now()
	got, err := ts.agreements.Select(saved.Id, nil, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.AgreementExpired, got.State)

	again, err := ts.agreements.Select(saved.Id, nil, now)
	require.NoError(t, err)
	assert.Equal(t, model.AgreementExpired, again.State)
}

// clean() removes agreements past the retention window and their events,
// retaining recent ones (spec.md §8 scenario 6).
func TestClean_RemovesOnlyExpiredRetention(t *testing.T) {
	ts := newTestStores(t)

	oldProposal := newProposal(t, ts)
	oldAgreement := newAgreement(oldProposal)
	oldAgreement.ValidTo = time.Now().AddDate(0, 0, -120)
	savedOld, err := ts.agreements.Save(oldAgreement)
	require.NoError(t, err)
	require.NoError(t, ts.agreements.Confirm(savedOld.Id, nil))
	require.NoError(t, ts.agreements.Approve(savedOld.Id, nil))

	recentProposal := newProposal(t, ts)
	recentAgreement := newAgreement(recentProposal)
	recentAgreement.ValidTo = time.Now().AddDate(0, 0, -10)
	savedRecent, err := ts.agreements.Save(recentAgreement)
	require.NoError(t, err)

	numAgreements, numEvents, err := ts.agreements.Clean()
	require.NoError(t, err)
	assert.Equal(t, int64(1), numAgreements)
	assert.Equal(t, int64(1), numEvents)

	gone, err := ts.agreements.Select(savedOld.Id, nil, time.Now())
	require.NoError(t, err)
	assert.Nil(t, gone)

	stillThere, err := ts.agreements.Select(savedRecent.Id, nil, time.Now())
	require.NoError(t, err)
	assert.NotNil(t, stillThere)
}
