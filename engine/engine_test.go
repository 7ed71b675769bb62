package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/negotiator"
	"github.com/negotia/market-core/store/agreementstore"
	"github.com/negotia/market-core/store/eventqueue"
	"github.com/negotia/market-core/store/proposalstore"
	"github.com/negotia/market-core/transport/inmemory"
)

type fixture struct {
	engine     *Engine
	transport  *inmemory.Transport
	proposals  *proposalstore.Store
	agreements *agreementstore.Store
}

func newFixture(t *testing.T, n negotiator.Negotiator) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	proposals, err := proposalstore.New(db)
	require.NoError(t, err)
	events, err := eventqueue.New(db)
	require.NoError(t, err)
	agreements, err := agreementstore.New(db)
	require.NoError(t, err)

	tp := inmemory.New(proposals, events, agreements, time.Hour, zap.NewNop())
	eng := New(tp, n, proposals, agreements, zap.NewNop())
	return fixture{engine: eng, transport: tp, proposals: proposals, agreements: agreements}
}

// Happy path provider (spec.md §8 scenario 1): accept an inbound demand,
// then approve the resulting agreement.
func TestEngine_HappyPathProvider(t *testing.T) {
	f := newFixture(t, negotiator.AcceptAll{})
	ctx := context.Background()

	sub, err := f.engine.CreateOffer(ctx, negotiator.NodeInfo{NodeId: model.NodeId("provider-1"), Name: "p1"})
	require.NoError(t, err)

	demandSub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Requestor}
	demandId, err := f.proposals.SaveInitial(demandSub, "demand-body", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.transport.PushDemand(sub, demandId))
	require.NoError(t, f.engine.RunStep(ctx))

	agreement := model.Agreement{
		Id:              model.NewAgreementId(model.Provider),
		OfferProposalId: demandId,
		ProviderId:      model.NodeId("provider-1"),
		RequestorId:     model.NodeId("requestor-1"),
		ValidTo:         time.Now().Add(time.Hour),
		State:           model.AgreementProposal,
		CreatedAt:       time.Now(),
	}
	saved, err := f.agreements.Save(agreement)
	require.NoError(t, err)
	require.NoError(t, f.agreements.Confirm(saved.Id, nil))

	p, err := f.proposals.Get(demandId)
	require.NoError(t, err)
	assert.True(t, p.Accepted)

	require.NoError(t, f.transport.PushAgreement(sub, saved.Id, demandId))
	require.NoError(t, f.engine.RunStep(ctx))

	got, err := f.agreements.Select(saved.Id, nil, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.AgreementApproved, got.State)

	agEvents, err := f.agreements.Events(saved.Id)
	require.NoError(t, err)
	require.Len(t, agEvents, 1)
	assert.Equal(t, model.AgreementEventApproved, agEvents[0].Kind)
}

// counterNegotiator always counters an inbound proposal with a fixed body.
type counterNegotiator struct {
	negotiator.AcceptAll
	body string
}

func (c counterNegotiator) ReactToProposal(ctx context.Context, p model.Proposal) (negotiator.ProposalResponse, error) {
	return negotiator.ProposalResponse{Kind: negotiator.Counter, CounterBody: c.body}, nil
}

// Counter then agreement (spec.md §8 scenario 2): countering a proposal
// marks it countered, and a later save(agreement) against it fails
// ProposalCountered.
func TestEngine_CounterThenAgreementFails(t *testing.T) {
	f := newFixture(t, counterNegotiator{body: "counter-body"})
	ctx := context.Background()

	sub, err := f.engine.CreateOffer(ctx, negotiator.NodeInfo{NodeId: model.NodeId("provider-1"), Name: "p1"})
	require.NoError(t, err)

	demandSub := model.Subscription{Id: model.NewSubscriptionId(), Owner: model.Requestor}
	demandId, err := f.proposals.SaveInitial(demandSub, "demand-body", time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.transport.PushDemand(sub, demandId))
	require.NoError(t, f.engine.RunStep(ctx))

	has, err := f.proposals.HasCounter(demandId)
	require.NoError(t, err)
	assert.True(t, has)

	agreement := model.Agreement{
		Id:              model.NewAgreementId(model.Provider),
		OfferProposalId: demandId,
		ProviderId:      model.NodeId("provider-1"),
		RequestorId:     model.NodeId("requestor-1"),
		ValidTo:         time.Now().Add(time.Hour),
		State:           model.AgreementProposal,
		CreatedAt:       time.Now(),
	}
	_, err = f.agreements.Save(agreement)
	assert.ErrorIs(t, err, agreementstore.ErrProposalCountered)
}
