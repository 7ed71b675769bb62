// Package transport defines the marketplace transport surface the engine
// consumes (spec.md §6, C6). Implementations carry subscriptions and
// proposal/agreement traffic to and from the counterparty network; this
// package only states the contract.
package transport

import (
	"context"
	"time"

	"github.com/negotia/market-core/model"
)

// ProviderEventKind tags the variant carried by a ProviderEvent (spec.md §9
// "tagged variants instead of event hierarchies").
type ProviderEventKind int

const (
	DemandEvent ProviderEventKind = iota
	NewAgreementEvent
)

// ProviderEvent is one inbound occurrence surfaced by Collect.
type ProviderEvent struct {
	Kind        ProviderEventKind
	DemandId    model.ProposalId  // set for DemandEvent
	AgreementId model.AgreementId // set for NewAgreementEvent
	ProposalId  model.ProposalId  // set for NewAgreementEvent: the anchoring proposal
}

// Transport is the marketplace transport surface required by the engine
// (spec.md §6).
type Transport interface {
	Subscribe(ctx context.Context, offerBody string) (model.SubscriptionId, error)
	Unsubscribe(ctx context.Context, sub model.SubscriptionId) error
	Collect(ctx context.Context, sub model.SubscriptionId, maxEvents int, timeout time.Duration) ([]ProviderEvent, error)
	GetProposal(ctx context.Context, sub model.SubscriptionId, id model.ProposalId) (model.Proposal, error)
	CreateProposal(ctx context.Context, body string, sub model.SubscriptionId, parent *model.ProposalId) (model.ProposalId, error)
	RejectProposal(ctx context.Context, sub model.SubscriptionId, id model.ProposalId) error
	ApproveAgreement(ctx context.Context, id model.AgreementId) error
	RejectAgreement(ctx context.Context, id model.AgreementId) error
}
