// Package negotiator holds the policy contract the engine consults to react
// to inbound proposals and agreements (spec.md §4.6, C7). Responses are
// modeled as tagged unions -- a Kind field plus a payload -- rather than a
// response type hierarchy (spec.md §9).
package negotiator

import (
	"context"

	"go.uber.org/zap"

	"github.com/negotia/market-core/model"
)

// ProposalResponseKind tags the variant carried by a ProposalResponse.
type ProposalResponseKind int

const (
	Accept ProposalResponseKind = iota
	Counter
	Ignore
	Reject
)

// ProposalResponse is the result of reacting to an inbound Proposal.
// CounterBody is only meaningful when Kind == Counter.
type ProposalResponse struct {
	Kind        ProposalResponseKind
	CounterBody string
}

// AgreementResponseKind tags the variant carried by an AgreementResponse.
type AgreementResponseKind int

const (
	Approve AgreementResponseKind = iota
	RejectAgreement
)

// AgreementResponse is the result of reacting to a NewAgreementEvent.
type AgreementResponse struct {
	Kind AgreementResponseKind
}

// NodeInfo describes the node publishing an offer, passed opaquely through
// to CreateOffer so strategies can shape their terms around it.
type NodeInfo struct {
	NodeId model.NodeId
	Name   string
}

// Negotiator is the capability set the engine depends on (spec.md §4.6,
// §9 "polymorphism over negotiator strategies"): create_offer,
// react_to_proposal, react_to_agreement.
type Negotiator interface {
	CreateOffer(ctx context.Context, node NodeInfo) (string, error)
	ReactToProposal(ctx context.Context, p model.Proposal) (ProposalResponse, error)
	ReactToAgreement(ctx context.Context, a model.Agreement) (AgreementResponse, error)
}

// AcceptAll is the default bring-up strategy: offers an empty body, accepts
// every inbound proposal and approves every agreement.
type AcceptAll struct{}

func (AcceptAll) CreateOffer(ctx context.Context, node NodeInfo) (string, error) {
	return "{}", nil
}

func (AcceptAll) ReactToProposal(ctx context.Context, p model.Proposal) (ProposalResponse, error) {
	return ProposalResponse{Kind: Accept}, nil
}

func (AcceptAll) ReactToAgreement(ctx context.Context, a model.Agreement) (AgreementResponse, error) {
	return AgreementResponse{Kind: Approve}, nil
}

// New resolves a strategy by name. An unknown name falls back to AcceptAll
// with a warning, rather than failing construction (spec.md §4.6).
func New(name string, logger *zap.Logger) Negotiator {
	switch name {
	case "", "accept-all":
		return AcceptAll{}
	default:
		logger.Warn("unknown negotiator strategy, falling back to accept-all", zap.String("strategy", name))
		return AcceptAll{}
	}
}
