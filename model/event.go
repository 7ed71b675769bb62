package model

import "time"

// MarketEventKind tags the payload carried by a MarketEvent. MarketEvent is a
// tagged union (spec.md §9 "tagged variants instead of event hierarchies")
// rather than an event type hierarchy.
type MarketEventKind string

const (
	EventProposalReceived    MarketEventKind = "ProposalReceived"
	EventProposalRejected    MarketEventKind = "ProposalRejected"
	EventPropertyQuery       MarketEventKind = "PropertyQuery"
	EventAgreementReceived   MarketEventKind = "AgreementReceived"
	EventAgreementTerminated MarketEventKind = "AgreementTerminated"
)

// MarketEvent is queued per-subscription and taken exactly once (spec.md §3).
type MarketEvent struct {
	Id             int64
	SubscriptionId SubscriptionId
	Kind           MarketEventKind
	ProposalRef    *ProposalId
	AgreementRef   *AgreementId
	Timestamp      time.Time
}
