package model

import "time"

// Proposal is one node in the negotiation tree rooted at an initial Offer or
// Demand. Body is the opaque properties+constraints payload; matching its
// contents is out of scope (spec.md §1).
type Proposal struct {
	Id             ProposalId
	SubscriptionId SubscriptionId
	Body           string
	PrevProposalId *ProposalId
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Accepted       bool
	Countered      bool
}

// Fresh reports whether neither terminal proposal flag has been set yet.
// Accepted and Countered are mutually exclusive and terminal for this node
// (spec.md §4.4): further negotiation happens on child proposals.
func (p Proposal) Fresh() bool {
	return !p.Accepted && !p.Countered
}
