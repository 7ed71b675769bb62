package model

import "time"

// AgreementState is a node in the C5 negotiation state machine (spec.md §4.4,
// §4.5 table). Transitions are validated exclusively by negotiation/fsm.
type AgreementState string

const (
	AgreementProposal   AgreementState = "Proposal"
	AgreementPending    AgreementState = "Pending"
	AgreementCancelled  AgreementState = "Cancelled"
	AgreementRejected   AgreementState = "Rejected"
	AgreementApproved   AgreementState = "Approved"
	AgreementExpired    AgreementState = "Expired"
	AgreementTerminated AgreementState = "Terminated"
)

// Agreement is a bound, durable commitment derived from a final accepted
// Proposal (spec.md §3). ProviderId and RequestorId must never be equal
// (invariant A1).
type Agreement struct {
	Id              AgreementId
	OfferProposalId ProposalId
	ProviderId      NodeId
	RequestorId     NodeId
	ValidTo         time.Time
	State           AgreementState
	SessionId       AppSessionId
	CreatedAt       time.Time
	ApprovedAt      *time.Time
	TerminatedAt    *time.Time
}

// AgreementEventKind tags the payload of an AgreementEvent.
type AgreementEventKind string

const (
	AgreementEventApproved   AgreementEventKind = "Approved"
	AgreementEventTerminated AgreementEventKind = "Terminated"
	AgreementEventRejected   AgreementEventKind = "Rejected"
	AgreementEventCancelled  AgreementEventKind = "Cancelled"
)

// AgreementEvent is an append-only record in the agreement's event log
// (spec.md §3, §4.3). Retained alongside its agreement until swept by clean().
type AgreementEvent struct {
	Id          int64
	AgreementId AgreementId
	Kind        AgreementEventKind
	Reason      *string
	Terminator  OwnerType
	Timestamp   time.Time
}
