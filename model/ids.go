// Package model holds the identifiers, proposals, subscriptions, events and
// agreements shared across the market stores and engine.
package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// OwnerType tags which side of a negotiation authored a Proposal, or which
// side of an Agreement a given AgreementId addresses.
type OwnerType int

const (
	Provider OwnerType = iota
	Requestor
)

func (o OwnerType) String() string {
	if o == Provider {
		return "Provider"
	}
	return "Requestor"
}

func (o OwnerType) swap() OwnerType {
	if o == Provider {
		return Requestor
	}
	return Provider
}

// NodeId identifies a participant node. Provider and requestor NodeIds on the
// same Agreement must never be equal (A1 in spec.md §3).
type NodeId string

// AppSessionId is an optional application-level correlation string. A nil
// value means "unset"; an explicit write is the only thing that can clear or
// change it once set (spec.md §4.3).
type AppSessionId = *string

// SubscriptionId is an opaque identifier scoped to its issuer.
type SubscriptionId string

// NewSubscriptionId mints a fresh opaque subscription id.
func NewSubscriptionId() SubscriptionId {
	return SubscriptionId(uuid.NewString())
}

// ownerTaggedId is the shared encoding for ProposalId/AgreementId: an owner
// tag prefix followed by a random suffix, so the owner can be recovered
// without a side lookup and the counterpart id can be derived with SwapOwner.
type ownerTaggedId string

func newOwnerTaggedId(owner OwnerType) ownerTaggedId {
	tag := "P"
	if owner == Requestor {
		tag = "R"
	}
	return ownerTaggedId(fmt.Sprintf("%s-%s", tag, uuid.NewString()))
}

func (id ownerTaggedId) owner() OwnerType {
	if strings.HasPrefix(string(id), "R-") {
		return Requestor
	}
	return Provider
}

func (id ownerTaggedId) swapOwner() ownerTaggedId {
	suffix := strings.TrimPrefix(strings.TrimPrefix(string(id), "P-"), "R-")
	tag := "P"
	if id.owner() == Provider {
		tag = "R"
	}
	return ownerTaggedId(fmt.Sprintf("%s-%s", tag, suffix))
}

// ProposalId identifies a Proposal and records which side authored it.
type ProposalId ownerTaggedId

// NewProposalId mints a fresh ProposalId owned by owner.
func NewProposalId(owner OwnerType) ProposalId {
	return ProposalId(newOwnerTaggedId(owner))
}

func (id ProposalId) Owner() OwnerType      { return ownerTaggedId(id).owner() }
func (id ProposalId) SwapOwner() ProposalId { return ProposalId(ownerTaggedId(id).swapOwner()) }
func (id ProposalId) String() string        { return string(id) }

// AgreementId identifies an Agreement. The two sides of the same deal hold
// mirror-image AgreementIds (same suffix, opposite owner tag).
type AgreementId ownerTaggedId

// NewAgreementId mints a fresh AgreementId owned by owner.
func NewAgreementId(owner OwnerType) AgreementId {
	return AgreementId(newOwnerTaggedId(owner))
}

func (id AgreementId) Owner() OwnerType       { return ownerTaggedId(id).owner() }
func (id AgreementId) SwapOwner() AgreementId { return AgreementId(ownerTaggedId(id).swapOwner()) }
func (id AgreementId) String() string         { return string(id) }
