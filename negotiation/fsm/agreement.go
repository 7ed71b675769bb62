// Package fsm is the pure legality oracle for Agreement and Proposal state
// transitions (spec.md §4.4, C5). It holds no state of its own and performs
// no I/O: stores call into it before persisting a transition.
package fsm

import (
	"fmt"

	"github.com/negotia/market-core/model"
)

// InvalidTransition is returned whenever a requested state change is not in
// the legal transition table.
type InvalidTransition struct {
	From model.AgreementState
	To   model.AgreementState
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("can't update Agreement state from %s to %s", e.From, e.To)
}

var agreementTransitions = map[model.AgreementState]map[model.AgreementState]bool{
	model.AgreementProposal: {
		model.AgreementPending:   true,
		model.AgreementCancelled: true,
		model.AgreementExpired:   true,
	},
	model.AgreementPending: {
		model.AgreementCancelled: true,
		model.AgreementRejected:  true,
		model.AgreementApproved:  true,
		model.AgreementExpired:   true,
	},
	model.AgreementApproved: {
		model.AgreementTerminated: true,
	},
	// Cancelled, Rejected, Expired, Terminated are terminal: no outgoing edges.
}

// CheckAgreementTransition implements exactly the table in spec.md §4.5.
// Self-loops are always illegal, even for terminal states.
func CheckAgreementTransition(from, to model.AgreementState) error {
	if allowed, ok := agreementTransitions[from]; ok && allowed[to] {
		return nil
	}
	return &InvalidTransition{From: from, To: to}
}
