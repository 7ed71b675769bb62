package fsm

import "fmt"

// ProposalFlag is the dual-flag machine for a Proposal node: Fresh until
// either Accepted or Countered is set, at which point the node is terminal
// for further negotiation (spec.md §4.4).
type ProposalFlag int

const (
	ProposalFresh ProposalFlag = iota
	ProposalAccepted
	ProposalCountered
)

// ErrProposalNotFresh is returned when trying to move a non-Fresh proposal.
type ErrProposalNotFresh struct {
	Current ProposalFlag
}

func (e *ErrProposalNotFresh) Error() string {
	return fmt.Sprintf("proposal is not Fresh (current=%d), cannot accept or counter again", e.Current)
}

// CheckProposalTransition allows only Fresh->Accepted and Fresh->Countered.
func CheckProposalTransition(current, to ProposalFlag) error {
	if current != ProposalFresh {
		return &ErrProposalNotFresh{Current: current}
	}
	if to == ProposalAccepted || to == ProposalCountered {
		return nil
	}
	return fmt.Errorf("proposal transition to %d is not legal", to)
}
