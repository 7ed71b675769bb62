// Package agreementstore is the durable Agreement store plus its append-only
// event log and retention sweeper (spec.md §4.3, C4).
package agreementstore

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/negotia/market-core/config"
	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/negotiation/fsm"
	"github.com/negotia/market-core/store/proposalstore"
)

// ErrProposalCountered is returned by Save when the referenced proposal
// already has a counter-proposal.
var ErrProposalCountered = errors.New("agreementstore: proposal countered")

// Exists is returned by Save when an agreement already references the given
// proposal (invariant A2: at most one Agreement per offer_proposal_id).
type Exists struct {
	Existing   model.AgreementId
	ProposalId model.ProposalId
}

func (e *Exists) Error() string {
	return fmt.Sprintf("agreement %s already exists for proposal %s", e.Existing, e.ProposalId)
}

type agreementRow struct {
	Id              string `gorm:"primaryKey"`
	OfferProposalId string `gorm:"uniqueIndex"`
	ProviderId      string
	RequestorId     string
	ValidTo         time.Time
	State           string
	SessionId       *string
	CreatedAt       time.Time
	ApprovedAt      *time.Time
	TerminatedAt    *time.Time
}

func (agreementRow) TableName() string { return "market_agreement" }

type eventRow struct {
	Id          int64  `gorm:"primaryKey;autoIncrement"`
	AgreementId string `gorm:"index"`
	Kind        string
	Reason      *string
	Terminator  string
	Timestamp   time.Time
}

func (eventRow) TableName() string { return "market_agreement_event" }

// Store persists agreements and their event log behind a *gorm.DB connection.
// It shares that connection with proposalstore.Store so that Save's insert
// and its proposal-acceptance side effect commit in one transaction
// (spec.md §4.3, §9 "transaction as the only locking primitive").
type Store struct {
	db *gorm.DB
}

// New wraps db, running AutoMigrate for agreement and event tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&agreementRow{}, &eventRow{}); err != nil {
		return nil, xerrors.Errorf("agreementstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func toRow(a model.Agreement) agreementRow {
	return agreementRow{
		Id:              a.Id.String(),
		OfferProposalId: a.OfferProposalId.String(),
		ProviderId:      string(a.ProviderId),
		RequestorId:     string(a.RequestorId),
		ValidTo:         a.ValidTo,
		State:           string(a.State),
		SessionId:       a.SessionId,
		CreatedAt:       a.CreatedAt,
		ApprovedAt:      a.ApprovedAt,
		TerminatedAt:    a.TerminatedAt,
	}
}

func fromRow(r agreementRow) model.Agreement {
	return model.Agreement{
		Id:              model.AgreementId(r.Id),
		OfferProposalId: model.ProposalId(r.OfferProposalId),
		ProviderId:      model.NodeId(r.ProviderId),
		RequestorId:     model.NodeId(r.RequestorId),
		ValidTo:         r.ValidTo,
		State:           model.AgreementState(r.State),
		SessionId:       r.SessionId,
		CreatedAt:       r.CreatedAt,
		ApprovedAt:      r.ApprovedAt,
		TerminatedAt:    r.TerminatedAt,
	}
}

// Save inserts agreement (which must be in AgreementProposal state) and
// atomically marks its originating proposal accepted. Fails
// ErrProposalCountered if the proposal already has a counter, or *Exists if
// an agreement already references that proposal (invariant A2).
func (s *Store) Save(a model.Agreement) (model.Agreement, error) {
	if a.ProviderId == a.RequestorId {
		return model.Agreement{}, fmt.Errorf("agreementstore: provider_id and requestor_id must differ (A1)")
	}
	if a.State != model.AgreementProposal {
		return model.Agreement{}, fmt.Errorf("agreementstore: new agreement must start in Proposal state, got %s", a.State)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		countered, err := proposalstore.HasCounterTx(tx, a.OfferProposalId)
		if err != nil {
			return err
		}
		if countered {
			return ErrProposalCountered
		}

		var existing agreementRow
		err = tx.First(&existing, "offer_proposal_id = ?", a.OfferProposalId.String()).Error
		switch {
		case err == nil:
			return &Exists{Existing: model.AgreementId(existing.Id), ProposalId: a.OfferProposalId}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return err
		}

		if err := tx.Create(toRowPtr(a)).Error; err != nil {
			return err
		}
		return proposalstore.MarkAcceptedTx(tx, a.OfferProposalId)
	})
	if err != nil {
		var exists *Exists
		if errors.Is(err, ErrProposalCountered) || errors.As(err, &exists) {
			return model.Agreement{}, err
		}
		return model.Agreement{}, xerrors.Errorf("agreementstore: save: %w", err)
	}
	return a, nil
}

func toRowPtr(a model.Agreement) *agreementRow {
	r := toRow(a)
	return &r
}

// Select fetches by id, filtered by expectedOwnerNode when non-nil. If the
// agreement's valid_to has passed and its state admits ->Expired, it is
// expired in the same transaction; an InvalidTransition from that attempt is
// benign (already terminal) and silently absorbed (spec.md §4.3).
func (s *Store) Select(id model.AgreementId, expectedOwnerNode *model.NodeId, now time.Time) (*model.Agreement, error) {
	var out *model.Agreement
	err := s.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", id.String())
		if expectedOwnerNode != nil {
			if id.Owner() == model.Provider {
				q = q.Where("provider_id = ?", string(*expectedOwnerNode))
			} else {
				q = q.Where("requestor_id = ?", string(*expectedOwnerNode))
			}
		}
		var r agreementRow
		if err := q.First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := expireIfDue(tx, &r, now); err != nil {
			return err
		}
		a := fromRow(r)
		out = &a
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("agreementstore: select: %w", err)
	}
	return out, nil
}

// SelectByNode accepts either id or its swap-owner mirror, since the two
// sides hold mirror-image AgreementIds for the same deal (spec.md §4.3). The
// filter requires node to equal either provider_id or requestor_id.
func (s *Store) SelectByNode(id model.AgreementId, node model.NodeId, now time.Time) (*model.Agreement, error) {
	swapped := id.SwapOwner()
	var out *model.Agreement
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var r agreementRow
		err := tx.Where("id IN ? AND (provider_id = ? OR requestor_id = ?)",
			[]string{id.String(), swapped.String()}, string(node), string(node)).First(&r).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := expireIfDue(tx, &r, now); err != nil {
			return err
		}
		a := fromRow(r)
		out = &a
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("agreementstore: select by node: %w", err)
	}
	return out, nil
}

func expireIfDue(tx *gorm.DB, r *agreementRow, now time.Time) error {
	if !r.ValidTo.Before(now) {
		return nil
	}
	if err := updateState(tx, r, model.AgreementExpired); err != nil {
		var invalid *fsm.InvalidTransition
		if errors.As(err, &invalid) {
			return nil // terminal already; expiration is a silent no-op.
		}
		return err
	}
	return nil
}

func updateState(tx *gorm.DB, r *agreementRow, to model.AgreementState) error {
	from := model.AgreementState(r.State)
	if err := fsm.CheckAgreementTransition(from, to); err != nil {
		return err
	}
	if err := tx.Model(&agreementRow{}).Where("id = ?", r.Id).Update("state", string(to)).Error; err != nil {
		return err
	}
	r.State = string(to)
	return nil
}

// Confirm moves an agreement Proposal->Pending, optionally writing session.
// No event is recorded (spec.md §4.3, §9 open question (a)).
func (s *Store) Confirm(id model.AgreementId, session model.AppSessionId) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var r agreementRow
		if err := tx.First(&r, "id = ?", id.String()).Error; err != nil {
			return err
		}
		if err := updateState(tx, &r, model.AgreementPending); err != nil {
			return err
		}
		if session != nil {
			if err := tx.Model(&agreementRow{}).Where("id = ?", r.Id).Update("session_id", *session).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Approve moves Pending->Approved, optionally writes session only if
// provided (never clears an existing one), and records an Approved event
// tagged Provider -- only the provider approves (spec.md §4.3).
func (s *Store) Approve(id model.AgreementId, session model.AppSessionId) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var r agreementRow
		if err := tx.First(&r, "id = ?", id.String()).Error; err != nil {
			return err
		}
		if err := updateState(tx, &r, model.AgreementApproved); err != nil {
			return err
		}
		if session != nil {
			if err := tx.Model(&agreementRow{}).Where("id = ?", r.Id).Update("session_id", *session).Error; err != nil {
				return err
			}
		}
		now := time.Now()
		if err := tx.Model(&agreementRow{}).Where("id = ?", r.Id).Update("approved_at", &now).Error; err != nil {
			return err
		}
		return tx.Create(&eventRow{
			AgreementId: r.Id,
			Kind:        string(model.AgreementEventApproved),
			Terminator:  model.Provider.String(),
			Timestamp:   now,
		}).Error
	})
}

// Reject moves Pending->Rejected and records a Rejected event with reason
// and terminator (spec.md §4.5 RejectAgreement dispatch).
func (s *Store) Reject(id model.AgreementId, reason *string, terminator model.OwnerType) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var r agreementRow
		if err := tx.First(&r, "id = ?", id.String()).Error; err != nil {
			return err
		}
		if err := updateState(tx, &r, model.AgreementRejected); err != nil {
			return err
		}
		return tx.Create(&eventRow{
			AgreementId: r.Id,
			Kind:        string(model.AgreementEventRejected),
			Reason:      reason,
			Terminator:  terminator.String(),
			Timestamp:   time.Now(),
		}).Error
	})
}

// Terminate moves Approved->Terminated and records a Terminated event with
// reason and terminator (spec.md §4.3, invariant A4).
func (s *Store) Terminate(id model.AgreementId, reason *string, terminator model.OwnerType) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var r agreementRow
		if err := tx.First(&r, "id = ?", id.String()).Error; err != nil {
			return err
		}
		if err := updateState(tx, &r, model.AgreementTerminated); err != nil {
			return err
		}
		now := time.Now()
		if err := tx.Model(&agreementRow{}).Where("id = ?", r.Id).Update("terminated_at", &now).Error; err != nil {
			return err
		}
		return tx.Create(&eventRow{
			AgreementId: r.Id,
			Kind:        string(model.AgreementEventTerminated),
			Reason:      reason,
			Terminator:  terminator.String(),
			Timestamp:   now,
		}).Error
	})
}

// Clean deletes agreements whose valid_to is older than the configured
// retention grace interval, and their associated events, in one transaction
// (spec.md §4.3, §6). Returns the number of agreements and events removed.
func (s *Store) Clean() (int64, int64, error) {
	cutoff := time.Now().AddDate(0, 0, -int(config.AgreementStoreDays()))
	var numAgreements, numEvents int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&agreementRow{}).Where("valid_to < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("agreement_id IN ?", ids).Delete(&eventRow{})
		if res.Error != nil {
			return res.Error
		}
		numEvents = res.RowsAffected

		res = tx.Where("id IN ?", ids).Delete(&agreementRow{})
		if res.Error != nil {
			return res.Error
		}
		numAgreements = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, xerrors.Errorf("agreementstore: clean: %w", err)
	}
	return numAgreements, numEvents, nil
}

// Events returns the append-only event log for id, oldest first.
func (s *Store) Events(id model.AgreementId) ([]model.AgreementEvent, error) {
	var rows []eventRow
	if err := s.db.Where("agreement_id = ?", id.String()).Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, xerrors.Errorf("agreementstore: events: %w", err)
	}
	out := make([]model.AgreementEvent, len(rows))
	for i, r := range rows {
		owner := model.Provider
		if r.Terminator == model.Requestor.String() {
			owner = model.Requestor
		}
		out[i] = model.AgreementEvent{
			Id:          r.Id,
			AgreementId: model.AgreementId(r.AgreementId),
			Kind:        model.AgreementEventKind(r.Kind),
			Reason:      r.Reason,
			Terminator:  owner,
			Timestamp:   r.Timestamp,
		}
	}
	return out, nil
}
