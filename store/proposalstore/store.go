// Package proposalstore is the durable tree of proposals per subscription
// (spec.md §4.1, C2). Every operation commits in a single transaction.
package proposalstore

import (
	"errors"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/negotia/market-core/model"
)

// ErrAlreadyCountered is returned by SaveCounter when the parent already has
// a counter-proposal, and by MarkAccepted when any child exists.
var ErrAlreadyCountered = errors.New("proposal: already countered")

// ErrParentNotFound is returned by SaveCounter when the parent proposal does
// not exist.
var ErrParentNotFound = errors.New("proposal: parent not found")

// row is the GORM-mapped persistence shape of model.Proposal.
type row struct {
	Id             string `gorm:"primaryKey"`
	SubscriptionId string `gorm:"index"`
	Body           string
	PrevProposalId *string `gorm:"index"`
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Accepted       bool
	Countered      bool
}

func (row) TableName() string { return "market_proposal" }

// Store persists proposals behind a *gorm.DB connection.
type Store struct {
	db *gorm.DB
}

// New wraps db, running AutoMigrate for the proposal table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, xerrors.Errorf("proposalstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func toRow(p model.Proposal) row {
	var prev *string
	if p.PrevProposalId != nil {
		s := p.PrevProposalId.String()
		prev = &s
	}
	return row{
		Id:             p.Id.String(),
		SubscriptionId: string(p.SubscriptionId),
		Body:           p.Body,
		PrevProposalId: prev,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
		Accepted:       p.Accepted,
		Countered:      p.Countered,
	}
}

func fromRow(r row) model.Proposal {
	var prev *model.ProposalId
	if r.PrevProposalId != nil {
		id := model.ProposalId(*r.PrevProposalId)
		prev = &id
	}
	return model.Proposal{
		Id:             model.ProposalId(r.Id),
		SubscriptionId: model.SubscriptionId(r.SubscriptionId),
		Body:           r.Body,
		PrevProposalId: prev,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		Accepted:       r.Accepted,
		Countered:      r.Countered,
	}
}

// SaveInitial inserts the root proposal of a negotiation tree for subscription.
func (s *Store) SaveInitial(sub model.Subscription, body string, expiresAt time.Time) (model.ProposalId, error) {
	id := model.NewProposalId(sub.Owner)
	p := model.Proposal{
		Id:             id,
		SubscriptionId: sub.Id,
		Body:           body,
		CreatedAt:      time.Now(),
		ExpiresAt:      expiresAt,
	}
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(toRowPtr(p)).Error
	}); err != nil {
		return "", xerrors.Errorf("proposalstore: save initial: %w", err)
	}
	return id, nil
}

func toRowPtr(p model.Proposal) *row {
	r := toRow(p)
	return &r
}

// SaveCounter inserts a counter-proposal as a child of parentId, owned by the
// opposite side. Fails ErrAlreadyCountered if the parent already has a
// counter, ErrParentNotFound if the parent is missing.
func (s *Store) SaveCounter(parentId model.ProposalId, body string, expiresAt time.Time) (model.ProposalId, error) {
	var newId model.ProposalId
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var parent row
		if err := tx.First(&parent, "id = ?", parentId.String()).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrParentNotFound
			}
			return err
		}

		var existingChild int64
		if err := tx.Model(&row{}).Where("prev_proposal_id = ?", parentId.String()).Count(&existingChild).Error; err != nil {
			return err
		}
		if existingChild > 0 {
			return ErrAlreadyCountered
		}

		counterOwner := model.Requestor
		if parentId.Owner() == model.Requestor {
			counterOwner = model.Provider
		}
		newId = model.NewProposalId(counterOwner)
		parentStr := parentId.String()
		child := row{
			Id:             newId.String(),
			SubscriptionId: parent.SubscriptionId,
			Body:           body,
			PrevProposalId: &parentStr,
			CreatedAt:      time.Now(),
			ExpiresAt:      expiresAt,
		}
		if err := tx.Create(&child).Error; err != nil {
			return err
		}
		return tx.Model(&row{}).Where("id = ?", parentId.String()).Update("countered", true).Error
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyCountered) || errors.Is(err, ErrParentNotFound) {
			return "", err
		}
		return "", xerrors.Errorf("proposalstore: save counter: %w", err)
	}
	return newId, nil
}

// Get fetches a proposal by id, reachable in constant time (spec.md §3 (d)).
func (s *Store) Get(id model.ProposalId) (*model.Proposal, error) {
	var r row
	if err := s.db.First(&r, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, xerrors.Errorf("proposalstore: get: %w", err)
	}
	p := fromRow(r)
	return &p, nil
}

// MarkAccepted flags id as accepted. Fails ErrAlreadyCountered if any child
// proposal already exists (invariant (b): at most one accepted child).
func (s *Store) MarkAccepted(id model.ProposalId) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return MarkAcceptedTx(tx, id)
	})
}

// MarkAcceptedTx is MarkAccepted run against a transaction owned by a caller
// -- used by agreementstore.Save so the agreement insert and the proposal
// acceptance commit atomically together (spec.md §4.3, §9).
func MarkAcceptedTx(tx *gorm.DB, id model.ProposalId) error {
	var count int64
	if err := tx.Model(&row{}).Where("prev_proposal_id = ?", id.String()).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrAlreadyCountered
	}
	return tx.Model(&row{}).Where("id = ?", id.String()).Update("accepted", true).Error
}

// MarkCountered flags id as countered, forbidding any future agreement
// derived from it (invariant (c)).
func (s *Store) MarkCountered(id model.ProposalId) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Model(&row{}).Where("id = ?", id.String()).Update("countered", true).Error
	})
}

// HasCounter reports whether id has a counter-proposal marked against it.
func (s *Store) HasCounter(id model.ProposalId) (bool, error) {
	return HasCounterTx(s.db, id)
}

// HasCounterTx is HasCounter run against a transaction owned by a caller --
// used by agreementstore.Save so its pre-flight check and insert are part of
// the same transaction.
func HasCounterTx(tx *gorm.DB, id model.ProposalId) (bool, error) {
	var r row
	err := tx.First(&r, "id = ?", id.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return r.Countered, nil
}
