// Package eventqueue is the per-subscription FIFO of pending negotiation
// events (spec.md §4.2, C3). take is the atomic read-and-delete step that
// gives each side exactly-once delivery.
package eventqueue

import (
	"errors"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/negotia/market-core/model"
)

// ErrSubscriptionNotFound is returned by Take when the subscription is
// unknown to the caller (never subscribed, or already unsubscribed).
var ErrSubscriptionNotFound = errors.New("eventqueue: subscription not found")

// ErrSubscriptionExpired is returned by Take when the subscription's expiry
// has passed.
var ErrSubscriptionExpired = errors.New("eventqueue: subscription expired")

// SubscriptionLookup resolves subscription lifecycle state for Take, kept
// external to this package because subscription ownership lives with the
// caller of the store (spec.md §4.2 "does not enforce cross-subscription
// semantics").
type SubscriptionLookup func(id model.SubscriptionId) (model.SubscriptionState, error)

type row struct {
	Id             int64  `gorm:"primaryKey;autoIncrement"`
	SubscriptionId string `gorm:"index"`
	Kind           string
	ProposalRef    *string
	AgreementRef   *string
	Timestamp      time.Time `gorm:"index"`
}

func (row) TableName() string { return "market_event" }

// Store persists the event queue behind a *gorm.DB connection.
type Store struct {
	db *gorm.DB
}

// New wraps db, running AutoMigrate for the event table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, xerrors.Errorf("eventqueue: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Enqueue appends event to subscriptionId's queue.
func (s *Store) Enqueue(subscriptionId model.SubscriptionId, kind model.MarketEventKind, proposalRef *model.ProposalId, agreementRef *model.AgreementId, ts time.Time) error {
	var pref, aref *string
	if proposalRef != nil {
		v := proposalRef.String()
		pref = &v
	}
	if agreementRef != nil {
		v := agreementRef.String()
		aref = &v
	}
	r := row{
		SubscriptionId: string(subscriptionId),
		Kind:           string(kind),
		ProposalRef:    pref,
		AgreementRef:   aref,
		Timestamp:      ts,
	}
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&r).Error
	}); err != nil {
		return xerrors.Errorf("eventqueue: enqueue: %w", err)
	}
	return nil
}

// Take is the atomic check-subscription / read-up-to-max / delete step
// (spec.md §4.2). Events are returned in ascending timestamp order.
func (s *Store) Take(subscriptionId model.SubscriptionId, max int, lookup SubscriptionLookup) ([]model.MarketEvent, error) {
	var out []model.MarketEvent
	err := s.db.Transaction(func(tx *gorm.DB) error {
		state, err := lookup(subscriptionId)
		if err != nil {
			return err
		}
		switch state {
		case model.SubscriptionNotFound:
			return ErrSubscriptionNotFound
		case model.SubscriptionExpired:
			return ErrSubscriptionExpired
		}

		var rows []row
		if err := tx.Where("subscription_id = ?", string(subscriptionId)).
			Order("timestamp asc").Limit(max).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.Id
		}
		if err := tx.Where("id IN ?", ids).Delete(&row{}).Error; err != nil {
			return err
		}

		out = make([]model.MarketEvent, len(rows))
		for i, r := range rows {
			out[i] = fromRow(r)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrSubscriptionExpired) {
			return nil, err
		}
		return nil, xerrors.Errorf("eventqueue: take: %w", err)
	}
	return out, nil
}

// RemoveAll deletes every queued event for subscriptionId, called during
// unsubscribe.
func (s *Store) RemoveAll(subscriptionId model.SubscriptionId) error {
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Where("subscription_id = ?", string(subscriptionId)).Delete(&row{}).Error
	}); err != nil {
		return xerrors.Errorf("eventqueue: remove all: %w", err)
	}
	return nil
}

func fromRow(r row) model.MarketEvent {
	var pref *model.ProposalId
	if r.ProposalRef != nil {
		v := model.ProposalId(*r.ProposalRef)
		pref = &v
	}
	var aref *model.AgreementId
	if r.AgreementRef != nil {
		v := model.AgreementId(*r.AgreementRef)
		aref = &v
	}
	return model.MarketEvent{
		Id:             r.Id,
		SubscriptionId: model.SubscriptionId(r.SubscriptionId),
		Kind:           model.MarketEventKind(r.Kind),
		ProposalRef:    pref,
		AgreementRef:   aref,
		Timestamp:      r.Timestamp,
	}
}
