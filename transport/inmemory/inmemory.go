// Package inmemory is a reference Transport implementation wired directly to
// the local proposal, event-queue and agreement stores, standing in for a
// real marketplace transport in tests and local bring-up.
//
// Inbound counterparty traffic is modeled in two stages, mirroring how a
// real transport would buffer network notifications before they become
// durable: PushDemand and PushAgreement append to a shared inbox backed by k8s.io/client-go's
// cache.FIFO (the same ordering primitive offers.go builds its listener
// notifications on), and Collect drains that inbox into the durable event
// queue (C3) before taking from it -- so run_step observes exactly the
// take-and-delete semantics spec.md §4.2 describes, not an ad hoc shortcut.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/cache"

	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/store/agreementstore"
	"github.com/negotia/market-core/store/eventqueue"
	"github.com/negotia/market-core/store/proposalstore"
	"github.com/negotia/market-core/transport"
)

const pollInterval = 20 * time.Millisecond

type inboxItem struct {
	key          string
	sub          model.SubscriptionId
	kind         model.MarketEventKind
	proposalRef  *model.ProposalId
	agreementRef *model.AgreementId
}

func inboxKeyFunc(obj interface{}) (string, error) {
	item, ok := obj.(*inboxItem)
	if !ok {
		return "", fmt.Errorf("inmemory: unexpected inbox item %T", obj)
	}
	return item.key, nil
}

type subEntry struct {
	owner     model.OwnerType
	offerBody string
	expiresAt time.Time
}

// Transport is a same-process reference transport: Subscribe/Collect mirror
// a real marketplace transport's shape, but proposal and agreement traffic
// resolve straight into the local stores instead of crossing the network.
// PushDemand and PushAgreement let a test or a simulated counterparty inject
// inbound events.
type Transport struct {
	mu         sync.Mutex
	subs       map[model.SubscriptionId]*subEntry
	inbox      *cache.FIFO
	seq        int64
	events     *eventqueue.Store
	proposals  *proposalstore.Store
	agreements *agreementstore.Store
	ttl        time.Duration
	logger     *zap.Logger
}

// New builds an in-memory transport backed by the given stores, with
// subscriptions expiring ttl after Subscribe.
func New(proposals *proposalstore.Store, events *eventqueue.Store, agreements *agreementstore.Store, ttl time.Duration, logger *zap.Logger) *Transport {
	return &Transport{
		subs:       make(map[model.SubscriptionId]*subEntry),
		inbox:      cache.NewFIFO(inboxKeyFunc),
		events:     events,
		proposals:  proposals,
		agreements: agreements,
		ttl:        ttl,
		logger:     logger,
	}
}

func (t *Transport) Subscribe(ctx context.Context, offerBody string) (model.SubscriptionId, error) {
	id := model.NewSubscriptionId()
	t.mu.Lock()
	t.subs[id] = &subEntry{
		owner:     model.Provider,
		offerBody: offerBody,
		expiresAt: time.Now().Add(t.ttl),
	}
	t.mu.Unlock()
	return id, nil
}

func (t *Transport) Unsubscribe(ctx context.Context, sub model.SubscriptionId) error {
	t.mu.Lock()
	_, ok := t.subs[sub]
	delete(t.subs, sub)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("inmemory: unsubscribe: unknown subscription %s", sub)
	}
	return t.events.RemoveAll(sub)
}

func (t *Transport) lookup(sub model.SubscriptionId) (model.SubscriptionState, error) {
	t.mu.Lock()
	entry, ok := t.subs[sub]
	t.mu.Unlock()
	if !ok {
		return model.SubscriptionNotFound, nil
	}
	s := model.Subscription{Id: sub, Owner: entry.owner, ExpiresAt: entry.expiresAt}
	return s.StateAt(time.Now()), nil
}

// PushDemand enqueues an inbound demand proposal against sub, standing in
// for a counterparty publishing a matching Demand.
func (t *Transport) PushDemand(sub model.SubscriptionId, demandId model.ProposalId) error {
	return t.push(sub, model.EventProposalReceived, &demandId, nil)
}

// PushAgreement enqueues an inbound agreement notification against sub.
func (t *Transport) PushAgreement(sub model.SubscriptionId, agreementId model.AgreementId, proposalId model.ProposalId) error {
	return t.push(sub, model.EventAgreementReceived, &proposalId, &agreementId)
}

func (t *Transport) push(sub model.SubscriptionId, kind model.MarketEventKind, proposalRef *model.ProposalId, agreementRef *model.AgreementId) error {
	if _, ok := t.lookupEntry(sub); !ok {
		return fmt.Errorf("inmemory: push: unknown subscription %s", sub)
	}
	seq := atomic.AddInt64(&t.seq, 1)
	return t.inbox.Add(&inboxItem{
		key:          fmt.Sprintf("%s-%d", sub, seq),
		sub:          sub,
		kind:         kind,
		proposalRef:  proposalRef,
		agreementRef: agreementRef,
	})
}

func (t *Transport) lookupEntry(sub model.SubscriptionId) (*subEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.subs[sub]
	return e, ok
}

// drainInbox moves every currently queued inbox item into the durable event
// queue. Non-blocking: List()+Delete() rather than FIFO's blocking Pop, so it
// composes with the bounded wait in Collect.
func (t *Transport) drainInbox() error {
	for _, obj := range t.inbox.List() {
		item := obj.(*inboxItem)
		if err := t.inbox.Delete(item); err != nil {
			return err
		}
		if err := t.events.Enqueue(item.sub, item.kind, item.proposalRef, item.agreementRef, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// Collect drains up to maxEvents for sub, waiting at most timeout for them
// to arrive (spec.md §4.5, §5 "explicit bound so a step cannot block
// indefinitely").
func (t *Transport) Collect(ctx context.Context, sub model.SubscriptionId, maxEvents int, timeout time.Duration) ([]transport.ProviderEvent, error) {
	if _, ok := t.lookupEntry(sub); !ok {
		return nil, fmt.Errorf("inmemory: collect: unknown subscription %s", sub)
	}

	var out []transport.ProviderEvent
	err := wait.PollImmediate(pollInterval, timeout, func() (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		if err := t.drainInbox(); err != nil {
			return false, err
		}
		rows, err := t.events.Take(sub, maxEvents-len(out), t.lookup)
		if err != nil {
			return false, err
		}
		for _, r := range rows {
			out = append(out, translate(r))
		}
		return len(out) >= maxEvents, nil
	})
	if err != nil && err != wait.ErrWaitTimeout {
		return nil, err
	}
	return out, nil
}

func translate(ev model.MarketEvent) transport.ProviderEvent {
	switch ev.Kind {
	case model.EventAgreementReceived:
		pe := transport.ProviderEvent{Kind: transport.NewAgreementEvent}
		if ev.AgreementRef != nil {
			pe.AgreementId = *ev.AgreementRef
		}
		if ev.ProposalRef != nil {
			pe.ProposalId = *ev.ProposalRef
		}
		return pe
	default: // EventProposalReceived and anything else surfaced as a demand
		pe := transport.ProviderEvent{Kind: transport.DemandEvent}
		if ev.ProposalRef != nil {
			pe.DemandId = *ev.ProposalRef
		}
		return pe
	}
}

func (t *Transport) GetProposal(ctx context.Context, sub model.SubscriptionId, id model.ProposalId) (model.Proposal, error) {
	p, err := t.proposals.Get(id)
	if err != nil {
		return model.Proposal{}, err
	}
	if p == nil {
		return model.Proposal{}, fmt.Errorf("inmemory: get proposal: %s not found", id)
	}
	return *p, nil
}

func (t *Transport) CreateProposal(ctx context.Context, body string, sub model.SubscriptionId, parent *model.ProposalId) (model.ProposalId, error) {
	if parent == nil {
		entry, ok := t.lookupEntry(sub)
		if !ok {
			return "", fmt.Errorf("inmemory: create proposal: unknown subscription %s", sub)
		}
		return t.proposals.SaveInitial(model.Subscription{
			Id:        sub,
			Owner:     entry.owner,
			Body:      entry.offerBody,
			ExpiresAt: entry.expiresAt,
		}, body, entry.expiresAt)
	}
	return t.proposals.SaveCounter(*parent, body, time.Now().Add(t.ttl))
}

func (t *Transport) RejectProposal(ctx context.Context, sub model.SubscriptionId, id model.ProposalId) error {
	return t.proposals.MarkCountered(id)
}

// ApproveAgreement fulfills the "eventually causes Pending->Approved" contract
// (spec.md §4.5) directly, since this transport has no separate counterparty
// process to do it asynchronously.
func (t *Transport) ApproveAgreement(ctx context.Context, id model.AgreementId) error {
	return t.agreements.Approve(id, nil)
}

func (t *Transport) RejectAgreement(ctx context.Context, id model.AgreementId) error {
	return t.agreements.Reject(id, nil, model.Provider)
}
