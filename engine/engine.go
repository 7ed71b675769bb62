// Package engine is the market engine (C6, spec.md §4.5): it orchestrates
// subscribe, collect, dispatch-to-negotiator and the resulting
// counter/accept/reject/approve calls, coordinating C2-C5. It issues no
// terminate calls. The
// run loop shape is grounded on plugin.go's queuer/binder dispatch loop,
// replacing pod-scheduling with proposal/agreement negotiation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/negotia/market-core/metrics"
	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/negotiator"
	"github.com/negotia/market-core/store/agreementstore"
	"github.com/negotia/market-core/store/proposalstore"
	"github.com/negotia/market-core/transport"
)

// collectTimeout bounds a single Collect call per subscription per step
// (spec.md §4.5, §5 "explicit bound").
const collectTimeout = 2 * time.Second

type activeSubscription struct {
	offerBody string
}

// Engine is one cooperative, single-threaded market engine instance
// (spec.md §5: "cooperative single-threaded per market engine instance").
type Engine struct {
	transport  transport.Transport
	negotiator negotiator.Negotiator
	proposals  *proposalstore.Store
	agreements *agreementstore.Store
	logger     *zap.Logger

	mu   sync.Mutex
	subs map[model.SubscriptionId]activeSubscription
}

// New builds a market engine. t, n, proposals and agreements must share the
// same backing store/transport wiring for the transactional guarantees in
// spec.md §5 to hold.
func New(t transport.Transport, n negotiator.Negotiator, proposals *proposalstore.Store, agreements *agreementstore.Store, logger *zap.Logger) *Engine {
	return &Engine{
		transport:  t,
		negotiator: n,
		proposals:  proposals,
		agreements: agreements,
		logger:     logger,
		subs:       make(map[model.SubscriptionId]activeSubscription),
	}
}

// CreateOffer asks the negotiator for an offer body, subscribes through the
// transport, and keeps the body in memory next to the subscription, where
// the Accept branch of dispatch reads it. The body is not persisted, and
// nothing re-subscribes after a restart (spec.md §4.5).
func (e *Engine) CreateOffer(ctx context.Context, node negotiator.NodeInfo) (model.SubscriptionId, error) {
	body, err := e.negotiator.CreateOffer(ctx, node)
	if err != nil {
		return "", fmt.Errorf("engine: create offer: negotiator: %w", err)
	}
	sub, err := e.transport.Subscribe(ctx, body)
	if err != nil {
		return "", fmt.Errorf("engine: create offer: subscribe: %w", err)
	}
	e.mu.Lock()
	e.subs[sub] = activeSubscription{offerBody: body}
	e.mu.Unlock()
	return sub, nil
}

// OnShutdown unsubscribes every active subscription, tolerating individual
// failures by logging and continuing (spec.md §4.5).
func (e *Engine) OnShutdown(ctx context.Context) error {
	e.mu.Lock()
	subs := make([]model.SubscriptionId, 0, len(e.subs))
	for sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	var errs error
	for _, sub := range subs {
		if err := e.transport.Unsubscribe(ctx, sub); err != nil {
			e.logger.Warn("unsubscribe failed during shutdown", zap.String("subscription", string(sub)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		e.mu.Lock()
		delete(e.subs, sub)
		e.mu.Unlock()
	}
	return errs
}

// RunStep collects up to one event per active subscription and dispatches
// each. A step never aborts the whole subscription set because one
// subscription's collect or one event's dispatch failed -- those are logged
// and isolated; only a genuine collect error is reflected in the returned
// error, aggregated across subscriptions (spec.md §4.5).
func (e *Engine) RunStep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RunStepLatency.Observe(metrics.InMicroseconds(time.Since(start)))
	}()

	e.mu.Lock()
	subs := make([]model.SubscriptionId, 0, len(e.subs))
	for sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	var errs error
	for _, sub := range subs {
		events, err := e.transport.Collect(ctx, sub, 1, collectTimeout)
		if err != nil {
			e.logger.Warn("collect failed", zap.String("subscription", string(sub)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		for _, ev := range events {
			e.dispatch(ctx, sub, ev)
		}
	}
	return errs
}

func (e *Engine) dispatch(ctx context.Context, sub model.SubscriptionId, ev transport.ProviderEvent) {
	kind := "DemandEvent"
	if ev.Kind == transport.NewAgreementEvent {
		kind = "NewAgreementEvent"
	}
	metrics.EventsDispatched.WithLabelValues(kind).Inc()

	var err error
	switch ev.Kind {
	case transport.DemandEvent:
		err = e.dispatchProposal(ctx, sub, ev)
	case transport.NewAgreementEvent:
		err = e.dispatchAgreement(ctx, sub, ev)
	default:
		err = fmt.Errorf("engine: unknown provider event kind %d", ev.Kind)
	}
	if err != nil {
		metrics.NegotiatorErrors.WithLabelValues(kind).Inc()
		e.logger.Warn("dispatch failed, continuing with next event", zap.String("subscription", string(sub)), zap.String("kind", kind), zap.Error(err))
	}
}

func (e *Engine) dispatchProposal(ctx context.Context, sub model.SubscriptionId, ev transport.ProviderEvent) error {
	p, err := e.transport.GetProposal(ctx, sub, ev.DemandId)
	if err != nil {
		return fmt.Errorf("get proposal: %w", err)
	}
	resp, err := e.negotiator.ReactToProposal(ctx, p)
	if err != nil {
		return fmt.Errorf("negotiator react to proposal: %w", err)
	}

	switch resp.Kind {
	case negotiator.Accept:
		e.mu.Lock()
		active := e.subs[sub]
		e.mu.Unlock()
		if _, err := e.transport.CreateProposal(ctx, active.offerBody, sub, &ev.DemandId); err != nil {
			return fmt.Errorf("accept: create proposal: %w", err)
		}
	case negotiator.Counter:
		// CreateProposal's underlying SaveCounter marks the parent countered
		// itself as part of inserting the child (store/proposalstore), so no
		// separate mark-countered call is needed here.
		if _, err := e.transport.CreateProposal(ctx, resp.CounterBody, sub, &ev.DemandId); err != nil {
			return fmt.Errorf("counter: create proposal: %w", err)
		}
	case negotiator.Ignore:
		// no side effect.
	case negotiator.Reject:
		if err := e.transport.RejectProposal(ctx, sub, ev.DemandId); err != nil {
			return fmt.Errorf("reject: %w", err)
		}
	}
	return nil
}

func (e *Engine) dispatchAgreement(ctx context.Context, sub model.SubscriptionId, ev transport.ProviderEvent) error {
	a, err := e.agreements.Select(ev.AgreementId, nil, time.Now())
	if err != nil {
		return fmt.Errorf("select agreement: %w", err)
	}
	if a == nil {
		return fmt.Errorf("agreement %s not found", ev.AgreementId)
	}

	resp, err := e.negotiator.ReactToAgreement(ctx, *a)
	if err != nil {
		return fmt.Errorf("negotiator react to agreement: %w", err)
	}

	switch resp.Kind {
	case negotiator.Approve:
		if err := e.transport.ApproveAgreement(ctx, ev.AgreementId); err != nil {
			return fmt.Errorf("approve: %w", err)
		}
	case negotiator.RejectAgreement:
		if err := e.transport.RejectAgreement(ctx, ev.AgreementId); err != nil {
			return fmt.Errorf("reject: %w", err)
		}
	}
	return nil
}
