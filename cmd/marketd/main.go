// Command marketd wires the market core's pieces together for local
// bring-up. Command-line entry points proper are out of scope for this
// module (spec.md §1) -- this binary exists only to demonstrate the wiring,
// not to be a production daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/negotia/market-core/engine"
	"github.com/negotia/market-core/metrics"
	"github.com/negotia/market-core/model"
	"github.com/negotia/market-core/negotiator"
	"github.com/negotia/market-core/store/agreementstore"
	"github.com/negotia/market-core/store/eventqueue"
	"github.com/negotia/market-core/store/proposalstore"
	"github.com/negotia/market-core/transport/inmemory"
)

const (
	subscriptionTTL = 24 * time.Hour
	sweepInterval   = 6 * time.Hour
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := gorm.Open(sqlite.Open("marketd.db"), &gorm.Config{})
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}

	proposals, err := proposalstore.New(db)
	if err != nil {
		logger.Fatal("init proposal store", zap.Error(err))
	}
	events, err := eventqueue.New(db)
	if err != nil {
		logger.Fatal("init event queue", zap.Error(err))
	}
	agreements, err := agreementstore.New(db)
	if err != nil {
		logger.Fatal("init agreement store", zap.Error(err))
	}

	transport := inmemory.New(proposals, events, agreements, subscriptionTTL, logger)
	strategy := negotiator.New(os.Getenv("MARKET_NEGOTIATOR_STRATEGY"), logger)
	market := engine.New(transport, strategy, proposals, agreements, logger)

	metrics.Register()

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	go runSweeper(ctx, agreements, logger)

	sub, err := market.CreateOffer(ctx, negotiator.NodeInfo{NodeId: model.NodeId("local"), Name: "marketd"})
	if err != nil {
		logger.Fatal("create offer", zap.Error(err))
	}
	logger.Info("subscribed", zap.String("subscription", string(sub)))

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := market.OnShutdown(context.Background()); err != nil {
				logger.Warn("shutdown had errors", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := market.RunStep(ctx); err != nil {
				logger.Warn("run step had errors", zap.Error(err))
			}
		}
	}
}

// runSweeper runs the agreement retention sweep on its own cadence and its
// own transaction, independent of the engine's run loop (spec.md §5 "the
// retention sweeper runs on an independent cadence").
func runSweeper(ctx context.Context, agreements *agreementstore.Store, logger *zap.Logger) {
	_ = wait.PollUntilContextCancel(ctx, sweepInterval, false, func(context.Context) (bool, error) {
		numAgreements, numEvents, err := agreements.Clean()
		if err != nil {
			logger.Warn("retention sweep failed", zap.Error(err))
			return false, nil
		}
		metrics.AgreementsCleaned.Add(float64(numAgreements))
		logger.Info("retention sweep complete",
			zap.Int64("agreements_removed", numAgreements),
			zap.Int64("events_removed", numEvents))
		return false, nil
	})
}
