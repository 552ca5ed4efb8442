package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teamTripCode/tc-validator-node/cmd/tcvalidatord/cli"
	"github.com/teamTripCode/tc-validator-node/internal/chain"
	"github.com/teamTripCode/tc-validator-node/internal/config"
	"github.com/teamTripCode/tc-validator-node/internal/consensus"
	"github.com/teamTripCode/tc-validator-node/internal/core"
	"github.com/teamTripCode/tc-validator-node/internal/crypto"
	"github.com/teamTripCode/tc-validator-node/internal/gateway"
	"github.com/teamTripCode/tc-validator-node/internal/mempool"
	"github.com/teamTripCode/tc-validator-node/internal/metrics"
	"github.com/teamTripCode/tc-validator-node/internal/registry"
	"github.com/teamTripCode/tc-validator-node/internal/store"
	"github.com/teamTripCode/tc-validator-node/internal/stream"
)

func main() {
	root := cli.New(run)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the node and blocks until shutdown. Any init failure is fatal
// and surfaces as a non-zero exit through main.
func run() error {
	zlog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	signer, err := crypto.KeyPairFromSeedHex(cfg.ValidatorKey)
	if err != nil {
		return fmt.Errorf("signing key error: %w", err)
	}
	logger.Infow("validator identity loaded", "address", signer.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := store.NewKV(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("kv init failed: %w", err)
	}
	defer kv.Close()

	m := metrics.New()
	blocks := store.NewBlockStore(kv, logger)
	if err := blocks.EnsureGenesis(ctx); err != nil {
		return err
	}
	ledger := store.NewLedger(kv, cfg.BlockReward, cfg.SupplyCap, logger)
	validators := store.NewValidatorStore(kv, logger)

	// Publish this node's identity so peers can verify its signatures.
	if err := validators.PutValidator(ctx, registry.ValidatorInfo{
		Address:    signer.Address,
		PublicKey:  signer.PublicKeyHex(),
		Status:     registry.StatusActive,
		LastActive: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to publish validator identity: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Source:            validators,
		SelfAddress:       signer.Address,
		ViewHorizon:       config.ViewHorizon,
		RefreshInterval:   config.RegistryRefresh,
		HeartbeatInterval: config.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("initial registry refresh failed: %w", err)
	}

	pool, err := mempool.New(mempool.Config{
		MaxSize:  config.MaxMempoolSize,
		MaxAge:   config.MaxTxAge,
		GasPrice: cfg.GasPrice,
		Balances: ledger,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Port:    cfg.Port,
		Seeds:   cfg.SeedNodes,
		Blocks:  blocks,
		Pool:    pool,
		KV:      kv,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	auth := chain.NewAuthenticator(logger)

	// The replica and the message stream reference each other: the replica
	// enqueues what it originates, the stream drives ProcessQueued. The
	// queue is built first around a late-bound handler.
	var replica *consensus.Replica
	queue, err := stream.New(stream.Config{
		Broker:  kv,
		Handler: func(ctx context.Context, msg *core.ConsensusMessage) error { return replica.ProcessQueued(ctx, msg) },
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	if err := queue.Init(ctx); err != nil {
		return err
	}

	replica, err = consensus.New(consensus.Config{
		Directory:         reg,
		Pool:              pool,
		Blocks:            blocks,
		Auth:              auth,
		Queue:             queue,
		Net:               gw,
		Ledger:            ledger,
		Signer:            signer,
		RoundInterval:     config.RoundInterval,
		ViewChangeTimeout: config.ViewChangeTimeout,
		MaxBlockTx:        config.MaxBlockTx,
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		return err
	}
	gw.SetDeliverer(replica)

	if err := replica.Bootstrap(ctx); err != nil {
		return fmt.Errorf("replica bootstrap failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx, config.MempoolSweep) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return replica.Run(gctx) })
	g.Go(func() error { return gw.Run(gctx) })

	logger.Infow("validator node running", "port", cfg.Port, "consumer", queue.Consumer())
	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Clean shutdown via signal.
		logger.Infow("validator node stopped")
		return nil
	}
	return err
}
