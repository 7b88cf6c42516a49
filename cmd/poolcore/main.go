// Command poolcore wires the node client, template registry and block
// updater together and exposes /metrics. It is a minimal process shell;
// the stratum session layer that would call SubmitShare against the
// registry built here is an external collaborator.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dashstratum/poolcore/internal/config"
	"github.com/dashstratum/poolcore/internal/metrics"
	"github.com/dashstratum/poolcore/internal/node"
	"github.com/dashstratum/poolcore/internal/registry"
	"github.com/dashstratum/poolcore/internal/store"
	"github.com/dashstratum/poolcore/internal/work"
)

func main() {
	configPath := flag.String("config", "pool.yaml", "path to the pool config file")
	nodeURL := flag.String("node-url", "http://127.0.0.1:9998/", "upstream node JSON-RPC URL")
	nodeUser := flag.String("node-user", "", "upstream node RPC username")
	nodePass := flag.String("node-pass", "", "upstream node RPC password")
	nodeRateLimit := flag.Float64("node-rate-limit", 20, "max upstream RPC calls per second (0 disables limiting)")
	dbPath := flag.String("db", "poolcore.db", "path to the crash-recovery bbolt database")
	metricsAddr := flag.String("metrics-addr", ":9100", "listen address for the /metrics endpoint")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	extras, err := hex.DecodeString(cfg.CoinbaseExtras)
	if err != nil {
		logger.Fatal("decode coinbase_extras", zap.Error(err))
	}

	coinbaseCfg := work.CoinbaseConfig{
		PoolWallet:     cfg.CentralWallet,
		PoolSignature:  []byte("/poolcore/"),
		CoinbaseExtras: extras,
		ExtranonceSize: 2 * work.ExtranonceSize,
	}

	nodeClient := node.NewRPCClient(*nodeURL, *nodeUser, *nodePass, *nodeRateLimit)

	reg, err := registry.NewTemplateRegistry(nodeClient, cfg.InstanceID, coinbaseCfg, logger)
	if err != nil {
		logger.Fatal("new template registry", zap.Error(err))
	}

	if *dbPath != "" {
		boltPath, err := filepath.Abs(*dbPath)
		if err != nil {
			logger.Fatal("resolve db path", zap.Error(err))
		}
		persist, err := store.NewBoltStore(boltPath, logger)
		if err != nil {
			logger.Fatal("open crash-recovery store", zap.Error(err))
		}
		defer persist.Close()
		if err := reg.AttachStore(persist); err != nil {
			logger.Fatal("attach crash-recovery store", zap.Error(err))
		}
	}

	reg.OnBlock = func(prevhash string, height int64) {
		logger.Info("new chain tip", zap.String("prevhash", prevhash), zap.Int64("height", height))
	}
	reg.OnTemplate = func(cleanJobs bool) {
		args, ok := reg.LastBroadcastArgs()
		if !ok {
			return
		}
		fields := []zap.Field{zap.String("job_id", args.JobID), zap.Bool("clean_jobs", cleanJobs)}
		if job := reg.GetJob(args.JobID); job != nil {
			fields = append(fields, zap.String("target", job.TargetHex))
		}
		logger.Info("template registered", fields...)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	updater := registry.NewBlockUpdater(
		reg, nodeClient,
		time.Duration(cfg.PrevhashRefreshIntervalS)*time.Second,
		time.Duration(cfg.MerkleRefreshIntervalS)*time.Second,
		logger,
	)

	if err := reg.UpdateBlock(ctx); err != nil {
		logger.Warn("initial update_block failed, relying on the poll loop to recover", zap.Error(err))
	}

	go func() {
		http.Handle("/metrics", metrics.Handler())
		logger.Info("metrics listening", zap.String("addr", *metricsAddr))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Error("metrics server exited", zap.Error(err))
		}
	}()

	updater.Run(ctx)
	logger.Info("poolcore shutting down")
}
