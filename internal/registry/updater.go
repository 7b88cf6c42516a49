package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dashstratum/poolcore/internal/node"
)

const (
	// DefaultFastInterval polls the node's best-block hash to detect a new
	// block as quickly as practical.
	DefaultFastInterval = 5 * time.Second
	// DefaultSlowInterval refreshes the mempool snapshot underlying the
	// current template even when no new block has arrived.
	DefaultSlowInterval = 60 * time.Second

	maxBackoff = 60 * time.Second
)

// BlockUpdater periodically drives registry.UpdateBlock at two
// independent cadences sharing the registry's single-flight flag: a fast
// poll that watches for chain-tip changes, and a slow poll that refreshes
// the mempool snapshot regardless. Grounded on the source's poll-loop
// shape (ticker plus exponential backoff on node failure).
type BlockUpdater struct {
	registry *TemplateRegistry
	node     node.Client
	logger   *zap.Logger

	fastInterval time.Duration
	slowInterval time.Duration

	lastBestHash string
}

// NewBlockUpdater constructs a driver for registry, using the given
// cadences (zero falls back to the package defaults).
func NewBlockUpdater(registry *TemplateRegistry, nodeClient node.Client, fastInterval, slowInterval time.Duration, logger *zap.Logger) *BlockUpdater {
	if fastInterval <= 0 {
		fastInterval = DefaultFastInterval
	}
	if slowInterval <= 0 {
		slowInterval = DefaultSlowInterval
	}
	return &BlockUpdater{
		registry:     registry,
		node:         nodeClient,
		logger:       logger,
		fastInterval: fastInterval,
		slowInterval: slowInterval,
	}
}

// Run blocks, driving both polling loops until ctx is done.
func (u *BlockUpdater) Run(ctx context.Context) {
	go u.fastLoop(ctx)
	u.slowLoop(ctx)
}

func (u *BlockUpdater) fastLoop(ctx context.Context) {
	ticker := time.NewTicker(u.fastInterval)
	defer ticker.Stop()

	var failures int
	var lastFailure time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failures > 0 && time.Since(lastFailure) < backoffDuration(failures, u.fastInterval) {
				continue
			}

			hash, err := u.node.GetBestBlockHash(ctx)
			if err != nil {
				failures++
				lastFailure = time.Now()
				if u.logger != nil {
					u.logger.Warn("getbestblockhash failed",
						zap.Error(err),
						zap.Int("consecutive_failures", failures),
					)
				}
				continue
			}
			failures = 0

			if hash != u.lastBestHash {
				u.lastBestHash = hash
				if err := u.registry.UpdateBlock(ctx); err != nil && u.logger != nil {
					u.logger.Warn("update_block failed after new best hash", zap.Error(err))
				}
			}
		}
	}
}

func (u *BlockUpdater) slowLoop(ctx context.Context) {
	ticker := time.NewTicker(u.slowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.registry.UpdateBlock(ctx); err != nil && u.logger != nil {
				u.logger.Warn("update_block failed on slow tick", zap.Error(err))
			}
		}
	}
}

// backoffDuration computes exponential backoff capped at 60s.
func backoffDuration(failures int, base time.Duration) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d > maxBackoff {
			return maxBackoff
		}
	}
	return d
}
