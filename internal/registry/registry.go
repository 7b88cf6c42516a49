// Package registry implements the template registry and share-validation
// pipeline: the job store, prevhash-indexed garbage collection, and the
// submit_share path that reconstructs a candidate block header, checks
// proof-of-work, and relays full blocks upstream.
package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dashstratum/poolcore/internal/metrics"
	"github.com/dashstratum/poolcore/internal/node"
	"github.com/dashstratum/poolcore/internal/store"
	"github.com/dashstratum/poolcore/internal/stratum"
	"github.com/dashstratum/poolcore/internal/work"
	"github.com/dashstratum/poolcore/pkg/util"
)

// SubmitResult is what submit_share returns on a successful (non-erroring)
// share: the reconstructed header, its PoW hash, the share's difficulty,
// and — only when the share also cleared the network target — a future
// resolving to the upstream block-acceptance confirmation.
type SubmitResult struct {
	HeaderHex  string
	PowHashHex string
	ShareDiff  float64

	// IsBlockCandidate is true iff pow_int <= job.target.
	IsBlockCandidate bool
	// SubmitFuture resolves once node.submitblock (with its fallback and
	// getblock verification) completes. Nil unless IsBlockCandidate.
	SubmitFuture *BlockFuture
}

// BlockFuture resolves to whether the upstream node accepted and retained
// the submitted block.
type BlockFuture struct {
	done    chan struct{}
	ok      bool
	err     error
	once    sync.Once
}

func newBlockFuture() *BlockFuture {
	return &BlockFuture{done: make(chan struct{})}
}

func (f *BlockFuture) resolve(ok bool, err error) {
	f.once.Do(func() {
		f.ok, f.err = ok, err
		close(f.done)
	})
}

// Wait blocks until the submission completes or ctx is done.
func (f *BlockFuture) Wait(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.ok, f.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// TemplateRegistry owns every live BlockTemplate and drives the
// share-validation pipeline. The spec models this as a single-threaded
// event loop; this implementation instead takes one exclusive lock for
// the duration of submit_share, and for add_template's index updates,
// per §5's note for multi-threaded hosts. AddTemplate releases the lock
// before pruning the store and invoking OnBlock/OnTemplate, so the
// callbacks may call back into the registry.
type TemplateRegistry struct {
	mu sync.Mutex

	prevhashes map[string][]*work.BlockTemplate // prevhash hex -> live templates, oldest first
	jobs       map[string]*work.BlockTemplate    // job id -> template
	lastBlock  *work.BlockTemplate

	updateInProgress atomic.Bool

	jobSeq atomic.Uint64

	extranonce *work.ExtranonceCounter
	coinbase   work.CoinbaseConfig
	nodeClient node.Client

	// OnTemplate is invoked after a new template becomes last_block and is
	// indexed; the argument is clean_jobs.
	OnTemplate func(cleanJobs bool)
	// OnBlock fires exactly once per new prevhash, before OnTemplate for
	// that same template.
	OnBlock func(prevhashHex string, height int64)

	// PowFunc computes the proof-of-work hash of a header; it defaults to
	// util.ScryptPoW and exists as a seam so tests can force a block
	// candidate without needing a hash that happens to meet the network
	// target.
	PowFunc func(header []byte) ([32]byte, error)

	// persist is the optional crash-recovery store. Nil means in-memory
	// only, the registry's default mode and what every test exercises.
	persist *store.BoltStore

	logger *zap.Logger
}

// NewTemplateRegistry constructs an empty registry. instanceID seeds the
// extranonce counter (spec §4.6); coinbase carries the pool's static
// coinbase configuration (wallet, signature, extras, extranonce size).
func NewTemplateRegistry(nodeClient node.Client, instanceID uint8, coinbase work.CoinbaseConfig, logger *zap.Logger) (*TemplateRegistry, error) {
	counter, err := work.NewExtranonceCounter(instanceID)
	if err != nil {
		return nil, fmt.Errorf("extranonce counter: %w", err)
	}
	return &TemplateRegistry{
		prevhashes: make(map[string][]*work.BlockTemplate),
		jobs:       make(map[string]*work.BlockTemplate),
		extranonce: counter,
		coinbase:   coinbase,
		nodeClient: nodeClient,
		PowFunc:    util.ScryptPoW,
		logger:     logger,
	}, nil
}

// AttachStore wires a crash-recovery store into the registry: the
// extranonce counter resumes above any persisted high-water mark, and
// subsequent allocations and prevhash turnovers keep the store current.
// Must be called before the registry starts handing out extranonce1
// values or registering templates.
func (r *TemplateRegistry) AttachStore(s *store.BoltStore) error {
	next, ok, err := s.LoadExtranonceHighWater()
	if err != nil {
		return fmt.Errorf("load extranonce high-water mark: %w", err)
	}
	if ok {
		r.extranonce.Seed(next)
	}
	r.persist = s
	return nil
}

// NewExtranonce1 delegates to the registry's extranonce counter and, if a
// store is attached, persists the new high-water mark.
func (r *TemplateRegistry) NewExtranonce1() [4]byte {
	v := r.extranonce.Next()
	if r.persist != nil {
		low24 := uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
		if err := r.persist.SaveExtranonceHighWater(low24); err != nil && r.logger != nil {
			r.logger.Warn("persist extranonce high-water mark failed", zap.Error(err))
		}
	}
	return v
}

// LastBroadcastArgs returns the mining.notify tuple for the most recently
// registered template, and false if no template has ever been registered.
func (r *TemplateRegistry) LastBroadcastArgs() (work.NotifyArgs, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastBlock == nil {
		return work.NotifyArgs{}, false
	}
	return r.lastBlock.BuildBroadcastArgs(), true
}

// UpdateBlock fetches a fresh template from the node and registers it.
// Single-flight: a call that finds another update already in progress is
// a no-op. Node failures are logged and returned wrapped in ErrNodeError;
// registry state is left unchanged, and the caller (typically a
// BlockUpdater) retries on its own cadence.
func (r *TemplateRegistry) UpdateBlock(ctx context.Context) error {
	if !r.updateInProgress.CompareAndSwap(false, true) {
		return nil
	}
	defer r.updateInProgress.Store(false)

	start := time.Now()
	defer func() { metrics.UpdateBlockDuration.Observe(time.Since(start).Seconds()) }()

	resp, err := r.nodeClient.GetBlockTemplate(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("getblocktemplate failed", zap.Error(err))
		}
		return fmt.Errorf("%w: %v", ErrNodeError, err)
	}

	jobID := fmt.Sprintf("%x", r.jobSeq.Add(1))
	tmpl, err := work.FillFromNode(jobID, resp, r.coinbase, true)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("invalid template from node", zap.Error(err))
		}
		return err
	}

	r.AddTemplate(tmpl, resp.Height)
	return nil
}

// AddTemplate registers block as the current live template for its
// prevhash, drops every other prevhash bucket (the chain advanced past
// them), and fires OnBlock/OnTemplate per spec §4.7.
func (r *TemplateRegistry) AddTemplate(block *work.BlockTemplate, height int64) {
	r.mu.Lock()

	prevhash := block.PrevHashHex
	_, newBlock := r.prevhashes[prevhash]
	newBlock = !newBlock

	r.prevhashes[prevhash] = append(r.prevhashes[prevhash], block)
	r.jobs[block.JobID] = block
	r.lastBlock = block

	var staleJobIDs []string
	for key := range r.prevhashes {
		if key != prevhash {
			for _, stale := range r.prevhashes[key] {
				delete(r.jobs, stale.JobID)
				staleJobIDs = append(staleJobIDs, stale.JobID)
			}
			delete(r.prevhashes, key)
		}
	}

	metrics.JobsRegistered.Inc()
	metrics.LiveJobs.Set(float64(len(r.jobs)))
	metrics.NetworkDifficulty.Set(util.TargetToDifficulty(block.Target, util.Diff1Target))
	if newBlock {
		metrics.PrevhashTurnovers.Inc()
	}

	r.mu.Unlock()

	if r.persist != nil {
		for _, jobID := range staleJobIDs {
			if err := r.persist.PruneJob(jobID); err != nil && r.logger != nil {
				r.logger.Warn("prune stale job submit records failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}

	if newBlock && r.OnBlock != nil {
		r.OnBlock(prevhash, height)
	}
	if r.OnTemplate != nil {
		r.OnTemplate(true)
	}
}

// GetJob resolves job_id to its template iff the template is still live:
// it must be present in jobs, its prevhash bucket must still exist, and
// it must still appear in that bucket (spec §4.7's three-step check).
func (r *TemplateRegistry) GetJob(jobID string) *work.BlockTemplate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getJobLocked(jobID)
}

func (r *TemplateRegistry) getJobLocked(jobID string) *work.BlockTemplate {
	tmpl, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	bucket, ok := r.prevhashes[tmpl.PrevHashHex]
	if !ok {
		return nil
	}
	for _, b := range bucket {
		if b == tmpl {
			return tmpl
		}
	}
	return nil
}

// SubmitShare runs the full share-validation pipeline of spec §4.7 step
// 119-130: length checks, job lookup, ntime/duplicate checks, header
// reconstruction, scrypt PoW, target comparison (with grace window), and
// — on a block candidate — upstream submission.
func (r *TemplateRegistry) SubmitShare(ctx context.Context, sub stratum.ShareSubmission, session stratum.Session) (*SubmitResult, error) {
	if len(sub.Extranonce2Hex) != 2*work.ExtranonceSize || len(sub.NtimeHex) != 8 || len(sub.NonceHex) != 8 {
		return nil, ErrMalformedShare
	}

	e2, err := hex.DecodeString(sub.Extranonce2Hex)
	if err != nil {
		return nil, fmt.Errorf("%w: extranonce2: %v", ErrMalformedShare, err)
	}
	ntimeBin, err := hex.DecodeString(sub.NtimeHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ntime: %v", ErrMalformedShare, err)
	}
	nonceBin, err := hex.DecodeString(sub.NonceHex)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedShare, err)
	}
	var e1, e2a, ntimeA, nonceA [4]byte
	e1 = session.Extranonce1
	copy(e2a[:], e2)
	copy(ntimeA[:], ntimeBin)
	copy(nonceA[:], nonceBin)

	r.mu.Lock()
	defer r.mu.Unlock()

	job := r.getJobLocked(sub.JobID)
	if job == nil {
		metrics.ShareOutcomes.WithLabelValues("stale_or_unknown_job").Inc()
		return nil, ErrStaleOrUnknownJob
	}

	ntimeVal := beUint32(ntimeA[:])
	if !job.CheckNtime(ntimeVal, time.Now()) {
		metrics.ShareOutcomes.WithLabelValues("ntime_out_of_range").Inc()
		return nil, ErrNtimeOutOfRange
	}

	if !job.RegisterSubmit(e1, e2a, ntimeA, nonceA) {
		metrics.ShareOutcomes.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicate
	}
	if r.persist != nil {
		var key [16]byte
		copy(key[0:4], e1[:])
		copy(key[4:8], e2a[:])
		copy(key[8:12], ntimeA[:])
		copy(key[12:16], nonceA[:])
		if _, err := r.persist.RecordSubmit(job.JobID, key, time.Now()); err != nil && r.logger != nil {
			r.logger.Warn("persist submit record failed", zap.Error(err))
		}
	}

	coinbase := make([]byte, 0, len(job.Coinb1)+8+len(job.Coinb2))
	coinbase = append(coinbase, job.Coinb1...)
	coinbase = append(coinbase, e1[:]...)
	coinbase = append(coinbase, e2a[:]...)
	coinbase = append(coinbase, job.Coinb2...)
	coinbaseHash := util.DoubleSHA256(coinbase)

	merkleRoot := work.WithFirst(coinbaseHash[:], job.MerkleBranch)

	header := job.SerializeHeader(merkleRoot, ntimeA, nonceA)

	powInput := append([]byte{}, header...)
	util.SwapWords4(powInput)
	powHash, err := r.PowFunc(powInput)
	if err != nil {
		return nil, fmt.Errorf("%w: scrypt: %v", ErrNodeError, err)
	}
	powInt := util.Uint256FromLE(powHash[:])

	userTarget := util.DiffToTarget(session.Difficulty)
	accepted := util.HashMeetsTarget(powHash, userTarget)
	if !accepted && session.PrevJobID != "" && jobIDLess(session.PrevJobID, sub.JobID) {
		graceTarget := util.DiffToTarget(session.PrevDifficulty)
		accepted = util.HashMeetsTarget(powHash, graceTarget)
	}
	if !accepted {
		metrics.ShareOutcomes.WithLabelValues("low_difficulty").Inc()
		return nil, ErrLowDifficulty
	}

	shareDiff := targetToShareDiff(powInt)
	metrics.ShareOutcomes.WithLabelValues("accepted").Inc()
	metrics.ShareDifficulty.Set(shareDiff)

	result := &SubmitResult{
		HeaderHex: hex.EncodeToString(header),
		// Display order (reversed), matching submitblock's second argument
		// and the getblock.hash the node reports back for verification.
		PowHashHex: util.HashToHex(powHash),
		ShareDiff:  shareDiff,
	}

	if util.HashMeetsTarget(powHash, job.Target) {
		result.IsBlockCandidate = true
		metrics.BlocksFound.Inc()

		job.Finalize(merkleRoot, e1, e2a, ntimeA, nonceA)
		blockHex, err := job.Serialize()
		if err != nil {
			return nil, fmt.Errorf("%w: serialize block: %v", ErrNodeError, err)
		}

		future := newBlockFuture()
		result.SubmitFuture = future
		go r.submitBlock(context.WithoutCancel(ctx), blockHex, result.PowHashHex, future)
	}

	return result, nil
}

func (r *TemplateRegistry) submitBlock(ctx context.Context, blockHex, powHashHex string, future *BlockFuture) {
	ok, err := r.nodeClient.SubmitBlock(ctx, blockHex, powHashHex)
	if err != nil {
		metrics.BlockSubmissions.WithLabelValues("error").Inc()
		if r.logger != nil {
			r.logger.Error("submitblock failed", zap.Error(err))
		}
		future.resolve(false, fmt.Errorf("%w: %v", ErrNodeError, err))
		return
	}
	if ok {
		metrics.BlockSubmissions.WithLabelValues("accepted").Inc()
	} else {
		metrics.BlockSubmissions.WithLabelValues("rejected").Inc()
	}
	future.resolve(ok, nil)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// jobIDLess compares two job ids as the hex integers they are (job ids are
// generated from a monotonic counter via fmt.Sprintf("%x", n)); a plain
// string comparison would misorder once the hex digit count grows.
func jobIDLess(a, b string) bool {
	av, aerr := strconv.ParseUint(a, 16, 64)
	bv, berr := strconv.ParseUint(b, 16, 64)
	if aerr != nil || berr != nil {
		return a < b
	}
	return av < bv
}

// targetToShareDiff reports floor(diff_1 / pow_int) as a float, per spec
// §4.7 step 10.
func targetToShareDiff(powInt *big.Int) float64 {
	if powInt.Sign() <= 0 {
		return 0
	}
	q := new(big.Int).Quo(util.Diff1Target, powInt)
	f, _ := new(big.Float).SetInt(q).Float64()
	return f
}
