package registry

import (
	"context"
	"sync"

	"github.com/dashstratum/poolcore/internal/stratum"
	"github.com/dashstratum/poolcore/internal/work"
)

// Guarded wraps a TemplateRegistry behind a single exclusive lock for
// callers that don't run the single-threaded event loop the core assumes.
// TemplateRegistry's own methods already lock their individual state
// mutations; Guarded additionally serializes whole call sequences (e.g.
// the GetJob-then-SubmitShare pair a session handler performs) behind one
// mutex, matching spec.md §5's fallback for multi-threaded hosts. It is a
// thin facade, not an alternate locking model.
type Guarded struct {
	mu  sync.Mutex
	reg *TemplateRegistry
}

// NewGuarded wraps reg.
func NewGuarded(reg *TemplateRegistry) *Guarded {
	return &Guarded{reg: reg}
}

func (g *Guarded) NewExtranonce1() [4]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg.NewExtranonce1()
}

func (g *Guarded) LastBroadcastArgs() (work.NotifyArgs, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg.LastBroadcastArgs()
}

func (g *Guarded) UpdateBlock(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg.UpdateBlock(ctx)
}

func (g *Guarded) GetJob(jobID string) *work.BlockTemplate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg.GetJob(jobID)
}

func (g *Guarded) SubmitShare(ctx context.Context, sub stratum.ShareSubmission, session stratum.Session) (*SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reg.SubmitShare(ctx, sub, session)
}
