package credentials

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
)

// DefaultFreshness is how long a validated credential is trusted without
// another probe.
const DefaultFreshness = 2 * time.Minute

// Prober checks whether a credential currently has a lossless streaming
// entitlement. Implementations report any failure as false.
type Prober interface {
	ProbeCredential(ctx context.Context, token string) bool
}

// PoolConfig holds pool settings
type PoolConfig struct {
	Tokens    []string
	Prober    Prober
	Freshness time.Duration
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// Pool selects the credential the catalog client authenticates with.
// The pool order is fixed; selection always starts from the first token.
type Pool struct {
	tokens    []string
	prober    Prober
	freshness time.Duration
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu          sync.RWMutex
	current     string
	validatedAt time.Time
	// generation is bumped by Invalidate; a scan that started under an
	// older generation does not cache its result.
	generation uint64

	scans singleflight.Group
}

// NewPool creates a credential pool
func NewPool(cfg *PoolConfig) *Pool {
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default().WithComponent("credentials")
	}

	tokens := make([]string, len(cfg.Tokens))
	copy(tokens, cfg.Tokens)

	return &Pool{
		tokens:    tokens,
		prober:    cfg.Prober,
		freshness: freshness,
		log:       log,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.tokens)
}

func (p *Pool) cached() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == "" {
		return "", false
	}
	if p.now().Sub(p.validatedAt) >= p.freshness {
		return "", false
	}
	return p.current, true
}

// GetValidCredential returns the trusted credential, rescanning the pool
// once the freshness window has elapsed. Concurrent callers share a scan.
func (p *Pool) GetValidCredential(ctx context.Context) (string, error) {
	if token, ok := p.cached(); ok {
		return token, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The shared scan outlives any single caller's deadline; each caller
	// only stops waiting for it. Probes carry their own timeout.
	scanCtx := context.WithoutCancel(ctx)
	ch := p.scans.DoChan("scan", func() (interface{}, error) {
		return p.scan(scanCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Pool) scan(ctx context.Context) (string, error) {
	// A scan that finished just before this one started already did the work.
	if token, ok := p.cached(); ok {
		return token, nil
	}

	p.mu.RLock()
	generation := p.generation
	p.mu.RUnlock()

	started := p.now()
	for i, token := range p.tokens {
		if !p.prober.ProbeCredential(ctx, token) {
			p.log.Debug(ctx, "credential rejected by probe", map[string]interface{}{"index": i})
			continue
		}

		p.mu.Lock()
		if p.generation == generation {
			p.current = token
			p.validatedAt = started
		}
		p.mu.Unlock()

		p.log.Info(ctx, "selected credential", map[string]interface{}{"index": i, "pool_size": len(p.tokens)})
		p.recordScan(true)
		return token, nil
	}

	p.mu.Lock()
	if p.generation == generation {
		p.current = ""
		p.validatedAt = time.Time{}
	}
	p.mu.Unlock()

	p.log.Warn(ctx, "no credential in the pool has a streaming entitlement", map[string]interface{}{"pool_size": len(p.tokens)})
	p.recordScan(false)
	return "", apperrors.NoValidCredential()
}

// Invalidate forgets the trusted credential so the next call rescans.
// A scan already in flight is not joined by later callers and does not
// cache its result.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.current = ""
	p.validatedAt = time.Time{}
	p.generation++
	p.mu.Unlock()
	p.scans.Forget("scan")

	p.log.Warn(context.Background(), "credential invalidated")
}

func (p *Pool) recordScan(found bool) {
	if p.metrics != nil {
		p.metrics.RecordCredentialScan(found)
	}
}
