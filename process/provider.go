package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cschleiden/go-bpm/internal/metrickeys"
	"github.com/cschleiden/go-bpm/metrics"
	"github.com/jellydator/ttlcache/v3"
)

// DirProvider reads process graphs from the YAML files of a directory.
type DirProvider struct {
	dir  string
	eval *Evaluator
}

var _ Provider = (*DirProvider)(nil)

func NewDirProvider(dir string, eval *Evaluator) *DirProvider {
	return &DirProvider{dir: dir, eval: eval}
}

func (d *DirProvider) Processes(ctx context.Context) ([]*Process, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(d.dir, pattern))
		if err != nil {
			return nil, err
		}

		files = append(files, m...)
	}

	sort.Strings(files)

	ps := make([]*Process, 0, len(files))
	for _, f := range files {
		p, err := LoadFile(f)
		if err != nil {
			return nil, err
		}

		if err := p.Compile(d.eval); err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}

		ps = append(ps, p)
	}

	return ps, nil
}

func (d *DirProvider) Process(ctx context.Context, id string) (*Process, error) {
	if _, err := os.Stat(d.dir); err != nil {
		return nil, err
	}

	ps, err := d.Processes(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range ps {
		if p.ID == id {
			return p, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
}

// CachingProvider keeps recently used process graphs of another provider in
// an LRU cache.
type CachingProvider struct {
	p  Provider
	mc metrics.Client
	c  *ttlcache.Cache[string, *Process]
}

var _ Provider = (*CachingProvider)(nil)

func NewCachingProvider(p Provider, mc metrics.Client, size int, expiration time.Duration) *CachingProvider {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, *Process](uint64(size)),
		ttlcache.WithTTL[string, *Process](expiration),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, *Process]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		}

		mc.Counter(metrickeys.ProcessCacheEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
	})

	return &CachingProvider{
		p:  p,
		mc: mc,
		c:  c,
	}
}

func (cp *CachingProvider) Process(ctx context.Context, id string) (*Process, error) {
	if item := cp.c.Get(id); item != nil {
		return item.Value(), nil
	}

	p, err := cp.p.Process(ctx, id)
	if err != nil {
		return nil, err
	}

	cp.c.Set(id, p, ttlcache.DefaultTTL)

	cp.mc.Gauge(metrickeys.ProcessCacheSize, metrics.Tags{}, int64(cp.c.Len()))

	return p, nil
}

func (cp *CachingProvider) Processes(ctx context.Context) ([]*Process, error) {
	return cp.p.Processes(ctx)
}

// StartEviction removes expired entries until ctx is canceled.
func (cp *CachingProvider) StartEviction(ctx context.Context) {
	go cp.c.Start()

	<-ctx.Done()

	cp.c.Stop()
}
