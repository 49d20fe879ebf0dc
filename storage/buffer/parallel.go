package buffer

import (
	"sync"

	"github.com/sushant-115/pageengine/pkg/telemetry"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/page"
	"go.uber.org/zap"
)

// Parallel shards pages across K buffer pool instances by page_id modulus,
// so independent instances' mutexes can be held concurrently by unrelated
// page ids. Only the routing lookup is serialized; the delegated call runs
// outside Parallel's own lock.
type Parallel struct {
	mu         sync.Mutex
	instances  []*Instance
	startIndex int
}

// NewParallel creates numInstances buffer pool instances of poolSize frames
// each, all backed by the same disk file, sharded by page id modulus.
func NewParallel(numInstances, poolSize int, d *disk.Manager, logger *zap.Logger, metrics *telemetry.Metrics) *Parallel {
	instances := make([]*Instance, numInstances)
	for i := range instances {
		instances[i] = NewInstance(poolSize, d, i, numInstances, logger, metrics)
	}
	return &Parallel{instances: instances}
}

func (p *Parallel) owner(id page.ID) *Instance {
	p.mu.Lock()
	idx := int(id) % len(p.instances)
	if idx < 0 {
		idx += len(p.instances)
	}
	inst := p.instances[idx]
	p.mu.Unlock()
	return inst
}

// PageSize returns the fixed page size shared by every instance.
func (p *Parallel) PageSize() int { return p.instances[0].PageSize() }

// FetchPage routes to the instance owning id.
func (p *Parallel) FetchPage(id page.ID) (*page.Frame, error) {
	return p.owner(id).FetchPage(id)
}

// UnpinPage routes to the instance owning id.
func (p *Parallel) UnpinPage(id page.ID, isDirty bool) bool {
	return p.owner(id).UnpinPage(id, isDirty)
}

// FlushPage routes to the instance owning id.
func (p *Parallel) FlushPage(id page.ID) bool {
	return p.owner(id).FlushPage(id)
}

// DeletePage routes to the instance owning id.
func (p *Parallel) DeletePage(id page.ID) bool {
	return p.owner(id).DeletePage(id)
}

// FlushAllPages flushes every instance.
func (p *Parallel) FlushAllPages() {
	p.mu.Lock()
	instances := append([]*Instance(nil), p.instances...)
	p.mu.Unlock()
	for _, inst := range instances {
		inst.FlushAllPages()
	}
}

// NewPage round-robins a starting instance index across calls: it tries
// instance start, start+1, ... wrapping once, and the first instance to
// successfully allocate wins. The start index then advances for the next
// call regardless of which instance succeeded.
func (p *Parallel) NewPage() (*page.Frame, page.ID, error) {
	p.mu.Lock()
	start := p.startIndex
	p.startIndex = (p.startIndex + 1) % len(p.instances)
	instances := append([]*Instance(nil), p.instances...)
	p.mu.Unlock()

	n := len(instances)
	var lastErr error
	for i := 0; i < n; i++ {
		inst := instances[(start+i)%n]
		frame, id, err := inst.NewPage()
		if err == nil {
			return frame, id, nil
		}
		lastErr = err
	}
	return nil, page.Invalid, lastErr
}
