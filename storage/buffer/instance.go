package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/pageengine/pkg/telemetry"
	"github.com/sushant-115/pageengine/storage/disk"
	"github.com/sushant-115/pageengine/storage/errs"
	"github.com/sushant-115/pageengine/storage/page"
	"github.com/sushant-115/pageengine/storage/replacer"
	"go.uber.org/zap"
)

// metricsCtx is used for the handful of otel instrument calls this package
// makes; none of them are request-scoped, so a background context is fine.
var metricsCtx = context.Background()

// Instance owns a fixed set of frames, a page_id <-> frame_index table, and
// a replacement policy. All public operations are atomic under mu, matching
// the single-mutex discipline the engine this is modeled on uses: the
// mutex covers inspecting and mutating pin counts, and the brief instant of
// disk I/O that eviction and miss handling require.
type Instance struct {
	mu sync.Mutex

	frames    []*page.Frame
	freeList  []replacer.FrameID
	replacer  replacer.Replacer
	pageTable map[page.ID]replacer.FrameID

	disk *disk.Manager

	nextPageID  int32
	numInstance int32

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewInstance creates a buffer pool instance of poolSize frames. shardIndex
// and numShards seed and step the page id allocator so that every id this
// instance mints satisfies id % numShards == shardIndex; a standalone pool
// (not part of a Parallel) passes shardIndex=0, numShards=1. logger is
// scoped with the shard index so a Parallel pool's per-instance eviction/
// miss traces stay attributable once several instances interleave on the
// same stream.
func NewInstance(poolSize int, d *disk.Manager, shardIndex, numShards int, logger *zap.Logger, metrics *telemetry.Metrics) *Instance {
	frames := make([]*page.Frame, poolSize)
	free := make([]replacer.FrameID, poolSize)
	for i := range frames {
		frames[i] = page.NewFrame()
		free[i] = replacer.FrameID(i)
	}
	if numShards > 1 {
		logger = logger.With(zap.Int("shard", shardIndex), zap.Int("num_shards", numShards))
	}
	return &Instance{
		frames:      frames,
		freeList:    free,
		replacer:    replacer.NewLRU(poolSize),
		pageTable:   make(map[page.ID]replacer.FrameID, poolSize),
		disk:        d,
		nextPageID:  int32(shardIndex),
		numInstance: int32(numShards),
		logger:      logger,
		metrics:     metrics,
	}
}

// PageSize reports the fixed page size used by the underlying disk file.
func (bp *Instance) PageSize() int { return bp.disk.PageSize() }

// PoolSize reports the number of frames this instance manages.
func (bp *Instance) PoolSize() int { return len(bp.frames) }

// allocatePageID mints the next id congruent to shardIndex mod numInstance.
func (bp *Instance) allocatePageID() page.ID {
	id := bp.nextPageID
	bp.nextPageID += bp.numInstance
	return page.ID(id)
}

// findFrame picks a frame to (re)use, preferring the free list, then the
// replacer's victim. If the chosen frame is dirty and resident, it is
// flushed to disk first and its old mapping is erased.
func (bp *Instance) findFrame() (replacer.FrameID, bool) {
	if n := len(bp.freeList); n > 0 {
		f := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return f, true
	}

	f, ok := bp.replacer.Victim()
	if !ok {
		return 0, false
	}
	if bp.metrics != nil {
		bp.metrics.Evictions.Add(metricsCtx, 1)
	}
	frame := bp.frames[f]
	if frame.ID() != page.Invalid {
		if frame.IsDirty() {
			bp.writeBack(frame)
		}
		delete(bp.pageTable, frame.ID())
	}
	return f, true
}

func (bp *Instance) writeBack(f *page.Frame) {
	if err := bp.disk.WritePage(f.ID(), f.Data()); err != nil {
		bp.logger.Error("buffer: eviction write-back failed", zap.Int32("page_id", int32(f.ID())), zap.Error(err))
		return
	}
	if bp.metrics != nil {
		bp.metrics.DirtyWriteBacks.Add(metricsCtx, 1)
	}
}

// FetchPage returns the frame holding id, pinning it, fetching from disk on
// a miss. It returns errs.ErrBufferPoolFull if every frame is pinned.
func (bp *Instance) FetchPage(id page.ID) (*page.Frame, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.metrics != nil {
		bp.metrics.PagesFetched.Add(metricsCtx, 1)
	}

	if fid, ok := bp.pageTable[id]; ok {
		frame := bp.frames[fid]
		frame.Pin()
		bp.replacer.Pin(fid)
		if bp.metrics != nil {
			bp.metrics.CacheHits.Add(metricsCtx, 1)
			bp.metrics.PinsOutstanding.Add(metricsCtx, 1)
		}
		bp.logger.Debug("buffer: fetch hit", zap.Int32("page_id", int32(id)))
		return frame, nil
	}

	fid, ok := bp.findFrame()
	if !ok {
		bp.logger.Warn("buffer: fetch failed, pool full", zap.Int32("page_id", int32(id)))
		return nil, fmt.Errorf("%w: fetching page %d", errs.ErrBufferPoolFull, id)
	}

	frame := bp.frames[fid]
	frame.ResetMeta(id)
	if err := bp.disk.ReadPage(id, frame.Data()); err != nil {
		bp.logger.Error("buffer: read from disk failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		frame.ResetMeta(page.Invalid)
		frame.Unpin()
		bp.freeList = append(bp.freeList, fid)
		return nil, err
	}
	bp.replacer.Pin(fid)
	bp.pageTable[id] = fid
	if bp.metrics != nil {
		bp.metrics.CacheMisses.Add(metricsCtx, 1)
		bp.metrics.PinsOutstanding.Add(metricsCtx, 1)
	}
	bp.logger.Debug("buffer: fetch miss, read from disk", zap.Int32("page_id", int32(id)))
	return frame, nil
}

// NewPage allocates a fresh page id, materializes it to disk zeroed, and
// returns its pinned frame. It returns errs.ErrBufferPoolFull if every
// frame is currently pinned.
func (bp *Instance) NewPage() (*page.Frame, page.ID, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	allPinned := true
	for _, f := range bp.frames {
		if f.PinCount() == 0 {
			allPinned = false
			break
		}
	}
	if allPinned {
		return nil, page.Invalid, fmt.Errorf("%w: allocating new page", errs.ErrBufferPoolFull)
	}

	fid, ok := bp.findFrame()
	if !ok {
		return nil, page.Invalid, fmt.Errorf("%w: allocating new page", errs.ErrBufferPoolFull)
	}

	id := bp.allocatePageID()
	frame := bp.frames[fid]
	frame.ResetMeta(id)
	bp.replacer.Pin(fid)
	bp.pageTable[id] = fid
	if err := bp.disk.WritePage(id, frame.Data()); err != nil {
		bp.logger.Error("buffer: materializing new page failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return nil, page.Invalid, err
	}
	if bp.metrics != nil {
		bp.metrics.PinsOutstanding.Add(metricsCtx, 1)
	}
	bp.logger.Debug("buffer: new page", zap.Int32("page_id", int32(id)))
	return frame, id, nil
}

// UnpinPage decrements id's pin count. is_dirty is sticky-OR: once a frame
// is marked dirty within a residency, a later UnpinPage(id, false) does not
// clear it. Returns false if id is not resident or already unpinned.
func (bp *Instance) UnpinPage(id page.ID, isDirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return false
	}
	frame := bp.frames[fid]
	if frame.PinCount() == 0 {
		return false
	}
	frame.SetDirty(isDirty)
	if frame.Unpin() == 0 {
		bp.replacer.Unpin(fid)
		if bp.metrics != nil {
			bp.metrics.PinsOutstanding.Add(metricsCtx, -1)
		}
	}
	return true
}

// FlushPage writes id's frame bytes to disk unconditionally, regardless of
// its dirty flag. Returns false if id is not resident.
func (bp *Instance) FlushPage(id page.ID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return false
	}
	frame := bp.frames[fid]
	if err := bp.disk.WritePage(id, frame.Data()); err != nil {
		bp.logger.Error("buffer: flush failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return false
	}
	frame.SetDirty(false)
	return true
}

// FlushAllPages writes every resident page to disk.
func (bp *Instance) FlushAllPages() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for id, fid := range bp.pageTable {
		frame := bp.frames[fid]
		if err := bp.disk.WritePage(id, frame.Data()); err != nil {
			bp.logger.Error("buffer: flush-all write failed", zap.Int32("page_id", int32(id)), zap.Error(err))
			continue
		}
		frame.SetDirty(false)
	}
}

// DeletePage removes id from the pool. Returns true if id was not resident.
// Returns false if resident but pinned. Otherwise flushes if dirty, resets
// the frame, and returns it to the free list.
func (bp *Instance) DeletePage(id page.ID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return true
	}
	frame := bp.frames[fid]
	if frame.PinCount() > 0 {
		return false
	}
	if frame.IsDirty() {
		if err := bp.disk.WritePage(id, frame.Data()); err != nil {
			bp.logger.Error("buffer: delete flush failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		}
	}
	delete(bp.pageTable, id)
	frame.ResetMeta(page.Invalid)
	frame.Unpin()
	bp.freeList = append(bp.freeList, fid)
	return true
}
