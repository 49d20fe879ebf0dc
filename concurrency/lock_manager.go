package concurrency

import (
	"sync"

	"go.uber.org/zap"
)

// LockMode is the mode a lock request on a record id asks for.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}

// lockRequest is one transaction's outstanding ask for a mode on a rid. It
// stays in its queue's slice from the moment it is enqueued until the
// holder calls Unlock, whether or not it has been granted yet, except that
// a request whose transaction is aborted while it is still waiting is
// removed at that point.
type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
}

// lockQueue is the FIFO of requests contending for one record id. cond is
// shared across every queue's waiters via the manager's single global
// mutex: Wait releases that mutex atomically and reacquires it on wake,
// matching the "condition variable per lock queue, guarded by one global
// mutex" design in spec §4.9.
type lockQueue struct {
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading *Transaction // non-nil while one txn's upgrade request is pending
}

// LockManager grants and releases shared/exclusive locks on record ids,
// enforces two-phase locking, and resolves conflicts with wound-wait.
type LockManager struct {
	mu     sync.Mutex
	queues map[RID]*lockQueue
	logger *zap.Logger
}

// NewLockManager returns an empty lock manager.
func NewLockManager(logger *zap.Logger) *LockManager {
	return &LockManager{
		queues: make(map[RID]*lockQueue),
		logger: logger,
	}
}

func (lm *LockManager) queueFor(rid RID) *lockQueue {
	q, ok := lm.queues[rid]
	if !ok {
		q = &lockQueue{}
		q.cond = sync.NewCond(&lm.mu)
		lm.queues[rid] = q
	}
	return q
}

func conflicts(a, b LockMode) bool {
	return a == Exclusive || b == Exclusive
}

// woundWait aborts any granted holder of rid that conflicts with req and is
// younger (higher TxnID) than req's own transaction. It only aborts granted
// holders, never still-waiting requests: a younger waiter is not wounded,
// but req is moved ahead of the first still-waiting request from a younger
// transaction, so the older requester is not queued behind it, exactly as
// in spec §8's worked wound-wait scenario.
func (lm *LockManager) woundWait(q *lockQueue, req *lockRequest) {
	woundedAny := false
	for _, other := range q.requests {
		if other == req || !other.granted || other.txn == req.txn {
			continue
		}
		if !conflicts(req.mode, other.mode) {
			continue
		}
		if other.txn.id > req.txn.id {
			other.txn.state = Aborted
			woundedAny = true
		}
	}
	pos, cur := -1, -1
	for i, r := range q.requests {
		if r == req {
			cur = i
			break
		}
		if pos < 0 && !r.granted && r.txn.id > req.txn.id {
			pos = i
		}
	}
	if pos >= 0 && cur > pos {
		copy(q.requests[pos+1:cur+1], q.requests[pos:cur])
		q.requests[pos] = req
	}
	if woundedAny {
		q.cond.Broadcast()
	}
}

// removeRequest drops req from q's slice, used when a waiting request's
// transaction is aborted (wounded, or otherwise) before it was ever
// granted.
func removeRequest(q *lockQueue, req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// canGrant reports whether req may be granted now. It is blocked by any
// other currently granted request it conflicts with, wherever that request
// sits in the queue - not just ones ahead of it, since LockUpgrade mutates
// an existing request's mode in place rather than re-enqueuing it at the
// tail. It is further blocked by any earlier still-waiting request it
// conflicts with, preserving queue order among waiters (arrival order,
// except where woundWait moved an older requester ahead). Two SHARED requests
// never conflict, so a run of SHARED requests at the head of a queue is
// granted together even if an earlier one happens to still be marked
// ungranted, matching the batch-at-head exception in spec §4.9.
func canGrant(q *lockQueue, req *lockRequest) bool {
	for _, r := range q.requests {
		if r == req {
			continue
		}
		if r.granted && conflicts(req.mode, r.mode) {
			return false
		}
	}
	for _, r := range q.requests {
		if r == req {
			break
		}
		if !r.granted && conflicts(req.mode, r.mode) {
			return false
		}
	}
	return true
}

// LockShared acquires a shared lock on rid for txn, blocking until granted.
// It returns false (and leaves txn ABORTED) if the request is refused or
// the transaction is wounded while waiting.
func (lm *LockManager) LockShared(txn *Transaction, rid RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Aborted {
		return false
	}
	if txn.state == Shrinking {
		txn.state = Aborted
		return false
	}
	if txn.isolation == ReadUncommitted {
		// READ_UNCOMMITTED never takes shared locks; requesting one is a
		// programming error that we treat as an abort rather than a silent
		// grant, since callers rely on LockShared for correctness elsewhere.
		txn.state = Aborted
		return false
	}
	if txn.HoldsShared(rid) || txn.HoldsExclusive(rid) {
		return true
	}

	q := lm.queueFor(rid)
	req := &lockRequest{txn: txn, mode: Shared}
	q.requests = append(q.requests, req)
	lm.woundWait(q, req)

	for {
		if txn.state == Aborted {
			removeRequest(q, req)
			q.cond.Broadcast()
			return false
		}
		if canGrant(q, req) {
			req.granted = true
			txn.sharedSet[rid] = struct{}{}
			return true
		}
		q.cond.Wait()
	}
}

// LockExclusive acquires an exclusive lock on rid for txn, blocking until
// granted.
func (lm *LockManager) LockExclusive(txn *Transaction, rid RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Aborted {
		return false
	}
	if txn.state == Shrinking {
		txn.state = Aborted
		return false
	}
	if txn.HoldsExclusive(rid) {
		return true
	}

	q := lm.queueFor(rid)
	req := &lockRequest{txn: txn, mode: Exclusive}
	q.requests = append(q.requests, req)
	lm.woundWait(q, req)

	for {
		if txn.state == Aborted {
			removeRequest(q, req)
			q.cond.Broadcast()
			return false
		}
		if canGrant(q, req) {
			req.granted = true
			txn.exclusiveSet[rid] = struct{}{}
			return true
		}
		q.cond.Wait()
	}
}

// LockUpgrade promotes txn's existing shared lock on rid to exclusive. Only
// one transaction may have an upgrade pending on a given rid at a time;
// a second concurrent upgrader aborts rather than deadlocking against the
// first, per spec §4.9's upgrade-conflict rule.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if txn.state == Aborted {
		return false
	}
	if txn.state == Shrinking {
		txn.state = Aborted
		return false
	}
	if !txn.HoldsShared(rid) {
		txn.state = Aborted
		return false
	}

	q := lm.queueFor(rid)
	if q.upgrading != nil && q.upgrading != txn {
		txn.state = Aborted
		return false
	}

	var req *lockRequest
	for _, r := range q.requests {
		if r.txn == txn && r.mode == Shared {
			req = r
			break
		}
	}
	if req == nil {
		txn.state = Aborted
		return false
	}

	q.upgrading = txn
	delete(txn.sharedSet, rid)
	req.mode = Exclusive
	req.granted = false
	lm.woundWait(q, req)

	for {
		if txn.state == Aborted {
			q.upgrading = nil
			removeRequest(q, req)
			q.cond.Broadcast()
			return false
		}
		if canGrant(q, req) {
			req.granted = true
			q.upgrading = nil
			txn.exclusiveSet[rid] = struct{}{}
			return true
		}
		q.cond.Wait()
	}
}

// Unlock releases txn's lock (whichever mode it holds) on rid. Under
// REPEATABLE_READ, releasing any lock moves the transaction to SHRINKING;
// under READ_COMMITTED, releasing a shared lock does not (only releasing an
// exclusive lock does), since READ_COMMITTED transactions are expected to
// drop shared locks as soon as a read completes and keep acquiring more.
func (lm *LockManager) Unlock(txn *Transaction, rid RID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	_, hadShared := txn.sharedSet[rid]
	delete(txn.sharedSet, rid)
	delete(txn.exclusiveSet, rid)

	if q, ok := lm.queues[rid]; ok {
		for i, r := range q.requests {
			if r.txn == txn {
				q.requests = append(q.requests[:i], q.requests[i+1:]...)
				break
			}
		}
		if q.upgrading == txn {
			q.upgrading = nil
		}
		q.cond.Broadcast()
	}

	if txn.state == Growing {
		if txn.isolation == ReadCommitted && hadShared {
			// stays GROWING: READ_COMMITTED sheds shared locks eagerly
		} else {
			txn.state = Shrinking
		}
	}
	return true
}
