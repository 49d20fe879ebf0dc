package concurrency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rid(n int32) RID { return RID{PageID: 0, SlotNum: uint32(n)} }

func TestLockManager_SharedSharedCompatible(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)
	r := rid(1)

	require.True(t, lm.LockShared(t1, r))
	require.True(t, lm.LockShared(t2, r))
	require.Equal(t, Growing, t1.State())
	require.Equal(t, Growing, t2.State())
}

func TestLockManager_ExclusiveIsExclusive(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(1, RepeatableRead)
	t2 := NewTransaction(2, RepeatableRead)
	r := rid(1)

	require.True(t, lm.LockExclusive(t1, r))

	done := make(chan bool, 1)
	go func() { done <- lm.LockExclusive(t2, r) }()

	select {
	case <-done:
		t.Fatal("t2 must block while t1 holds an exclusive lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, lm.Unlock(t1, r))
	require.True(t, <-done)
}

// TestLockManager_TwoPhaseViolationAborts covers the TwoPhaseViolation row
// of spec §7's error table: acquiring a new lock after the transaction has
// already entered SHRINKING must abort it.
func TestLockManager_TwoPhaseViolationAborts(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(1, RepeatableRead)
	r1, r2 := rid(1), rid(2)

	require.True(t, lm.LockExclusive(t1, r1))
	require.True(t, lm.Unlock(t1, r1))
	require.Equal(t, Shrinking, t1.State())

	ok := lm.LockExclusive(t1, r2)
	require.False(t, ok)
	require.Equal(t, Aborted, t1.State())
}

func TestLockManager_UpgradeSharedToExclusive(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(1, RepeatableRead)
	r := rid(1)

	require.True(t, lm.LockShared(t1, r))
	require.True(t, lm.LockUpgrade(t1, r))
	require.True(t, t1.HoldsExclusive(r))
	require.False(t, t1.HoldsShared(r))
}

// TestLockManager_ConcurrentUpgradeConflict covers the UpgradeConflict row
// of spec §7: a second transaction attempting to upgrade the same rid
// while another upgrade is already pending must abort. t2 is older than t1
// so t1's pending upgrade does not wound it; t2 is refused by the
// one-upgrader-per-queue rule itself.
func TestLockManager_ConcurrentUpgradeConflict(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(2, RepeatableRead)
	t2 := NewTransaction(1, RepeatableRead)
	t3 := NewTransaction(3, RepeatableRead)
	r := rid(1)

	require.True(t, lm.LockShared(t1, r))
	require.True(t, lm.LockShared(t2, r))
	require.True(t, lm.LockShared(t3, r))

	done := make(chan bool, 1)
	go func() { done <- lm.LockUpgrade(t1, r) }()
	time.Sleep(20 * time.Millisecond)

	ok := lm.LockUpgrade(t2, r)
	require.False(t, ok, "a second concurrent upgrader on the same rid must abort")
	require.Equal(t, Aborted, t2.State())

	// t2's abort does not auto-release the shared lock it already held;
	// as the spec's ABORTED contract requires, it must unlock itself.
	require.True(t, lm.Unlock(t2, r))
	require.True(t, lm.Unlock(t3, r))
	require.True(t, <-done)
}

// TestLockManager_WoundWait reproduces spec §8 scenario 5 verbatim: T1
// (id=10) holds X on r, T2 (id=20) requests X and blocks, then T3 (id=5)
// requests X. T1 is younger than T3 and is wounded; T2, though also
// younger than T3, is left waiting untouched since it never held the
// lock, only queued for it. T1 then unlocks as cleanup and T3 acquires.
func TestLockManager_WoundWait(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(10, RepeatableRead)
	t2 := NewTransaction(20, RepeatableRead)
	t3 := NewTransaction(5, RepeatableRead)
	r := rid(1)

	require.True(t, lm.LockExclusive(t1, r))

	t2Done := make(chan bool, 1)
	go func() { t2Done <- lm.LockExclusive(t2, r) }()
	time.Sleep(20 * time.Millisecond)

	t3Done := make(chan bool, 1)
	go func() { t3Done <- lm.LockExclusive(t3, r) }()
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, Aborted, t1.State(), "t1 should be wounded by the older t3")
	require.Equal(t, Growing, t2.State(), "t2 must remain waiting, not wounded")

	// t1 is responsible for releasing its lock once it observes ABORTED.
	require.True(t, lm.Unlock(t1, r))

	select {
	case ok := <-t3Done:
		require.True(t, ok)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("t3 should acquire the lock once t1 releases it")
	}
	require.True(t, t3.HoldsExclusive(r))

	select {
	case <-t2Done:
		t.Fatal("t2 must still be blocked behind t3")
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, lm.Unlock(t3, r))
	require.True(t, <-t2Done)
}

func TestLockManager_ReadUncommittedNeverTakesShared(t *testing.T) {
	lm := NewLockManager(zap.NewNop())
	t1 := NewTransaction(1, ReadUncommitted)
	r := rid(1)

	ok := lm.LockShared(t1, r)
	require.False(t, ok)
	require.Equal(t, Aborted, t1.State())
}
