// Package asynclock implements the single-flight guard used to keep at most
// one poll (or one report) in flight at a time (spec §4.2, §5). It has no
// teacher analogue: the teacher's single-flight guarantee fell out for free
// from a single cooperative ticker (internal/sync.Engine.Run drove exactly
// one loop), but this spec's poll and report loops run independently, so the
// mutual exclusion the teacher got from scheduling alone has to be made
// explicit here.
//
// This is deliberately NOT a queuing mutex. A slow call under a queuing lock
// would stack up ticks and defeat the rate-limiting intent (spec Design Note
// "Async lock semantics") — tryExecute either runs f now or reports busy
// immediately, never waits.
package asynclock

import "sync/atomic"

// Lock is a non-reentrant, non-queuing single-flight guard. The zero value
// is ready to use.
type Lock struct {
	held atomic.Bool
}

// TryExecute attempts to acquire the lock and run f. If the lock is already
// held, it returns false immediately without running f and without
// blocking. The lock is released on every exit path from f, including a
// panic, via defer.
func (l *Lock) TryExecute(f func()) (ran bool) {
	if !l.held.CompareAndSwap(false, true) {
		return false
	}
	defer l.held.Store(false)
	f()
	return true
}

// TryExecuteErr is TryExecute for functions that return an error. If the
// lock is busy, it returns (false, nil) — busy is not itself an error.
func (l *Lock) TryExecuteErr(f func() error) (ran bool, err error) {
	if !l.held.CompareAndSwap(false, true) {
		return false, nil
	}
	defer l.held.Store(false)
	return true, f()
}

// Held reports whether the lock is currently held. Intended for
// observability only — never use it to decide whether to call TryExecute,
// since that would reintroduce a race TryExecute itself doesn't have.
func (l *Lock) Held() bool {
	return l.held.Load()
}
