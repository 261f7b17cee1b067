package lib

import (
	"fmt"
	"sync"
	"time"
)

// schedCtx is the sleep/wake primitive shared by the blocking user APIs
// and the packet-processing worker. A context belongs to exactly one
// PCB and its condition variable is bound to that PCB table's mutex:
// schedSleep must be called with that mutex held, releases it while
// waiting and reacquires it before returning.
type schedCtx struct {
	cond        *sync.Cond
	interrupted bool
	wc          int // waiter count
}

func schedCtxInit(ctx *schedCtx, l sync.Locker) {
	ctx.cond = sync.NewCond(l)
	ctx.interrupted = false
	ctx.wc = 0
}

// schedCtxDestroy fails while waiters remain; the caller is expected to
// wake them and retry.
func schedCtxDestroy(ctx *schedCtx) error {
	if ctx.wc > 0 {
		return fmt.Errorf("%d waiter(s) remain: %w", ctx.wc, ErrInvalidState)
	}
	return nil
}

// schedSleep blocks until the context is woken, interrupted, or the
// deadline passes (zero deadline means wait indefinitely). The last
// waiter to observe the interrupted flag clears it.
func schedSleep(ctx *schedCtx, deadline time.Time) error {
	if ctx.interrupted {
		return ErrInterrupted
	}
	ctx.wc++
	var timer *time.Timer
	if !deadline.IsZero() {
		timer = time.AfterFunc(time.Until(deadline), ctx.cond.Broadcast)
	}
	ctx.cond.Wait()
	if timer != nil {
		timer.Stop()
	}
	ctx.wc--
	if ctx.interrupted {
		if ctx.wc == 0 {
			ctx.interrupted = false
		}
		return ErrInterrupted
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return ErrTimeout
	}
	return nil
}

func schedWakeup(ctx *schedCtx) {
	ctx.cond.Broadcast()
}

func schedInterrupt(ctx *schedCtx) {
	ctx.interrupted = true
	ctx.cond.Broadcast()
}
