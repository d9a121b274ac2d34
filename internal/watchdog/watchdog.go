// Package watchdog implements the dedicated stall-detection and
// signal-consuming thread (spec §4.7). It blocks SIGINT and an internal
// shutdown signal for the whole process, then itself waits with timeout
// for those signals on a dedicated OS thread, escalating the timeout
// (ICT → CRT) when the monotonic request-tag counter stops advancing.
package watchdog

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// internalShutdown is the process-internal signal used for clean
// shutdown requests that aren't SIGINT (spec §4.7's "internal signal").
// SIGUSR1/SIGUSR2 are reserved by spec §6's Progress section for the
// running-report and ordering-broadcast debugging aid, so shutdown uses
// SIGTERM instead.
const internalShutdown = syscall.SIGTERM

// TagCounter is satisfied by anything exposing a monotonically
// increasing progress counter the watchdog can sample — internal/sgio's
// NextTag counter, or a coordinator-level completed-segment count.
type TagCounter interface {
	Load() uint64
}

// Watchdog runs on its own OS thread (LockOSThread), blocking SIGINT and
// internalShutdown for the process and waiting on them with a timeout
// that escalates from InitialCheckTime to ContinuingCheckTime after the
// first observed stall.
type Watchdog struct {
	Tags               TagCounter
	InitialCheckTime   time.Duration
	ContinuingCheckTime time.Duration
	Logger             interfaces.Logger

	stop    atomic.Bool
	stalled atomic.Bool

	// OnStop is invoked once when SIGINT or internalShutdown is observed:
	// the coordinator wires this to raise the global stop flag and
	// broadcast the ordering condition.
	OnStop func()

	// OnProgress, if non-nil, is invoked on SIGUSR1 and SIGUSR2 to print a
	// running report (spec §6 Progress: records in, records out,
	// remaining count, throughput). It must be idempotent and side-effect
	// free beyond logging — repeated delivery never mutates counters or
	// the exit code (spec §8 property 8).
	OnProgress func()

	// OnOrderingDebug, if non-nil, is additionally invoked on SIGUSR2 to
	// broadcast the ordering condition as a deadlock-debugging aid.
	OnOrderingDebug func()
}

// Run installs the signal mask and blocks until Stop is called or a
// terminating signal arrives. It must run on its own goroutine; the
// caller typically does `go wd.Run()`.
func (w *Watchdog) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.Sigset_t
	addSignal(&set, unix.SIGINT)
	addSignal(&set, internalShutdown)
	addSignal(&set, unix.SIGUSR1)
	addSignal(&set, unix.SIGUSR2)

	var oldSet unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &oldSet); err != nil {
		if w.Logger != nil {
			w.Logger.Errorf("watchdog: pthread_sigmask: %v", err)
		}
		return
	}

	timeout := w.InitialCheckTime
	var lastTags uint64
	if w.Tags != nil {
		lastTags = w.Tags.Load()
	}

	for !w.stop.Load() {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		sig, err := unix.Sigtimedwait(&set, nil, &ts)
		if err != nil {
			if err == unix.EAGAIN {
				// Timed out: sample the progress counter.
				if w.Tags != nil {
					cur := w.Tags.Load()
					if cur == lastTags {
						w.announceStall()
						timeout = w.ContinuingCheckTime
					} else {
						timeout = w.InitialCheckTime
					}
					lastTags = cur
				}
				continue
			}
			if err == unix.EINTR {
				continue
			}
			if w.Logger != nil {
				w.Logger.Errorf("watchdog: sigtimedwait: %v", err)
			}
			return
		}

		switch syscall.Signal(sig) {
		case unix.SIGINT:
			w.handleSIGINT(&oldSet)
			return
		case internalShutdown:
			w.handleShutdown()
			return
		case unix.SIGUSR1:
			w.reportProgress()
		case unix.SIGUSR2:
			w.reportProgress()
			if w.OnOrderingDebug != nil {
				w.OnOrderingDebug()
			}
		}
	}
}

func (w *Watchdog) announceStall() {
	if !w.stalled.Swap(true) {
		if w.Logger != nil {
			w.Logger.Warn("watchdog: pipeline stalled, escalating check interval")
		}
	} else if w.Logger != nil {
		w.Logger.Warn("watchdog: pipeline still stalled")
	}
}

func (w *Watchdog) handleSIGINT(oldSet *unix.Sigset_t) {
	if w.OnStop != nil {
		w.OnStop()
	}
	// Restore the original signal mask and re-raise SIGINT so the
	// process dies with the conventional exit status (spec §4.7).
	unix.PthreadSigmask(unix.SIG_SETMASK, oldSet, nil)
	unix.Kill(unix.Getpid(), unix.SIGINT)
}

// reportProgress prints a running report (spec §6 Progress). Delivering
// SIGUSR1 or SIGUSR2 any number of times only ever calls this, never
// OnStop, so counters and exit code are untouched (spec §8 property 8).
func (w *Watchdog) reportProgress() {
	if w.OnProgress != nil {
		w.OnProgress()
	}
}

func (w *Watchdog) handleShutdown() {
	if w.OnStop != nil {
		w.OnStop()
	}
}

// Stop requests Run's loop to exit on its next timeout wakeup. Callers
// that need immediate termination should instead send internalShutdown.
func (w *Watchdog) Stop() {
	w.stop.Store(true)
}

func addSignal(set *unix.Sigset_t, sig syscall.Signal) {
	n := uint(sig) - 1
	set.Val[n/64] |= 1 << (n % 64)
}
