package watchdog

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestAddSignalSetsExpectedBit(t *testing.T) {
	var set unix.Sigset_t
	addSignal(&set, unix.SIGINT)

	n := uint(unix.SIGINT) - 1
	if set.Val[n/64]&(1<<(n%64)) == 0 {
		t.Fatalf("SIGINT bit not set in sigset")
	}
}

func TestAnnounceStallTogglesOnce(t *testing.T) {
	w := &Watchdog{}
	w.announceStall()
	if !w.stalled.Load() {
		t.Fatal("expected stalled to be true after first announce")
	}
	w.announceStall() // should not panic on repeated announce
}

// TestReportProgressIsIdempotent confirms spec §8 property 8: delivering
// the progress signal any number of times only ever calls OnProgress,
// never OnStop — counters and exit code stay untouched regardless of
// how many reports are requested.
func TestReportProgressIsIdempotent(t *testing.T) {
	var progressCalls, stopCalls int
	w := &Watchdog{
		OnProgress: func() { progressCalls++ },
		OnStop:     func() { stopCalls++ },
	}

	for i := 0; i < 5; i++ {
		w.reportProgress()
	}

	if progressCalls != 5 {
		t.Fatalf("expected 5 progress calls, got %d", progressCalls)
	}
	if stopCalls != 0 {
		t.Fatalf("expected reportProgress to never invoke OnStop, got %d calls", stopCalls)
	}
}

// TestReportProgressToleratesNilCallback confirms a Watchdog built
// without OnProgress (the common case outside sgdd.Copy's own wiring)
// doesn't panic when the progress signal arrives.
func TestReportProgressToleratesNilCallback(t *testing.T) {
	w := &Watchdog{}
	w.reportProgress() // must not panic
}

// TestHandleShutdownInvokesOnStopOnce confirms the renamed internal
// shutdown path (SIGTERM, not SIGUSR2 — see internalShutdown) still
// drives OnStop exactly once per call, independent of the progress
// signals' idempotent no-stop behavior above.
func TestHandleShutdownInvokesOnStopOnce(t *testing.T) {
	var stopCalls int
	w := &Watchdog{OnStop: func() { stopCalls++ }}
	w.handleShutdown()
	if stopCalls != 1 {
		t.Fatalf("expected exactly 1 OnStop call, got %d", stopCalls)
	}
}
