// Package abort implements the Abort Injector (spec §4.9): an optional
// cancellation-path exerciser that, for requests whose tag lands on a
// configured cadence, spawns a short-lived goroutine that sleeps a
// randomized interval and then issues an abort against that tag.
//
// The spawn-a-short-lived-helper-goroutine shape follows the teacher's
// signal-handling goroutines in cmd/ublk-mem/main.go (one goroutine per
// async event, not a worker-owned loop).
package abort

import (
	"fmt"
	"math/rand"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/sgdd/internal/constants"
	"github.com/ehrlich-b/sgdd/internal/interfaces"
)

// sgIOAbort is SG_IOABORT from <scsi/sg.h>, taking the pack_id (tag)
// of the request to cancel.
const sgIOAbort = 0x2284

// Injector issues aborts against a sample of in-flight tags to exercise
// the completion classifier's ABORTED_RETRY path.
type Injector struct {
	Cadence uint64 // abort every tag ≡ 0 (mod Cadence); 0 disables
	Logger  interfaces.Logger

	successes uint64
	noMatches uint64
}

// ShouldInject reports whether tag is sampled for abort injection.
func (i *Injector) ShouldInject(tag uint64) bool {
	return i.Cadence > 0 && tag%i.Cadence == 0
}

// Inject spawns the short-lived abort helper for tag against endpoint's
// fd. It does not block the caller.
func (i *Injector) Inject(ep interfaces.Endpoint, tag uint64) {
	if !ep.IsPassThrough() {
		return
	}
	fd := ep.FD()
	go i.run(fd, tag)
}

func (i *Injector) run(fd int, tag uint64) {
	delay := constants.AbortInjectorMinDelay +
		time.Duration(rand.Int63n(int64(constants.AbortInjectorMaxDelay-constants.AbortInjectorMinDelay)))
	time.Sleep(delay)

	ok, err := abortTag(fd, tag)
	if err != nil {
		if i.Logger != nil {
			i.Logger.Debugf("abort injector: tag=%d fd=%d error=%v", tag, fd, err)
		}
		return
	}
	if ok {
		i.successes++
	} else {
		i.noMatches++
	}
}

// Successes and NoMatches report the injector's lifetime counters. Not
// safe for concurrent reads against concurrent Inject calls; callers
// read these only after the coordinator has joined all workers.
func (i *Injector) Successes() uint64 { return i.successes }
func (i *Injector) NoMatches() uint64 { return i.noMatches }

func abortTag(fd int, tag uint64) (matched bool, err error) {
	packID := int32(tag)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(sgIOAbort), uintptr(unsafe.Pointer(&packID)))
	if errno != 0 {
		if errno == unix.ENODATA || errno == unix.ENOENT {
			return false, nil
		}
		return false, fmt.Errorf("abort: ioctl SG_IOABORT tag=%d: %w", tag, errno)
	}
	return true, nil
}
