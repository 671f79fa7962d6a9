package device

import (
	"context"
	"errors"
	"sync"
)

// ErrInjectedFault is returned by a Fault device when a configured failpoint
// fires.
var ErrInjectedFault = errors.New("device: injected fault")

// Failpoint identifies a point in the write path a test can make fail, named
// after the commit-protocol step it corresponds to (see internal/xlog).
type Failpoint int

const (
	// FailNone disables fault injection.
	FailNone Failpoint = iota
	// FailAfterN fails the Nth WriteSector call and every call after it.
	FailAfterN
)

// Fault wraps a Device and can be configured to start failing writes after a
// given number of successful writes, simulating a crash mid-transaction.
// This is a trimmed, sector-oriented adaptation of the teacher's
// failpoint-based crash simulator (pkg/fs/crash_failpoint.go) -- same idea
// ("fail the Nth operation, observe what survives"), applied to sector
// writes instead of whole-file operations.
type Fault struct {
	Device

	mu        sync.Mutex
	mode      Failpoint
	failAfter int
	writes    int
}

// NewFault wraps dev with fault-injection controls. Fault injection is
// disabled until Arm is called.
func NewFault(dev Device) *Fault {
	return &Fault{Device: dev}
}

// Arm configures the fault to fire starting at the (1-indexed) writeCount'th
// WriteSector call: calls before it succeed and are forwarded to the
// wrapped device; that call and all subsequent writes return
// ErrInjectedFault without reaching the wrapped device.
func (f *Fault) Arm(writeCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mode = FailAfterN
	f.failAfter = writeCount
	f.writes = 0
}

// Disarm turns off fault injection.
func (f *Fault) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mode = FailNone
}

// WriteCount reports how many WriteSector calls have been observed
// (including failed ones), for assertions.
func (f *Fault) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writes
}

func (f *Fault) WriteSector(ctx context.Context, sector uint32, src []byte) error {
	f.mu.Lock()
	f.writes++
	fire := f.mode == FailAfterN && f.writes >= f.failAfter
	f.mu.Unlock()

	if fire {
		return ErrInjectedFault
	}

	return f.Device.WriteSector(ctx, sector, src)
}
