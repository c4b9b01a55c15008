// Package irq provides a GSI-indexed interrupt dispatch table. It models the
// registration contract ACPICA expects from AcpiOsInstallInterruptHandler
// and AcpiOsRemoveInterruptHandler without a real IDT behind it: Dispatch is
// the entry point an actual interrupt delivery path would call, and is also
// how tests simulate a GSI firing.
package irq

import (
	"github.com/glidix-go/corekit/kernel"
	"github.com/glidix-go/corekit/kernel/sync"
)

// MaxGSI bounds the set of global system interrupt numbers this table can
// dispatch. 16 covers the legacy PIC range; SCI routing on real hardware can
// exceed this, but nothing in this module needs more.
const MaxGSI = 16

// Handler is invoked when its registered GSI fires. context is the opaque
// pointer supplied at registration time, passed back unmodified.
type Handler func(context uintptr) uint32

// Handled by the ACPICA interrupt handler convention: a handler returns
// InterruptHandled if it serviced the interrupt or InterruptNotHandled if it
// was not the owner (letting a shared-GSI chain continue).
const (
	InterruptNotHandled uint32 = 0
	InterruptHandled    uint32 = 1
)

var (
	errAlreadyRegistered = &kernel.Error{Module: "irq", Message: "a handler is already installed for this interrupt", Kind: kernel.InvalidArgument}
	errNotRegistered     = &kernel.Error{Module: "irq", Message: "no handler is installed for this interrupt", Kind: kernel.InvalidArgument}
	errBadGSI            = &kernel.Error{Module: "irq", Message: "interrupt number out of range", Kind: kernel.InvalidArgument}
)

type registration struct {
	handler Handler
	context uintptr
}

var (
	tableLock sync.IRQSpinlock
	table     [MaxGSI]*registration
)

// Install registers handler for gsi, to be invoked with context whenever
// Dispatch(gsi) is called. It mirrors AcpiOsInstallInterruptHandler's
// contract: only one handler may own a given GSI at a time.
func Install(gsi uint32, handler Handler, context uintptr) *kernel.Error {
	if gsi >= MaxGSI {
		return errBadGSI
	}

	tableLock.Acquire()
	defer tableLock.Release()

	if table[gsi] != nil {
		return errAlreadyRegistered
	}

	table[gsi] = &registration{handler: handler, context: context}
	return nil
}

// Remove unregisters the handler previously installed for gsi.
func Remove(gsi uint32, handler Handler) *kernel.Error {
	if gsi >= MaxGSI {
		return errBadGSI
	}

	tableLock.Acquire()
	defer tableLock.Release()

	if table[gsi] == nil {
		return errNotRegistered
	}

	table[gsi] = nil
	return nil
}

// Dispatch invokes the handler installed for gsi, if any, and returns its
// result. It stands in for the generic interrupt entry point
// (AcpiOsGenericInt in the firmware OS layer this package backs) that a real
// IDT stub would call after acknowledging the interrupt controller.
func Dispatch(gsi uint32) uint32 {
	if gsi >= MaxGSI {
		return InterruptNotHandled
	}

	tableLock.Acquire()
	reg := table[gsi]
	tableLock.Release()

	if reg == nil {
		return InterruptNotHandled
	}

	return reg.handler(reg.context)
}

// Installed reports whether a handler is currently registered for gsi. It
// exists for diagnostics and tests.
func Installed(gsi uint32) bool {
	if gsi >= MaxGSI {
		return false
	}

	tableLock.Acquire()
	defer tableLock.Release()

	return table[gsi] != nil
}
