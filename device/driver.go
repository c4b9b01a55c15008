// Package device defines the driver registration contract used by the
// hardware probes in this repository (currently just the ACPI table
// enumerator) without pulling in any particular console/TTY stack.
package device

import (
	"io"

	"github.com/glidix-go/corekit/kernel"
)

// Driver is implemented by all drivers registered with this package.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver, writing any diagnostic
	// output to w.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder specifies when a driver's Probe function should run relative
// to the other registered drivers.
type DetectOrder uint8

// The supported detection order values, in the order they run.
const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo describes a driver registration.
type DriverInfo struct {
	// Order controls when Probe is invoked relative to other drivers.
	Order DetectOrder

	// Probe attempts to detect the associated hardware and, if found,
	// returns a ready-to-initialize Driver. It returns nil otherwise.
	Probe func() Driver
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds a driver registration to the list probed by
// DriverList. It is typically called from a driver package's init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the currently registered driver list.
func DriverList() DriverInfoList {
	return registeredDrivers
}
