// Package device defines the interfaces implemented by device drivers and the
// machinery for detecting and managing them.
package device

import (
	"corekern/kernel"
	"corekern/kernel/mem/heap"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// Activate initializes the device driver. If the driver needs to log
	// some output, it can use the supplied io.Writer in conjunction with a
	// call to kfmt.Fprintf.
	Activate(w io.Writer) *kernel.Error

	// Deactivate shuts down the device and releases any resources held
	// by the driver.
	Deactivate() *kernel.Error

	// Reset restores the device to its initial state.
	Reset() *kernel.Error
}

// ProbeFn is a function that scans for the presence of a particular piece of
// hardware and returns a driver for it or nil if the hardware is not
// present. Drivers that need dynamic memory obtain it from alloc.
type ProbeFn func(alloc heap.Allocator) Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hardware detection code.
type DetectOrder int8

const (
	// DetectOrderEarly specifies that the driver's probe function should
	// be executed at the beginning of the HW detection phase.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeACPI specifies that the driver's probe function
	// should be executed before attempting any ACPI-based HW detection.
	DetectOrderBeforeACPI DetectOrder = -127

	// DetectOrderACPI specifies that the driver's probe function should
	// be executed along with the ACPI-based HW detection.
	DetectOrderACPI DetectOrder = 0

	// DetectOrderLast specifies that the driver's probe function should
	// be executed at the end of the HW detection phase.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo is used by drivers in order to register their existence with
// the device package. Drivers should invoke RegisterDriver in their init()
// function.
type DriverInfo struct {
	// Order specifies at which stage of the HW detection step should
	// the probe function be invoked.
	Order DetectOrder

	// Probe is a function that checks for the presence of a particular
	// piece of hardware and returns back a driver for it.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds the supplied driver info object to the list of
// registered drivers. The list can be retrieved by a call to DriverList().
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
