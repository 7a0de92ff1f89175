package device

import (
	"bytes"
	"corekern/kernel"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem/heap"
	"io"
	"sort"
)

var errTooManyDrivers = &kernel.Error{Module: "hal", Message: "driver capacity exceeded"}

// Manager keeps track of the active device drivers.
type Manager struct {
	// Capacity limits the number of drivers that can be active at the
	// same time. A zero value allows an unlimited number of drivers.
	Capacity int

	drivers []Driver
	strBuf  bytes.Buffer
}

// NewManager returns a Manager that accepts up to capacity drivers.
func NewManager(capacity int) *Manager {
	return &Manager{Capacity: capacity}
}

// Probe sorts driverInfoList by detection order and executes the probe
// function for each entry. Detected drivers are activated and tracked by the
// manager. Driver output is sent to sink with each line prefixed by the
// driver name and version.
func (m *Manager) Probe(driverInfoList DriverInfoList, alloc heap.Allocator, sink io.Writer) *kernel.Error {
	sort.Stable(driverInfoList)

	var w = kfmt.PrefixWriter{Sink: sink}
	for _, info := range driverInfoList {
		drv := info.Probe(alloc)
		if drv == nil {
			continue
		}

		m.setPrefix(&w, drv)

		if m.full() {
			kfmt.Fprintf(&w, "not activated: %s\n", errTooManyDrivers.Message)
			return errTooManyDrivers
		}

		if err := drv.Activate(&w); err != nil {
			kfmt.Fprintf(&w, "activation failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "activated\n")
		m.drivers = append(m.drivers, drv)
	}

	return nil
}

// Add tracks a driver that has already been activated.
func (m *Manager) Add(drv Driver) *kernel.Error {
	if m.full() {
		return errTooManyDrivers
	}

	m.drivers = append(m.drivers, drv)
	return nil
}

// Drivers returns the active drivers in activation order.
func (m *Manager) Drivers() []Driver {
	return append([]Driver(nil), m.drivers...)
}

// Len returns the number of active drivers.
func (m *Manager) Len() int {
	return len(m.drivers)
}

// DriverByName returns the active driver with the given name or nil.
func (m *Manager) DriverByName(name string) Driver {
	for _, drv := range m.drivers {
		if drv.DriverName() == name {
			return drv
		}
	}

	return nil
}

// ResetAll resets every active driver and returns the first error
// encountered. Failures are also reported to sink.
func (m *Manager) ResetAll(sink io.Writer) *kernel.Error {
	var (
		w        = kfmt.PrefixWriter{Sink: sink}
		firstErr *kernel.Error
	)

	for _, drv := range m.drivers {
		if err := drv.Reset(); err != nil {
			m.setPrefix(&w, drv)
			kfmt.Fprintf(&w, "reset failed: %s\n", err.Message)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// DeactivateAll deactivates the active drivers in reverse activation order
// and stops tracking them. It returns the first error encountered.
func (m *Manager) DeactivateAll(sink io.Writer) *kernel.Error {
	var (
		w        = kfmt.PrefixWriter{Sink: sink}
		firstErr *kernel.Error
	)

	for index := len(m.drivers) - 1; index >= 0; index-- {
		drv := m.drivers[index]
		m.setPrefix(&w, drv)

		if err := drv.Deactivate(); err != nil {
			kfmt.Fprintf(&w, "deactivation failed: %s\n", err.Message)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		kfmt.Fprintf(&w, "deactivated\n")
	}

	m.drivers = m.drivers[:0]
	return firstErr
}

func (m *Manager) full() bool {
	return m.Capacity > 0 && len(m.drivers) >= m.Capacity
}

func (m *Manager) setPrefix(w *kfmt.PrefixWriter, drv Driver) {
	m.strBuf.Reset()
	major, minor, patch := drv.DriverVersion()
	kfmt.Fprintf(&m.strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
	w.Prefix = m.strBuf.Bytes()
}
