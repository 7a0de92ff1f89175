package console

import (
	"corekern/device"
	"corekern/kernel"
	"corekern/kernel/hal/multiboot"
	"corekern/kernel/kfmt"
	"corekern/kernel/mem"
	"corekern/kernel/mem/heap"
	"io"
	"unsafe"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	egaWidth      = 80
	egaHeight     = 25
	egaFbPhysAddr = uintptr(0xb8000)
)

var (
	errNoShadowBuffer = &kernel.Error{Module: "ega", Message: "unable to allocate shadow buffer"}

	getFramebufferInfoFn = multiboot.GetFramebufferInfo
)

// Ega implements an EGA-compatible text console. All operations are applied
// to a shadow buffer allocated from the kernel heap and then propagated to
// the physical frame buffer. Scrolling only reads the shadow buffer which
// avoids slow reads from video memory.
type Ega struct {
	width  uint16
	height uint16

	fbPhysAddr uintptr
	fb         []uint16

	alloc      heap.Allocator
	shadowAddr uintptr
	shadow     []uint16
}

// NewEga returns a console for a width x height frame buffer located at
// fbPhysAddr. If alloc is nil the console writes directly to the frame
// buffer.
func NewEga(width, height uint16, fbPhysAddr uintptr, alloc heap.Allocator) *Ega {
	return &Ega{
		width:      width,
		height:     height,
		fbPhysAddr: fbPhysAddr,
		alloc:      alloc,
	}
}

// DriverName returns the name of this driver.
func (cons *Ega) DriverName() string {
	return "ega_text_console"
}

// DriverVersion returns the version of this driver.
func (cons *Ega) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// Activate maps the frame buffer, allocates the shadow buffer and clears the
// screen.
func (cons *Ega) Activate(w io.Writer) *kernel.Error {
	cells := int(cons.width) * int(cons.height)
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(cons.fbPhysAddr)), cells)
	cons.shadow = cons.fb

	if cons.alloc != nil {
		addr, err := cons.alloc.Malloc(mem.Size(cells) * 2)
		if err != nil {
			cons.fb, cons.shadow = nil, nil
			return errNoShadowBuffer
		}

		cons.shadowAddr = addr
		cons.shadow = unsafe.Slice((*uint16)(unsafe.Pointer(addr)), cells)
	}

	cons.Clear(0, 0, cons.width, cons.height)
	kfmt.Fprintf(w, "%dx%d text mode, frame buffer at 0x%x\n", cons.width, cons.height, cons.fbPhysAddr)
	return nil
}

// Deactivate releases the shadow buffer.
func (cons *Ega) Deactivate() *kernel.Error {
	if cons.shadowAddr != 0 {
		if err := cons.alloc.Free(cons.shadowAddr); err != nil {
			return err
		}
	}

	cons.shadowAddr = 0
	cons.fb, cons.shadow = nil, nil
	return nil
}

// Reset clears the screen.
func (cons *Ega) Reset() *kernel.Error {
	cons.Clear(0, 0, cons.width, cons.height)
	return nil
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	if cons.shadow == nil {
		return
	}

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.shadow[colOffset] = clr
			cons.fb[colOffset] = clr
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if cons.shadow == nil || lines == 0 || lines > cons.height {
		return
	}

	offset := lines * cons.width
	cells := cons.height * cons.width

	switch dir {
	case Up:
		copy(cons.shadow[:cells-offset], cons.shadow[offset:])
	case Down:
		copy(cons.shadow[offset:], cons.shadow[:cells-offset])
	}

	cons.flush()
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if cons.shadow == nil || x >= cons.width || y >= cons.height {
		return
	}

	cell := (uint16(attr) << 8) | uint16(ch)
	cons.shadow[(y*cons.width)+x] = cell
	cons.fb[(y*cons.width)+x] = cell
}

// flush copies the shadow buffer contents to the frame buffer.
func (cons *Ega) flush() {
	if cons.shadowAddr == 0 {
		return
	}

	mem.Memcopy(cons.shadowAddr, cons.fbPhysAddr, mem.Size(len(cons.shadow))*2)
}

// probeForEgaConsole uses the frame buffer reported by the boot loader. When
// no frame buffer tag is present it assumes the standard 80x25 text mode.
func probeForEgaConsole(alloc heap.Allocator) device.Driver {
	fbInfo := getFramebufferInfoFn()
	if fbInfo == nil {
		return NewEga(egaWidth, egaHeight, egaFbPhysAddr, alloc)
	}

	if fbInfo.Type != multiboot.FramebufferTypeEGA {
		return nil
	}

	return NewEga(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr), alloc)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForEgaConsole,
	})
}
