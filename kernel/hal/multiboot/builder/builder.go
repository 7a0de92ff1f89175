// Package builder assembles multiboot2 information blocks in regular memory.
// It is used by hosted tools and tests that need to hand boot information to
// code that normally receives it from the boot loader.
package builder

import (
	"corekern/kernel/hal/multiboot"
	"encoding/binary"
	"unsafe"
)

// Tag types and sizes understood by the multiboot package.
const (
	tagEnd           = 0
	tagBootCmdLine   = 1
	tagBasicMemInfo  = 4
	tagMemoryMap     = 6
	tagFramebuffer   = 8
	tagHeaderLen     = 8
	mmapEntrySize    = 24
	mmapEntryVersion = 0
)

// Builder collects the boot information to be encoded. The zero value
// describes an info block without any tags.
type Builder struct {
	cmdLine string
	memInfo *multiboot.BasicMemInfo
	regions []multiboot.MemoryMapEntry
	fbInfo  *multiboot.FramebufferInfo
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// SetMemInfo sets the basic memory information tag. Both values are in KiB.
func (b *Builder) SetMemInfo(memLower, memUpper uint32) *Builder {
	b.memInfo = &multiboot.BasicMemInfo{MemLower: memLower, MemUpper: memUpper}
	return b
}

// SetCmdLine sets the kernel command line tag.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// AddRegion appends an entry to the memory map tag.
func (b *Builder) AddRegion(physAddr, length uint64, entryType multiboot.MemoryEntryType) *Builder {
	b.regions = append(b.regions, multiboot.MemoryMapEntry{
		PhysAddress: physAddr,
		Length:      length,
		Type:        entryType,
	})
	return b
}

// SetFramebuffer sets the framebuffer information tag.
func (b *Builder) SetFramebuffer(info multiboot.FramebufferInfo) *Builder {
	b.fbInfo = &info
	return b
}

// Bytes encodes the collected tags using the multiboot2 wire format.
func (b *Builder) Bytes() []byte {
	buf := make([]byte, 8, 256)

	if b.cmdLine != "" {
		payload := append([]byte(b.cmdLine), 0)
		buf = appendTag(buf, tagBootCmdLine, payload)
	}

	if b.memInfo != nil {
		payload := binary.LittleEndian.AppendUint32(nil, b.memInfo.MemLower)
		payload = binary.LittleEndian.AppendUint32(payload, b.memInfo.MemUpper)
		buf = appendTag(buf, tagBasicMemInfo, payload)
	}

	if len(b.regions) != 0 {
		payload := binary.LittleEndian.AppendUint32(nil, mmapEntrySize)
		payload = binary.LittleEndian.AppendUint32(payload, mmapEntryVersion)
		for _, region := range b.regions {
			payload = binary.LittleEndian.AppendUint64(payload, region.PhysAddress)
			payload = binary.LittleEndian.AppendUint64(payload, region.Length)
			payload = binary.LittleEndian.AppendUint32(payload, uint32(region.Type))
			payload = binary.LittleEndian.AppendUint32(payload, 0)
		}
		buf = appendTag(buf, tagMemoryMap, payload)
	}

	if b.fbInfo != nil {
		payload := binary.LittleEndian.AppendUint64(nil, b.fbInfo.PhysAddr)
		payload = binary.LittleEndian.AppendUint32(payload, b.fbInfo.Pitch)
		payload = binary.LittleEndian.AppendUint32(payload, b.fbInfo.Width)
		payload = binary.LittleEndian.AppendUint32(payload, b.fbInfo.Height)
		payload = append(payload, b.fbInfo.Bpp, uint8(b.fbInfo.Type), 0, 0)
		buf = appendTag(buf, tagFramebuffer, payload)
	}

	buf = appendTag(buf, tagEnd, nil)

	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	return buf
}

// Install encodes the collected tags and points the multiboot package at the
// result. The returned slice backs the installed info block and must be kept
// alive for as long as the multiboot package is in use.
func (b *Builder) Install() []byte {
	data := b.Bytes()
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))
	return data
}

// appendTag appends a tag header followed by payload and pads the result so
// that the next tag starts at an 8-byte aligned offset.
func appendTag(buf []byte, tagType uint32, payload []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, tagType)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tagHeaderLen+len(payload)))
	buf = append(buf, payload...)

	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	return buf
}
