//go:build kernel

package goruntime

import (
	_ "unsafe" // required for go:linkname
)

// The runtime does not export these symbols so the kernel image must be
// linked with -ldflags=-checklinkname=0.

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()
