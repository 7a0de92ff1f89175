//go:build !kernel

package goruntime

// Hosted builds run on top of an already initialized Go runtime.

func algInit()       {}
func modulesInit()   {}
func typeLinksInit() {}
func itabsInit()     {}
func mallocInit()    {}
