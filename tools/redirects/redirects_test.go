package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestModulePath(t *testing.T) {
	specs := []struct {
		goMod  string
		exp    string
		expErr error
	}{
		{"module corekern\n\ngo 1.24\n", "corekern", nil},
		{"// comment\nmodule \"example.com/kern\"\n", "example.com/kern", nil},
		{"go 1.24\n", "", errNoModuleLine},
	}

	for specIndex, spec := range specs {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "go.mod"), spec.goMod)

		got, err := modulePath(root)
		assert.Equal(t, spec.expErr, err, "spec %d", specIndex)
		assert.Equal(t, spec.exp, got, "spec %d", specIndex)
	}

	_, err := modulePath(t.TempDir())
	assert.Error(t, err)
}

func TestFindRedirects(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.mod"), "module corekern\n")
	writeFile(t, filepath.Join(root, "kernel", "kfmt", "panic.go"), `package kfmt

// Panic halts the CPU.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {}

//go:redirect-from runtime.throw
func panicString(msg string) {}

// Printf is not redirected.
func Printf(format string, args ...interface{}) {}
`)
	writeFile(t, filepath.Join(root, "kernel", "kfmt", "panic_test.go"), `package kfmt

//go:redirect-from runtime.ignored
func testHelper() {}
`)

	goFiles, err := collectGoFiles(filepath.Join(root, "kernel"))
	require.NoError(t, err)
	require.Len(t, goFiles, 1)

	redirects, err := findRedirects("corekern", root, goFiles)
	require.NoError(t, err)
	require.Len(t, redirects, 2)

	assert.Equal(t, "runtime.gopanic", redirects[0].src)
	assert.Equal(t, "corekern/kernel/kfmt.Panic", redirects[0].dst)
	assert.Equal(t, "runtime.throw", redirects[1].src)
	assert.Equal(t, "corekern/kernel/kfmt.panicString", redirects[1].dst)
}

func TestFindRedirectsMalformed(t *testing.T) {
	root := t.TempDir()
	goFile := filepath.Join(root, "kernel", "sync", "lock.go")
	writeFile(t, goFile, `package sync

//go:redirect-from runtime.lock extra
func lock() {}
`)

	_, err := findRedirects("corekern", root, []string{goFile})
	assert.EqualError(t, err, `malformed go:redirect-from syntax for "corekern/kernel/sync.lock"`)
}

func TestResolveAndWriteRedirectTable(t *testing.T) {
	redirects := []*redirect{
		{src: "runtime.gopanic", dst: "corekern/kernel/kfmt.Panic"},
	}
	symbols := []elf.Symbol{
		{Name: "runtime.gopanic", Value: 0x1000},
		{Name: "corekern/kernel/kfmt.Panic", Value: 0x2000},
	}

	require.NoError(t, resolveRedirectSymbols(redirects, symbols))

	var buf bytes.Buffer
	require.NoError(t, writeRedirectTable(&buf, redirects))
	require.Equal(t, 16, buf.Len())
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(buf.Bytes()[0:]))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(buf.Bytes()[8:]))

	missing := []*redirect{{src: "runtime.throw", dst: "corekern/kernel/kfmt.panicString"}}
	assert.EqualError(t, resolveRedirectSymbols(missing, symbols), `could not locate address of "runtime.throw"`)
}
