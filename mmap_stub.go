//go:build appengine || plan9 || js || wasip1 || wasm
// +build appengine plan9 js wasip1 wasm

package ipqsdb

import "errors"

// Platforms without memory map support fall back to reading the file
// into memory.

func mmap(_, _ int) ([]byte, error) {
	return nil, errors.ErrUnsupported
}

func munmap(_ []byte) error {
	return nil
}
