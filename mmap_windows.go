//go:build windows && !appengine
// +build windows,!appengine

package ipqsdb

import (
	"errors"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Unmapping a view on Windows needs the file-mapping handle as well as
// the base address, so mmap records the handle for munmap to find.
var mappings = struct {
	sync.Mutex
	handles map[uintptr]windows.Handle
}{handles: map[uintptr]windows.Handle{}}

func mmap(fd, length int) ([]byte, error) {
	handle, err := windows.CreateFileMapping(
		windows.Handle(fd), nil, windows.PAGE_READONLY, 0, uint32(length), nil,
	)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ, 0, 0, uintptr(length))
	if err != nil {
		_ = windows.CloseHandle(handle)
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	mappings.Lock()
	mappings.handles[addr] = handle
	mappings.Unlock()

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func munmap(data []byte) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(data)))

	mappings.Lock()
	handle, ok := mappings.handles[addr]
	delete(mappings.handles, addr)
	mappings.Unlock()
	if !ok {
		return errors.New("munmap: view was not mapped by this package")
	}

	if err := windows.UnmapViewOfFile(addr); err != nil {
		return os.NewSyscallError("UnmapViewOfFile", err)
	}
	return os.NewSyscallError("CloseHandle", windows.CloseHandle(handle))
}
