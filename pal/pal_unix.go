//go:build unix

package pal

import (
	"fmt"
	"math/rand/v2"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Unix is the pal.Interface backing every real allocator.New call on
// Linux, Darwin, and the other unix targets golang.org/x/sys/unix
// supports. Grounded directly on the teacher's
// pointerstore.MmapSlab/MunmapSlab, extended with alignment (slabs need
// to start on a multiple of their own size so a slab's metadata can be
// found from any interior address by masking) and MADV_DONTNEED-based
// decommit.
type Unix struct{}

var _ Interface = Unix{}

// Reserve maps size+align bytes anonymously and trims the excess on
// either side so the returned address is a multiple of align. With
// align <= 1 it maps exactly size bytes.
func (Unix) Reserve(size, align uintptr) (uintptr, error) {
	if align <= 1 {
		return mmapAnon(size)
	}

	// Over-map so there is room to find an aligned window, then trim.
	raw, err := mmapAnon(size + align)
	if err != nil {
		return 0, err
	}

	aligned := (raw + align - 1) &^ (align - 1)
	if lead := aligned - raw; lead > 0 {
		if err := munmap(raw, lead); err != nil {
			return 0, err
		}
	}
	tail := (raw + size + align) - (aligned + size)
	if tail > 0 {
		if err := munmap(aligned+size, tail); err != nil {
			return 0, err
		}
	}

	return aligned, nil
}

func (Unix) Release(addr, size uintptr) error {
	return munmap(addr, size)
}

func (Unix) Decommit(addr, size uintptr) error {
	b := toBytes(addr, size)
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

func (Unix) EntropySeed() (uint64, uint64) {
	return rand.Uint64(), rand.Uint64()
}

func (Unix) Now() time.Time {
	return time.Now()
}

func mmapAnon(size uintptr) (uintptr, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("pal: mmap %d bytes: %w", size, err)
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}

func munmap(addr, size uintptr) error {
	return unix.Munmap(toBytes(addr, size))
}

func toBytes(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
