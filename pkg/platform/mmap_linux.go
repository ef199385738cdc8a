// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package platform

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator hands out page-locked anonymous mappings and resolves their
// physical addresses through /proc/self/pagemap. It provides the
// AllocateContiguous half of a userspace Platform; a VFIO-based
// implementation composes it with its register window and interrupt plumbing.
//
// Physical contiguity beyond one page is only guaranteed when the mapping is
// backed by a hugepage, so allocations are rounded up to the huge size when
// one is configured.
type MmapAllocator struct {
	pageSize int
	hugeSize int

	pagemap *os.File
}

func NewMmapAllocator(hugeSize int) (*MmapAllocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	return &MmapAllocator{
		pageSize: unix.Getpagesize(),
		hugeSize: hugeSize,
		pagemap:  f,
	}, nil
}

func (a *MmapAllocator) PageSize() int { return a.pageSize }

// Allocate maps, locks and touches size bytes and resolves the physical base.
func (a *MmapAllocator) Allocate(size int) (Buffer, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if a.hugeSize > 0 {
		size = AlignUp(size, a.hugeSize)
		flags |= unix.MAP_HUGETLB
	} else {
		size = AlignUp(size, a.pageSize)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes: %w", size, err)
	}
	if err := unix.Mlock(b); err != nil {
		unix.Munmap(b)
		return nil, fmt.Errorf("mlock: %w", err)
	}
	// Fault the pages in so pagemap reports a frame number.
	for off := 0; off < size; off += a.pageSize {
		b[off] = 0
	}
	phys, err := a.translate(uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}
	return &mmapBuffer{b: b, phys: phys}, nil
}

// translate reads the page frame number for the page containing vaddr.
func (a *MmapAllocator) translate(vaddr uintptr) (uint64, error) {
	var entry [8]byte
	off := int64(vaddr/uintptr(a.pageSize)) * 8
	if _, err := a.pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("reading pagemap: %w", err)
	}
	v := binary.LittleEndian.Uint64(entry[:])
	if v&(1<<63) == 0 {
		return 0, fmt.Errorf("page at %#x not present", vaddr)
	}
	pfn := v & ((1 << 55) - 1)
	if pfn == 0 {
		return 0, fmt.Errorf("pagemap hides frame numbers; need CAP_SYS_ADMIN")
	}
	return pfn*uint64(a.pageSize) + uint64(vaddr)%uint64(a.pageSize), nil
}

func (a *MmapAllocator) Close() error { return a.pagemap.Close() }

type mmapBuffer struct {
	b    []byte
	phys uint64
}

func (m *mmapBuffer) Bytes() []byte { return m.b }

func (m *mmapBuffer) Phys(offset int) uint64 { return m.phys + uint64(offset) }

func (m *mmapBuffer) Free() {
	if m.b != nil {
		unix.Munmap(m.b)
		m.b = nil
	}
}
