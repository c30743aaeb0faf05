// Package dmaheap allocates DMA-FD-backed buffers from a Linux dma-heap
// device (e.g. /dev/dma_heap/linux,cma), the platform DMA heap external
// collaborator. It implements bufpool.Allocator.
//
// The ioctl encoding mirrors v4l2/ioctl.go's hand-rolled _IOWR style rather
// than pulling in a cgo dependency here, since dma-heap's uapi surface is a
// single fixed-layout struct (no videodev2.h-sized header to bind against).
package dmaheap

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/edgecam/medialib/bufpool"
)

// heapAllocIoctl mirrors linux/dma-heap.h's struct dma_heap_allocation_data.
type heapAllocIoctl struct {
	Len      uint64
	Fd       uint32
	FdFlags  uint32
	Heap     uint64
	Reserved uint64
}

const (
	dmaHeapIOMagic      = 'H'
	dmaHeapAllocCmdNum  = 0x0
	sizeofHeapAllocData = 32 // 8 bytes Len + 4 Fd + 4 FdFlags + 8 Heap + 8 Reserved
)

// dmaHeapIoctlAlloc is DMA_HEAP_IOCTL_ALLOC = _IOWR('H', 0x0, struct dma_heap_allocation_data)
var dmaHeapIoctlAlloc = iocEncReadWrite(dmaHeapIOMagic, dmaHeapAllocCmdNum, sizeofHeapAllocData)

// iocEncReadWrite duplicates the asm-generic/ioctl.h encoding used by
// v4l2/ioctl.go, kept local so this package has no compile-time dependency
// on the v4l2 package (dma-heap allocation is usable independently of V4L2).
func iocEncReadWrite(iocType, number, size uintptr) uintptr {
	const (
		iocOpRead     = 2
		iocOpWrite    = 1
		iocNumberBits = 8
		iocTypeBits   = 8
		iocSizeBits   = 14
		numberPos     = 0
		typePos       = numberPos + iocNumberBits
		sizePos       = typePos + iocTypeBits
		opPos         = sizePos + iocSizeBits
	)
	return ((iocOpRead | iocOpWrite) << opPos) | (iocType << typePos) | (number << numberPos) | (size << sizePos)
}

// Heap opens one dma-heap device node and allocates/frees fixed-size DMA-FD
// buffers from it. Heap implements bufpool.Allocator.
type Heap struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// Open opens the dma-heap device at path (e.g. "/dev/dma_heap/linux,cma" or
// a vendor-specific reserved-memory heap path).
func Open(path string) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dmaheap: open %s: %w", path, err)
	}
	return &Heap{path: path, file: f}, nil
}

// Close closes the heap device node. It does not affect already-allocated
// buffer FDs, which remain valid until closed individually.
func (h *Heap) Close() error { return h.file.Close() }

// Alloc allocates a size-byte contiguous DMA-FD-backed region. The memType
// parameter is accepted for bufpool.Allocator interface symmetry; dma-heap
// allocations are always DMABUF-backed (CMA allocation for userptr-style
// buffers is not modeled since every pool in this module uses DMABUF).
func (h *Heap) Alloc(size uint32, memType bufpool.MemType) (fd int, userPtr uintptr, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := heapAllocIoctl{
		Len:     uint64(size),
		FdFlags: sys.O_RDWR | sys.O_CLOEXEC,
	}
	if _, _, errno := sys.Syscall(sys.SYS_IOCTL, h.file.Fd(), dmaHeapIoctlAlloc, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return -1, 0, fmt.Errorf("dmaheap: alloc %d bytes from %s: %w", size, h.path, errno)
	}
	return int(req.Fd), 0, nil
}

// Free closes a previously-allocated DMA-FD. userPtr is unused (dma-heap
// buffers are referenced by FD, not by a CPU mapping, until mmap'd by a
// consumer).
func (h *Heap) Free(fd int, userPtr uintptr) {
	if fd >= 0 {
		_ = sys.Close(fd)
	}
}
