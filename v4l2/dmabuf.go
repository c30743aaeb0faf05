package v4l2

// #include <linux/videodev2.h>
import "C"

import (
	"fmt"
	"unsafe"
)

// vidiocExpBuf is VIDIOC_EXPBUF, command number 16 — it sits between QBUF
// (15) and DQBUF (17) in videodev2.h's ioctl table.
var vidiocExpBuf = iocEncReadWrite('V', 16, uintptr(unsafe.Sizeof(C.struct_v4l2_exportbuffer{})))

// ExportDMABuf exports the MMAP-allocated buffer at index as a DMA-FD,
// letting it be shared zero-copy with another device (the accelerator, or
// an ISP-input device for pre-ISP injection) without ever being mapped
// into this process's address space for that purpose.
func ExportDMABuf(fd uintptr, bufType BufType, index uint32, plane uint32) (int, error) {
	var exp C.struct_v4l2_exportbuffer
	exp._type = C.uint(bufType)
	exp.index = C.uint(index)
	exp.plane = C.uint(plane)

	if err := send(fd, vidiocExpBuf, uintptr(unsafe.Pointer(&exp))); err != nil {
		return -1, fmt.Errorf("v4l2 export buffer: index %d plane %d: %w", index, plane, err)
	}
	return int(exp.fd), nil
}
