package stream

import "unsafe"

func bufferAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
