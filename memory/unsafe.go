package memory

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

func unsafeBytes(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}

func word(b []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[0]))
}

func wordAligned(b []byte) bool {
	return uintptr(unsafe.Pointer(&b[0]))%8 == 0
}

// copyWithBarrier copies src to dst using atomic stores for every aligned word,
// so the stores can neither be elided nor torn.
func copyWithBarrier(dst, src []byte) {
	i := 0
	for ; i < len(src) && !wordAligned(dst[i:]); i++ {
		dst[i] = src[i]
	}
	for ; i+8 <= len(src); i += 8 {
		atomic.StoreUint64(word(dst[i:]), binary.NativeEndian.Uint64(src[i:i+8]))
	}
	for ; i < len(src); i++ {
		dst[i] = src[i]
	}
}
