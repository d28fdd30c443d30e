//go:build !linux

package memory

// On platforms without the simulation mapping, regions are backed by the Go heap.
// Go allocations of this size are at least 8 byte aligned, which the atomic accessors require.
func mapAnonymous(size uint64) ([]byte, error) {
	words := make([]uint64, size/8)
	return unsafeBytes(words), nil
}

func unmap(_ []byte) error {
	return nil
}
