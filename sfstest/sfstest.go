// Package sfstest provides scratch devices and images for tests. It is only
// imported from _test.go files.
package sfstest

import (
	"testing"

	"github.com/dargueta/sfs"
	"github.com/dargueta/sfs/blockdev"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// NewImage creates a zero-filled in-memory device with the given number of
// blocks. It is guaranteed to either return a valid device or fail the test
// and abort.
func NewImage(t *testing.T, totalBlocks uint32) *blockdev.Image {
	t.Helper()

	backingData := make([]byte, int64(totalBlocks)*sfs.BlockSize)
	stream := bytesextra.NewReadWriteSeeker(backingData)

	device, err := blockdev.New(stream, totalBlocks)
	require.NoErrorf(t, err, "failed to wrap a %d-block image", totalBlocks)
	return device
}

// NewFormattedImage creates an in-memory device, formats it, and mounts it.
// The returned file system is flushed and unmounted via t.Cleanup unless the
// test unmounts it first.
func NewFormattedImage(
	t *testing.T, totalBlocks uint32, opts sfs.FormatOptions,
) *sfs.FileSystem {
	t.Helper()

	device := NewImage(t, totalBlocks)
	err := sfs.Format(device, opts)
	require.NoError(t, err, "formatting failed")

	fs, err := sfs.Mount(device)
	require.NoError(t, err, "mounting a freshly formatted image failed")

	t.Cleanup(func() {
		// Unmounting twice is an error; tests that unmount themselves are
		// left alone.
		if fs.IsMounted() {
			require.NoError(t, fs.Unmount())
		}
	})
	return fs
}

// MarkUsed flips blocks to Allocated directly through the descriptor, for
// tests that build bitmap states by hand.
func MarkUsed(t *testing.T, device sfs.BlockDevice, ids ...sfs.BlockID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, sfs.WriteBlockStatus(device, id, sfs.StatusAllocated))
	}
}

// CountingDevice wraps a device and counts reads per block, letting tests
// assert which blocks an operation touched.
type CountingDevice struct {
	Inner sfs.BlockDevice
	// Reads maps block id to the number of times it was read.
	Reads map[sfs.BlockID]uint
}

func NewCountingDevice(inner sfs.BlockDevice) *CountingDevice {
	return &CountingDevice{
		Inner: inner,
		Reads: make(map[sfs.BlockID]uint),
	}
}

func (device *CountingDevice) ReadBlock(id sfs.BlockID, buf []byte) error {
	device.Reads[id]++
	return device.Inner.ReadBlock(id, buf)
}

func (device *CountingDevice) WriteBlock(id sfs.BlockID, data []byte) error {
	return device.Inner.WriteBlock(id, data)
}

func (device *CountingDevice) TotalBlocks() uint32 {
	return device.Inner.TotalBlocks()
}

func (device *CountingDevice) Flush() error {
	return device.Inner.Flush()
}

// TotalReads sums the read counts over all blocks.
func (device *CountingDevice) TotalReads() uint {
	var total uint
	for _, count := range device.Reads {
		total += count
	}
	return total
}
