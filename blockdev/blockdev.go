// Package blockdev provides [sfs.BlockDevice] implementations over seekable
// streams such as disk image files or in-memory buffers.
package blockdev

import (
	"fmt"
	"io"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/sfs"
)

// Image is a caching block device over an [io.ReadWriteSeeker]. Blocks are
// fetched from the stream on first access and kept in memory; writes land in
// the cache and are marked dirty. Flush writes dirty blocks back to the
// stream in ascending order.
//
// The stream's size is fixed at creation. Image never grows or shrinks it.
type Image struct {
	stream       io.ReadWriteSeeker
	totalBlocks  uint32
	loadedBlocks bitmap.Bitmap
	dirtyBlocks  bitmap.Bitmap
	data         []byte
}

// New wraps a stream holding exactly totalBlocks blocks.
func New(stream io.ReadWriteSeeker, totalBlocks uint32) (*Image, error) {
	if totalBlocks == 0 {
		return nil, sfs.ErrInvalidArgument.WithMessage("device must have at least one block")
	}
	return &Image{
		stream:       stream,
		totalBlocks:  totalBlocks,
		loadedBlocks: bitmap.New(int(totalBlocks)),
		dirtyBlocks:  bitmap.New(int(totalBlocks)),
		data:         make([]byte, int64(totalBlocks)*sfs.BlockSize),
	}, nil
}

// NewWithInferredSize wraps a stream whose block count is determined by
// seeking to its end. The stream size must be a whole number of blocks.
func NewWithInferredSize(stream io.ReadWriteSeeker) (*Image, error) {
	streamSize, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, sfs.ErrIOFailed.Wrap(err)
	}
	if streamSize%sfs.BlockSize != 0 {
		return nil, sfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"stream size %d is not a multiple of the block size %d",
				streamSize,
				sfs.BlockSize))
	}
	return New(stream, uint32(streamSize/sfs.BlockSize))
}

// TotalBlocks returns the number of addressable blocks.
func (image *Image) TotalBlocks() uint32 {
	return image.totalBlocks
}

func (image *Image) checkBounds(id sfs.BlockID, bufferLength int) error {
	if uint32(id) >= image.totalBlocks {
		return sfs.ErrOutOfRange.WithMessage(
			fmt.Sprintf("invalid block ID %d: not in range [0, %d)", id, image.totalBlocks))
	}
	if bufferLength != sfs.BlockSize {
		return sfs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer is %d bytes, blocks are exactly %d", bufferLength, sfs.BlockSize))
	}
	return nil
}

// blockSlice returns the cache slice for a block known to be in bounds.
func (image *Image) blockSlice(id sfs.BlockID) []byte {
	start := int64(id) * sfs.BlockSize
	return image.data[start : start+sfs.BlockSize]
}

func (image *Image) seekToBlock(id sfs.BlockID) error {
	_, err := image.stream.Seek(int64(id)*sfs.BlockSize, io.SeekStart)
	return err
}

// fetch loads a block from the stream into the cache if it isn't loaded yet.
func (image *Image) fetch(id sfs.BlockID) error {
	if image.loadedBlocks.Get(int(id)) {
		return nil
	}
	err := image.seekToBlock(id)
	if err != nil {
		return sfs.ErrIOFailed.Wrap(err)
	}
	_, err = io.ReadFull(image.stream, image.blockSlice(id))
	if err != nil {
		return sfs.ErrIOFailed.Wrap(err)
	}
	image.loadedBlocks.Set(int(id), true)
	return nil
}

// ReadBlock implements [sfs.BlockDevice].
func (image *Image) ReadBlock(id sfs.BlockID, buf []byte) error {
	err := image.checkBounds(id, len(buf))
	if err != nil {
		return err
	}
	err = image.fetch(id)
	if err != nil {
		return err
	}
	copy(buf, image.blockSlice(id))
	return nil
}

// WriteBlock implements [sfs.BlockDevice]. The write lands in the cache and
// is deferred to the stream until the next Flush.
func (image *Image) WriteBlock(id sfs.BlockID, data []byte) error {
	err := image.checkBounds(id, len(data))
	if err != nil {
		return err
	}
	copy(image.blockSlice(id), data)
	image.loadedBlocks.Set(int(id), true)
	image.dirtyBlocks.Set(int(id), true)
	return nil
}

// Flush writes all dirty blocks back to the stream, lowest id first. Blocks
// that fail to write stay dirty.
func (image *Image) Flush() error {
	for blockIndex := 0; blockIndex < int(image.totalBlocks); blockIndex++ {
		if !image.dirtyBlocks.Get(blockIndex) {
			continue
		}

		id := sfs.BlockID(blockIndex)
		err := image.seekToBlock(id)
		if err != nil {
			return sfs.ErrIOFailed.Wrap(err)
		}
		_, err = image.stream.Write(image.blockSlice(id))
		if err != nil {
			return sfs.ErrIOFailed.Wrap(err)
		}
		image.dirtyBlocks.Set(blockIndex, false)
	}
	return nil
}

// DirtyBlockCount returns how many cached blocks haven't been flushed yet.
func (image *Image) DirtyBlockCount() uint32 {
	var count uint32
	for blockIndex := 0; blockIndex < int(image.totalBlocks); blockIndex++ {
		if image.dirtyBlocks.Get(blockIndex) {
			count++
		}
	}
	return count
}
