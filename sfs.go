package sfs

import (
	"fmt"

	"github.com/boljen/go-bitmap"
)

// Fixed geometry of the on-disk format. None of these are tunable; they are
// properties of the format itself, not of any particular image.
const (
	// BlockSize is the size of every block on the device, in bytes.
	BlockSize = 4096
	// BlocksPerArray is the number of blocks covered by one block array,
	// including the array's own descriptor block.
	BlocksPerArray = 16384
	// BitmapSize is the size of one descriptor bitmap, in bytes.
	BitmapSize = BlocksPerArray / 8
	// UsageBitmapStart and TypeBitmapStart are byte offsets of the two bitmaps
	// within a descriptor block.
	UsageBitmapStart = 0
	TypeBitmapStart  = BitmapSize

	// InodeSize is the size of one inode record, in bytes.
	InodeSize = 128
	// InodesPerBlock is how many inode records fit in one block.
	InodesPerBlock = BlockSize / InodeSize
	// DirectPointerCount is the number of direct block pointers in an inode.
	DirectPointerCount = 10
	// PointersPerBlock is the number of 32-bit block ids in an indirect block.
	PointersPerBlock = BlockSize / 4
	// MaxBlocksPerInode is the hard ceiling on the number of content blocks a
	// single inode can address: ten direct pointers, one single-indirect
	// block, and one double-indirect tree. There is no triple indirection.
	MaxBlocksPerInode = DirectPointerCount + PointersPerBlock + PointersPerBlock*PointersPerBlock
)

// SuperblockID is the global id of the block holding the superblock. It is
// always in the first block array, immediately after the array's descriptor.
const SuperblockID = BlockID(1)

// BlockID is the global id of a block on the device. Ids are never relative
// to a block array; use Locate to split one into array-relative coordinates.
type BlockID uint32

// InodeID names one inode slot on the device. Inodes have no dedicated table;
// an id encodes the block holding the record and the slot within it. Id 0 can
// never name a real inode (block 0 is a descriptor block) and doubles as the
// nil id.
type InodeID uint32

const NilInode = InodeID(0)

// BlockIDOfInode returns the block holding the inode's record.
func (id InodeID) BlockIDOfInode() BlockID {
	return BlockID(uint32(id) / InodesPerBlock)
}

// SlotOfInode returns the index of the inode's record within its block.
func (id InodeID) SlotOfInode() uint {
	return uint(uint32(id) % InodesPerBlock)
}

// InodeIDAt builds the id of the inode stored in the given block and slot.
func InodeIDAt(block BlockID, slot uint) InodeID {
	return InodeID(uint32(block)*InodesPerBlock + uint32(slot))
}

// BlockDevice is the boundary between this library and whatever stores the
// blocks. Implementations must present the medium as an array of BlockSize
// byte blocks addressed by global id. The blockdev package provides an
// implementation over io.ReadWriteSeeker; callers with exotic storage supply
// their own.
//
// Writes may be buffered. Flush must make every buffered write durable on the
// underlying medium before returning.
type BlockDevice interface {
	// ReadBlock fills buf, which must be exactly BlockSize bytes, with the
	// contents of the named block.
	ReadBlock(id BlockID, buf []byte) error
	// WriteBlock replaces the named block with data, which must be exactly
	// BlockSize bytes.
	WriteBlock(id BlockID, data []byte) error
	// TotalBlocks returns the number of addressable blocks on the device.
	TotalBlocks() uint32
	// Flush commits buffered writes to the underlying medium.
	Flush() error
}

// BlockStatus is the allocation state of a block, derived from its array's
// descriptor bitmaps.
type BlockStatus uint8

const (
	// StatusUnused marks a block available for allocation.
	StatusUnused BlockStatus = iota
	// StatusAllocated marks a block holding content or indirect pointers.
	StatusAllocated
	// StatusInodeBlock marks a block holding inode records.
	StatusInodeBlock
	// StatusDescriptor marks the block holding its array's bitmaps. A block
	// has this status purely by position (local id 0), independent of what
	// the stored bitmaps claim.
	StatusDescriptor
)

func (status BlockStatus) String() string {
	switch status {
	case StatusUnused:
		return "unused"
	case StatusAllocated:
		return "allocated"
	case StatusInodeBlock:
		return "inode block"
	case StatusDescriptor:
		return "descriptor"
	}
	return fmt.Sprintf("invalid status %d", uint8(status))
}

// BlockLocation is a block id split into array-relative coordinates.
type BlockLocation struct {
	// ArrayOrigin is the global id of the first block (the descriptor) of the
	// array containing the block.
	ArrayOrigin BlockID
	// LocalID is the block's index within its array, in [0, BlocksPerArray).
	LocalID uint32
	// ByteIndex is the offset of the bitmap byte tracking this block within
	// either of the descriptor's bitmaps.
	ByteIndex uint32
	// BitOffset is the block's bit position within that byte.
	BitOffset uint8
}

// Locate splits a global block id into the coordinates needed to find its
// descriptor bits. Pure arithmetic; cannot fail.
func Locate(id BlockID) BlockLocation {
	localID := uint32(id) % BlocksPerArray
	return BlockLocation{
		ArrayOrigin: id - BlockID(localID),
		LocalID:     localID,
		ByteIndex:   localID / 8,
		BitOffset:   uint8(localID % 8),
	}
}

// ReadBlockStatus derives the status of a block from its array's descriptor.
// Only the descriptor block is read; descriptor blocks themselves are
// identified by position without any I/O.
func ReadBlockStatus(dev BlockDevice, id BlockID) (BlockStatus, error) {
	location := Locate(id)
	if location.LocalID == 0 {
		return StatusDescriptor, nil
	}

	descriptor := make([]byte, BlockSize)
	err := dev.ReadBlock(location.ArrayOrigin, descriptor)
	if err != nil {
		return StatusUnused, ErrIOFailed.Wrap(err)
	}
	return statusFromDescriptor(descriptor, location.LocalID), nil
}

// statusFromDescriptor reads the two bits for a nonzero local id out of an
// in-memory descriptor block.
func statusFromDescriptor(descriptor []byte, localID uint32) BlockStatus {
	usageBits := bitmap.Bitmap(descriptor[UsageBitmapStart:TypeBitmapStart])
	if !usageBits.Get(int(localID)) {
		return StatusUnused
	}
	typeBits := bitmap.Bitmap(descriptor[TypeBitmapStart : TypeBitmapStart+BitmapSize])
	if typeBits.Get(int(localID)) {
		return StatusInodeBlock
	}
	return StatusAllocated
}

// setStatusInDescriptor writes the two bits for a nonzero local id into an
// in-memory descriptor block.
func setStatusInDescriptor(descriptor []byte, localID uint32, status BlockStatus) {
	usageBits := bitmap.Bitmap(descriptor[UsageBitmapStart:TypeBitmapStart])
	typeBits := bitmap.Bitmap(descriptor[TypeBitmapStart : TypeBitmapStart+BitmapSize])
	usageBits.Set(int(localID), status != StatusUnused)
	typeBits.Set(int(localID), status == StatusInodeBlock)
}

// WriteBlockStatus sets the status of a block by rewriting its two descriptor
// bits. The descriptor block itself is not a valid target: its usage bit must
// never be cleared and it has no two-bit encoding, so any attempt fails with
// ErrInvalidOperation.
func WriteBlockStatus(dev BlockDevice, id BlockID, status BlockStatus) error {
	location := Locate(id)
	if location.LocalID == 0 {
		return ErrInvalidOperation.WithMessage(
			fmt.Sprintf("cannot change the status of descriptor block %d", id))
	}
	if status == StatusDescriptor {
		return ErrInvalidArgument.WithMessage(
			"descriptor is a positional status and cannot be assigned")
	}

	descriptor := make([]byte, BlockSize)
	err := dev.ReadBlock(location.ArrayOrigin, descriptor)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	setStatusInDescriptor(descriptor, location.LocalID, status)

	err = dev.WriteBlock(location.ArrayOrigin, descriptor)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// DescriptorCount returns how many descriptor blocks a device with the given
// number of blocks carries: one per started block array.
func DescriptorCount(totalBlocks uint32) uint32 {
	return (totalBlocks + BlocksPerArray - 1) / BlocksPerArray
}
