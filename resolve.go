package sfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"
)

// Logical indices below singleIndirectStart live in the inode's direct
// pointers; [singleIndirectStart, doubleIndirectStart) go through the
// single-indirect block; the rest go through the double-indirect tree.
const (
	singleIndirectStart = uint32(DirectPointerCount)
	doubleIndirectStart = uint32(DirectPointerCount + PointersPerBlock)
)

// pointerBlock is the decoded form of an indirect block: 1024 block ids and
// nothing else, no header.
type pointerBlock [PointersPerBlock]uint32

func readPointerBlock(dev BlockDevice, id BlockID) (*pointerBlock, error) {
	blockBytes := make([]byte, BlockSize)
	err := dev.ReadBlock(id, blockBytes)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	pointers := new(pointerBlock)
	err = binary.Read(bytes.NewReader(blockBytes), binary.LittleEndian, pointers)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	return pointers, nil
}

func writePointerBlock(dev BlockDevice, id BlockID, pointers *pointerBlock) error {
	blockBytes := make([]byte, BlockSize)
	writer := bytewriter.New(blockBytes)
	err := binary.Write(writer, binary.LittleEndian, pointers)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	err = dev.WriteBlock(id, blockBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

func holeError(logicalIndex uint32) error {
	return ErrOutOfRange.WithMessage(
		fmt.Sprintf("logical block %d is not allocated", logicalIndex))
}

// ResolveBlock maps a logical content-block index to the global block id
// holding it. Direct indices cost no I/O; indirect ones read one or two
// pointer blocks. A zero pointer anywhere along the path is an unallocated
// hole, and holes fail with ErrOutOfRange: content is always a packed prefix
// of logical indices.
func ResolveBlock(dev BlockDevice, ino *Inode, logicalIndex uint32) (BlockID, error) {
	switch {
	case logicalIndex < singleIndirectStart:
		pointer := ino.Direct[logicalIndex]
		if pointer == 0 {
			return 0, holeError(logicalIndex)
		}
		return pointer, nil

	case logicalIndex < doubleIndirectStart:
		if ino.SingleIndirect == 0 {
			return 0, holeError(logicalIndex)
		}
		pointers, err := readPointerBlock(dev, ino.SingleIndirect)
		if err != nil {
			return 0, err
		}
		pointer := BlockID(pointers[logicalIndex-singleIndirectStart])
		if pointer == 0 {
			return 0, holeError(logicalIndex)
		}
		return pointer, nil

	case logicalIndex < MaxBlocksPerInode:
		if ino.DoubleIndirect == 0 {
			return 0, holeError(logicalIndex)
		}
		withinDouble := logicalIndex - doubleIndirectStart
		outer, err := readPointerBlock(dev, ino.DoubleIndirect)
		if err != nil {
			return 0, err
		}
		singleID := BlockID(outer[withinDouble/PointersPerBlock])
		if singleID == 0 {
			return 0, holeError(logicalIndex)
		}
		leaves, err := readPointerBlock(dev, singleID)
		if err != nil {
			return 0, err
		}
		pointer := BlockID(leaves[withinDouble%PointersPerBlock])
		if pointer == 0 {
			return 0, holeError(logicalIndex)
		}
		return pointer, nil
	}

	return 0, ErrOutOfRange.WithMessage(
		fmt.Sprintf(
			"logical block %d exceeds the per-inode maximum of %d",
			logicalIndex,
			MaxBlocksPerInode))
}

func zeroBlock(dev BlockDevice, id BlockID) error {
	err := dev.WriteBlock(id, make([]byte, BlockSize))
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// freeStagedBlocks releases blocks staged by an extension that failed partway.
// The triggering error is what the caller reports, so failures here are
// swallowed; the blocks were never linked, and a consistency check finds them.
func freeStagedBlocks(dev BlockDevice, sb *Superblock, ids []BlockID) {
	for _, id := range ids {
		_ = FreeBlock(dev, sb, id)
	}
}

// ExtendBlock makes the block at a logical index exist: if it is already
// allocated its id is returned, otherwise a zeroed content block is
// allocated and linked in, along with whatever indirect blocks the path is
// missing.
//
// Every allocation the path needs is staged in one all-or-nothing request
// before anything is linked, and new subtrees are fully written before the
// single pointer connecting them to the live structure. A failed extension
// therefore never leaves a half-linked chain: either the caller sees the new
// block id, or the structure is exactly as it was.
//
// The inode's own pointers are updated in memory only; callers persist the
// inode with WriteInode once the surrounding operation is done.
func ExtendBlock(dev BlockDevice, sb *Superblock, ino *Inode, logicalIndex uint32) (BlockID, error) {
	switch {
	case logicalIndex < singleIndirectStart:
		if ino.Direct[logicalIndex] != 0 {
			return ino.Direct[logicalIndex], nil
		}
		staged, err := AllocateBlocks(dev, sb, 1)
		if err != nil {
			return 0, err
		}
		leaf := staged[0]
		err = zeroBlock(dev, leaf)
		if err != nil {
			freeStagedBlocks(dev, sb, staged)
			return 0, err
		}
		ino.Direct[logicalIndex] = leaf
		return leaf, nil

	case logicalIndex < doubleIndirectStart:
		return extendSingleIndirect(dev, sb, ino, logicalIndex)

	case logicalIndex < MaxBlocksPerInode:
		return extendDoubleIndirect(dev, sb, ino, logicalIndex)
	}

	return 0, ErrOutOfRange.WithMessage(
		fmt.Sprintf(
			"cannot extend to logical block %d: the per-inode maximum is %d",
			logicalIndex,
			MaxBlocksPerInode))
}

func extendSingleIndirect(
	dev BlockDevice, sb *Superblock, ino *Inode, logicalIndex uint32,
) (BlockID, error) {
	entryIndex := logicalIndex - singleIndirectStart

	if ino.SingleIndirect == 0 {
		// Neither the pointer block nor the leaf exists yet.
		staged, err := AllocateBlocks(dev, sb, 2)
		if err != nil {
			return 0, err
		}
		pointerBlockID, leaf := staged[0], staged[1]

		err = zeroBlock(dev, leaf)
		if err == nil {
			pointers := new(pointerBlock)
			pointers[entryIndex] = uint32(leaf)
			err = writePointerBlock(dev, pointerBlockID, pointers)
		}
		if err != nil {
			freeStagedBlocks(dev, sb, staged)
			return 0, err
		}

		ino.SingleIndirect = pointerBlockID
		return leaf, nil
	}

	pointers, err := readPointerBlock(dev, ino.SingleIndirect)
	if err != nil {
		return 0, err
	}
	if pointers[entryIndex] != 0 {
		return BlockID(pointers[entryIndex]), nil
	}

	staged, err := AllocateBlocks(dev, sb, 1)
	if err != nil {
		return 0, err
	}
	leaf := staged[0]
	err = zeroBlock(dev, leaf)
	if err == nil {
		pointers[entryIndex] = uint32(leaf)
		err = writePointerBlock(dev, ino.SingleIndirect, pointers)
	}
	if err != nil {
		freeStagedBlocks(dev, sb, staged)
		return 0, err
	}
	return leaf, nil
}

func extendDoubleIndirect(
	dev BlockDevice, sb *Superblock, ino *Inode, logicalIndex uint32,
) (BlockID, error) {
	withinDouble := logicalIndex - doubleIndirectStart
	outerIndex := withinDouble / PointersPerBlock
	innerIndex := withinDouble % PointersPerBlock

	if ino.DoubleIndirect == 0 {
		// The whole tree is missing: double block, single block, leaf.
		staged, err := AllocateBlocks(dev, sb, 3)
		if err != nil {
			return 0, err
		}
		doubleID, singleID, leaf := staged[0], staged[1], staged[2]

		err = zeroBlock(dev, leaf)
		if err == nil {
			leaves := new(pointerBlock)
			leaves[innerIndex] = uint32(leaf)
			err = writePointerBlock(dev, singleID, leaves)
		}
		if err == nil {
			outer := new(pointerBlock)
			outer[outerIndex] = uint32(singleID)
			err = writePointerBlock(dev, doubleID, outer)
		}
		if err != nil {
			freeStagedBlocks(dev, sb, staged)
			return 0, err
		}

		ino.DoubleIndirect = doubleID
		return leaf, nil
	}

	outer, err := readPointerBlock(dev, ino.DoubleIndirect)
	if err != nil {
		return 0, err
	}

	if outer[outerIndex] == 0 {
		// The double block exists but this slice of it doesn't.
		staged, err := AllocateBlocks(dev, sb, 2)
		if err != nil {
			return 0, err
		}
		singleID, leaf := staged[0], staged[1]

		err = zeroBlock(dev, leaf)
		if err == nil {
			leaves := new(pointerBlock)
			leaves[innerIndex] = uint32(leaf)
			err = writePointerBlock(dev, singleID, leaves)
		}
		if err == nil {
			// The new subtree is complete; linking it is the last write.
			outer[outerIndex] = uint32(singleID)
			err = writePointerBlock(dev, ino.DoubleIndirect, outer)
		}
		if err != nil {
			freeStagedBlocks(dev, sb, staged)
			return 0, err
		}
		return leaf, nil
	}

	singleID := BlockID(outer[outerIndex])
	leaves, err := readPointerBlock(dev, singleID)
	if err != nil {
		return 0, err
	}
	if leaves[innerIndex] != 0 {
		return BlockID(leaves[innerIndex]), nil
	}

	staged, err := AllocateBlocks(dev, sb, 1)
	if err != nil {
		return 0, err
	}
	leaf := staged[0]
	err = zeroBlock(dev, leaf)
	if err == nil {
		leaves[innerIndex] = uint32(leaf)
		err = writePointerBlock(dev, singleID, leaves)
	}
	if err != nil {
		freeStagedBlocks(dev, sb, staged)
		return 0, err
	}
	return leaf, nil
}

// CountBlocks returns how many content blocks an inode holds. Content is a
// packed prefix of logical indices, so the count is found at the first zero
// pointer.
func CountBlocks(dev BlockDevice, ino *Inode) (uint32, error) {
	for i := uint32(0); i < singleIndirectStart; i++ {
		if ino.Direct[i] == 0 {
			return i, nil
		}
	}

	if ino.SingleIndirect == 0 {
		return singleIndirectStart, nil
	}
	pointers, err := readPointerBlock(dev, ino.SingleIndirect)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < PointersPerBlock; i++ {
		if pointers[i] == 0 {
			return singleIndirectStart + i, nil
		}
	}

	if ino.DoubleIndirect == 0 {
		return doubleIndirectStart, nil
	}
	outer, err := readPointerBlock(dev, ino.DoubleIndirect)
	if err != nil {
		return 0, err
	}
	count := doubleIndirectStart
	for outerIndex := uint32(0); outerIndex < PointersPerBlock; outerIndex++ {
		if outer[outerIndex] == 0 {
			return count, nil
		}
		leaves, err := readPointerBlock(dev, BlockID(outer[outerIndex]))
		if err != nil {
			return 0, err
		}
		for i := uint32(0); i < PointersPerBlock; i++ {
			if leaves[i] == 0 {
				return count, nil
			}
			count++
		}
	}
	return count, nil
}

// TruncateBlocks frees every content block at logical index newCount and
// beyond, plus indirect blocks left with no live entries, deepest first. The
// inode's pointers are updated in memory; callers persist the inode.
func TruncateBlocks(dev BlockDevice, sb *Superblock, ino *Inode, newCount uint32) error {
	for i := newCount; i < singleIndirectStart; i++ {
		if ino.Direct[i] == 0 {
			continue
		}
		err := FreeBlock(dev, sb, ino.Direct[i])
		if err != nil {
			return err
		}
		ino.Direct[i] = 0
	}

	if ino.SingleIndirect != 0 {
		keep := uint32(0)
		if newCount > singleIndirectStart {
			keep = newCount - singleIndirectStart
		}
		if keep < PointersPerBlock {
			err := freePointerTail(dev, sb, ino.SingleIndirect, keep)
			if err != nil {
				return err
			}
			if keep == 0 {
				err = FreeBlock(dev, sb, ino.SingleIndirect)
				if err != nil {
					return err
				}
				ino.SingleIndirect = 0
			}
		}
	}

	if ino.DoubleIndirect != 0 {
		keepTotal := uint32(0)
		if newCount > doubleIndirectStart {
			keepTotal = newCount - doubleIndirectStart
		}
		err := truncateDoubleIndirect(dev, sb, ino, keepTotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func truncateDoubleIndirect(
	dev BlockDevice, sb *Superblock, ino *Inode, keepTotal uint32,
) error {
	outer, err := readPointerBlock(dev, ino.DoubleIndirect)
	if err != nil {
		return err
	}

	fullSingles := keepTotal / PointersPerBlock
	partialKeep := keepTotal % PointersPerBlock
	outerChanged := false

	for outerIndex := fullSingles; outerIndex < PointersPerBlock; outerIndex++ {
		if outer[outerIndex] == 0 {
			continue
		}
		singleID := BlockID(outer[outerIndex])

		if outerIndex == fullSingles && partialKeep > 0 {
			// This pointer block straddles the cut; it survives with a
			// shortened prefix.
			err = freePointerTail(dev, sb, singleID, partialKeep)
			if err != nil {
				return err
			}
			continue
		}

		err = freePointerTail(dev, sb, singleID, 0)
		if err != nil {
			return err
		}
		err = FreeBlock(dev, sb, singleID)
		if err != nil {
			return err
		}
		outer[outerIndex] = 0
		outerChanged = true
	}

	if keepTotal == 0 {
		err = FreeBlock(dev, sb, ino.DoubleIndirect)
		if err != nil {
			return err
		}
		ino.DoubleIndirect = 0
		return nil
	}
	if outerChanged {
		return writePointerBlock(dev, ino.DoubleIndirect, outer)
	}
	return nil
}

// freePointerTail frees every block named at index keep or later of a pointer
// block. With keep > 0 the shortened pointer block is written back; with
// keep == 0 the caller is about to free the pointer block itself, so there is
// nothing worth writing.
func freePointerTail(dev BlockDevice, sb *Superblock, id BlockID, keep uint32) error {
	pointers, err := readPointerBlock(dev, id)
	if err != nil {
		return err
	}

	changed := false
	for i := keep; i < PointersPerBlock; i++ {
		if pointers[i] == 0 {
			continue
		}
		err = FreeBlock(dev, sb, BlockID(pointers[i]))
		if err != nil {
			return err
		}
		pointers[i] = 0
		changed = true
	}

	if keep > 0 && changed {
		return writePointerBlock(dev, id, pointers)
	}
	return nil
}
