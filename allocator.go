package sfs

import (
	"fmt"

	"github.com/boljen/go-bitmap"
)

// AllocateBlocks reserves count blocks for file or directory content and
// returns their ids in ascending order. Allocation is all-or-nothing: if the
// device has fewer than count unused blocks, it fails with ErrOutOfSpace and
// commits nothing.
//
// The scan starts at the superblock's EarliestUnused hint and skips every
// block that isn't strictly unused, descriptor blocks included. On success
// the blocks are marked Allocated, TotalUnused drops by count, and
// EarliestUnused advances to the first unused block at or after the old hint.
func AllocateBlocks(dev BlockDevice, sb *Superblock, count uint) ([]BlockID, error) {
	return allocateBlocks(dev, sb, count, StatusAllocated)
}

// AllocateInodeBlocks is AllocateBlocks for inode storage: the reserved
// blocks are marked InodeBlock instead of Allocated.
func AllocateInodeBlocks(dev BlockDevice, sb *Superblock, count uint) ([]BlockID, error) {
	return allocateBlocks(dev, sb, count, StatusInodeBlock)
}

func allocateBlocks(
	dev BlockDevice, sb *Superblock, count uint, status BlockStatus,
) ([]BlockID, error) {
	if count == 0 {
		return nil, nil
	}

	// Stage first, commit after. Nothing is written until the full request
	// is known to be satisfiable.
	staged := make([]BlockID, 0, count)
	descriptor := make([]byte, BlockSize)

	firstLocation := Locate(sb.EarliestUnused)
	for origin := firstLocation.ArrayOrigin; uint32(origin) < sb.TotalBlocks; origin += BlocksPerArray {
		err := dev.ReadBlock(origin, descriptor)
		if err != nil {
			return nil, ErrIOFailed.Wrap(err)
		}
		usageBits := bitmap.Bitmap(descriptor[UsageBitmapStart:TypeBitmapStart])

		localID := uint32(1)
		if origin == firstLocation.ArrayOrigin && firstLocation.LocalID > 1 {
			localID = firstLocation.LocalID
		}
		for ; localID < BlocksPerArray && uint(len(staged)) < count; localID++ {
			id := origin + BlockID(localID)
			if uint32(id) >= sb.TotalBlocks {
				break
			}
			if !usageBits.Get(int(localID)) {
				staged = append(staged, id)
			}
		}
		if uint(len(staged)) == count {
			break
		}
	}

	if uint(len(staged)) < count {
		return nil, ErrOutOfSpace.WithMessage(
			fmt.Sprintf("requested %d blocks but only %d are unused", count, len(staged)))
	}

	for _, id := range staged {
		err := WriteBlockStatus(dev, id, status)
		if err != nil {
			return nil, err
		}
	}
	sb.TotalUnused -= uint32(count)

	// Every unused block between the old hint and the last staged id was just
	// taken, so the next unused one is past it.
	next, found, err := FindNextUnused(dev, sb, staged[len(staged)-1]+1)
	if err != nil {
		return nil, err
	}
	if !found {
		next = BlockID(sb.TotalBlocks)
	}
	sb.EarliestUnused = next

	return staged, nil
}

// FindNextUnused returns the lowest unused block id at or after from, or
// found == false if every block from there to the end of the device is in
// use.
func FindNextUnused(dev BlockDevice, sb *Superblock, from BlockID) (BlockID, bool, error) {
	descriptor := make([]byte, BlockSize)

	firstLocation := Locate(from)
	for origin := firstLocation.ArrayOrigin; uint32(origin) < sb.TotalBlocks; origin += BlocksPerArray {
		err := dev.ReadBlock(origin, descriptor)
		if err != nil {
			return 0, false, ErrIOFailed.Wrap(err)
		}
		usageBits := bitmap.Bitmap(descriptor[UsageBitmapStart:TypeBitmapStart])

		localID := uint32(1)
		if origin == firstLocation.ArrayOrigin && firstLocation.LocalID > 1 {
			localID = firstLocation.LocalID
		}
		for ; localID < BlocksPerArray; localID++ {
			id := origin + BlockID(localID)
			if uint32(id) >= sb.TotalBlocks {
				return 0, false, nil
			}
			if !usageBits.Get(int(localID)) {
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}

// FreeBlock releases one block back to the unused pool. Freeing a block that
// is already unused, or a descriptor block, fails with ErrInvalidFree and
// changes nothing.
func FreeBlock(dev BlockDevice, sb *Superblock, id BlockID) error {
	if uint32(id) >= sb.TotalBlocks {
		return ErrOutOfRange.WithMessage(
			fmt.Sprintf("invalid block ID %d: not in range [0, %d)", id, sb.TotalBlocks))
	}

	status, err := ReadBlockStatus(dev, id)
	if err != nil {
		return err
	}
	if status == StatusUnused || status == StatusDescriptor {
		return ErrInvalidFree.WithMessage(
			fmt.Sprintf("block %d is %s", id, status))
	}

	err = WriteBlockStatus(dev, id, StatusUnused)
	if err != nil {
		return err
	}

	sb.TotalUnused++
	if id < sb.EarliestUnused {
		sb.EarliestUnused = id
	}
	if id > sb.LatestUnused {
		sb.LatestUnused = id
	}
	return nil
}
