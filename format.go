package sfs

import (
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
)

// RootInodeID is the inode id of the root directory on a freshly formatted
// image. Format always places the root's inode in the first block past the
// superblock, so the id is the same everywhere.
const RootInodeID = InodeID(2 * InodesPerBlock)

// minimumFormatBlocks is the smallest formattable device: a descriptor, the
// superblock, the root directory's inode block, and one content block for
// its entries.
const minimumFormatBlocks = 4

// FormatOptions configures Format. The zero value is usable: an unnamed
// volume with no preallocation.
type FormatOptions struct {
	// Name is the volume label, at most VolumeNameSize bytes.
	Name string
	// PreallocFiles and PreallocDirs are stored in the superblock and control
	// how many blocks beyond the first a mounted session allocates ahead of
	// need when creating files and directories.
	PreallocFiles uint8
	PreallocDirs  uint8
}

// Format writes an empty file system over every block of the device: fresh
// descriptor blocks, a superblock, and a root directory holding only "." and
// "..". Anything previously on the device is unrecoverable afterwards.
func Format(dev BlockDevice, opts FormatOptions) error {
	totalBlocks := dev.TotalBlocks()
	if totalBlocks < minimumFormatBlocks {
		return ErrInvalidOperation.WithMessage(
			fmt.Sprintf(
				"cannot format a %d-block device; at least %d blocks are needed",
				totalBlocks,
				minimumFormatBlocks))
	}
	if len(opts.Name) > VolumeNameSize {
		return ErrNameTooLong.WithMessage(
			fmt.Sprintf(
				"volume name is %d bytes; the maximum is %d",
				len(opts.Name),
				VolumeNameSize))
	}

	err := writeFreshDescriptors(dev, totalBlocks)
	if err != nil {
		return err
	}

	// The superblock's own block is plain allocated content as far as the
	// bitmaps are concerned.
	err = WriteBlockStatus(dev, SuperblockID, StatusAllocated)
	if err != nil {
		return err
	}

	sb := Superblock{
		EarliestUnused:     SuperblockID + 1,
		LatestUnused:       BlockID(totalBlocks - 1),
		EarliestInodeSpace: SuperblockID + 1,
		TotalUnused:        totalBlocks - DescriptorCount(totalBlocks) - 1,
		TotalBlocks:        totalBlocks,
		LastMount:          time.Unix(0, 0),
		Name:               opts.Name,
		PreallocFiles:      opts.PreallocFiles,
		PreallocDirs:       opts.PreallocDirs,
	}

	err = createRootDirectory(dev, &sb)
	if err != nil {
		return err
	}

	err = WriteSuperblock(dev, &sb)
	if err != nil {
		return err
	}
	err = dev.Flush()
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// writeFreshDescriptors stamps the descriptor block of every array: usage
// bitmap with only bit 0 set (the descriptor occupies its own first block),
// type bitmap all clear.
func writeFreshDescriptors(dev BlockDevice, totalBlocks uint32) error {
	blockBytes := make([]byte, BlockSize)
	usageBits := bitmap.Bitmap(blockBytes[UsageBitmapStart : UsageBitmapStart+BitmapSize])
	usageBits.Set(0, true)

	for origin := BlockID(0); uint32(origin) < totalBlocks; origin += BlocksPerArray {
		err := dev.WriteBlock(origin, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
	}
	return nil
}

// createRootDirectory builds the root through the ordinary allocation paths,
// which on a blank image deterministically yields RootInodeID. The root is
// its own parent: "." and ".." both name it, for a link count of 2.
func createRootDirectory(dev BlockDevice, sb *Superblock) error {
	now := time.Now()
	root := Inode{
		TypeAndPermission: uint16(TypeDirectory) | DefaultDirectoryPermissions,
		AccessedAt:        now,
		ModifiedAt:        now,
		CreatedAt:         now,
		Hardlinks:         2,
		Meta:              2,
	}

	id, err := AllocateInode(dev, sb, &root)
	if err != nil {
		return err
	}
	if id != RootInodeID {
		return ErrInvalidOperation.WithMessage(
			fmt.Sprintf(
				"root directory landed at inode %d instead of %d; the device"+
					" was not blank",
				id,
				RootInodeID))
	}

	staged, err := AllocateBlocks(dev, sb, 1)
	if err != nil {
		return err
	}
	blockBytes := make([]byte, BlockSize)
	err = InsertDirent(blockBytes, DirEntry{ID: id, Name: "."})
	if err == nil {
		err = InsertDirent(blockBytes, DirEntry{ID: id, Name: ".."})
	}
	if err == nil {
		err = dev.WriteBlock(staged[0], blockBytes)
		if err != nil {
			err = ErrIOFailed.Wrap(err)
		}
	}
	if err != nil {
		return err
	}

	root.Direct[0] = staged[0]
	return WriteInode(dev, id, &root)
}
