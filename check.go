package sfs

import (
	"errors"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"
)

// CheckReport is the outcome of Check: block counts recomputed from the
// descriptor bitmaps, an inode census, and every inconsistency found.
// Findings are diagnostics, not failures; Check itself only errors when it
// cannot read the device.
type CheckReport struct {
	// DeviceBlocks is the device's own size; CheckedBlocks is the extent that
	// was actually walked, which follows the superblock when it is readable.
	DeviceBlocks  uint32
	CheckedBlocks uint32

	DescriptorBlocks uint32
	UnusedBlocks     uint32
	AllocatedBlocks  uint32
	InodeBlocks      uint32
	LiveInodes       uint32

	Findings []error
}

func (r *CheckReport) note(format string, args ...interface{}) {
	r.Findings = append(r.Findings, fmt.Errorf(format, args...))
}

// Consistent reports whether the check found nothing wrong.
func (r *CheckReport) Consistent() bool {
	return len(r.Findings) == 0
}

// Err collapses the findings into one error, or nil when the image is
// consistent.
func (r *CheckReport) Err() error {
	return multierror.Append(nil, r.Findings...).ErrorOrNil()
}

// Check walks an image and cross-checks the superblock against the
// descriptor bitmaps and the inode blocks. It works on raw devices, mounted
// or not, and never modifies anything.
func Check(dev BlockDevice) (*CheckReport, error) {
	report := &CheckReport{
		DeviceBlocks:  dev.TotalBlocks(),
		CheckedBlocks: dev.TotalBlocks(),
	}

	sb, err := LoadSuperblock(dev)
	haveSuperblock := err == nil
	if err != nil {
		if !errors.Is(err, ErrCorruptSuperblock) {
			return nil, err
		}
		report.Findings = append(report.Findings, err)
	}
	if haveSuperblock {
		// LoadSuperblock already rejects claims beyond the device.
		report.CheckedBlocks = sb.TotalBlocks
		if sb.TotalBlocks != report.DeviceBlocks {
			report.note(
				"superblock covers %d of the device's %d blocks",
				sb.TotalBlocks, report.DeviceBlocks)
		}
	}

	var inodeBlockIDs []BlockID
	var firstUnused, lastUnused BlockID
	haveUnused := false

	descriptorBytes := make([]byte, BlockSize)
	for origin := uint32(0); origin < report.CheckedBlocks; origin += BlocksPerArray {
		err = dev.ReadBlock(BlockID(origin), descriptorBytes)
		if err != nil {
			return nil, ErrIOFailed.Wrap(err)
		}
		usageBits := bitmap.Bitmap(descriptorBytes[UsageBitmapStart : UsageBitmapStart+BitmapSize])
		typeBits := bitmap.Bitmap(descriptorBytes[TypeBitmapStart : TypeBitmapStart+BitmapSize])

		report.DescriptorBlocks++
		if !usageBits.Get(0) {
			report.note("descriptor block %d does not mark itself used", origin)
		}

		arrayBlocks := uint32(BlocksPerArray)
		if report.CheckedBlocks-origin < arrayBlocks {
			arrayBlocks = report.CheckedBlocks - origin
		}

		for local := uint32(1); local < arrayBlocks; local++ {
			id := BlockID(origin + local)
			used := usageBits.Get(int(local))
			isInode := typeBits.Get(int(local))

			switch {
			case !used:
				if isInode {
					report.note(
						"block %d is typed as inode storage but marked unused", id)
				}
				report.UnusedBlocks++
				if !haveUnused {
					firstUnused = id
					haveUnused = true
				}
				lastUnused = id
			case isInode:
				report.InodeBlocks++
				inodeBlockIDs = append(inodeBlockIDs, id)
			default:
				report.AllocatedBlocks++
			}
		}

		// Bits past the device's end must stay clear or the allocator's
		// bounds are the only thing keeping those blocks imaginary.
		phantoms := 0
		for local := arrayBlocks; local < BlocksPerArray; local++ {
			if usageBits.Get(int(local)) || typeBits.Get(int(local)) {
				phantoms++
			}
		}
		if phantoms > 0 {
			report.note(
				"descriptor block %d marks %d nonexistent blocks", origin, phantoms)
		}
	}

	if haveSuperblock {
		report.checkSuperblockCounters(&sb, firstUnused, lastUnused, haveUnused)
	}

	err = report.censusInodes(dev, &sb, haveSuperblock, inodeBlockIDs)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *CheckReport) checkSuperblockCounters(
	sb *Superblock, firstUnused, lastUnused BlockID, haveUnused bool,
) {
	if sb.TotalUnused != r.UnusedBlocks {
		r.note(
			"superblock counts %d unused blocks; the bitmaps count %d",
			sb.TotalUnused, r.UnusedBlocks)
	}
	if haveUnused && firstUnused < sb.EarliestUnused {
		r.note(
			"block %d is unused, below the earliest-unused hint %d",
			firstUnused, sb.EarliestUnused)
	}
	if haveUnused && lastUnused > sb.LatestUnused {
		r.note(
			"block %d is unused, above the latest-unused hint %d",
			lastUnused, sb.LatestUnused)
	}
}

// censusInodes reads every inode block, counting live records and flagging
// slots that contradict the superblock's hints or their own link counts.
func (r *CheckReport) censusInodes(
	dev BlockDevice, sb *Superblock, haveSuperblock bool, blockIDs []BlockID,
) error {
	blockBytes := make([]byte, BlockSize)
	for _, blockID := range blockIDs {
		err := dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}

		live := uint32(0)
		for slot := uint(0); slot < InodesPerBlock; slot++ {
			if slotIsFree(blockBytes, slot) {
				continue
			}
			live++

			ino, err := decodeInodeAt(blockBytes, slot)
			if err != nil {
				return err
			}
			if ino.Hardlinks == 0 {
				r.note(
					"inode %d is live but has no links",
					InodeIDAt(blockID, slot))
			}
		}

		if live == 0 {
			r.note("inode block %d holds no inodes and should be free", blockID)
		}
		if live < InodesPerBlock && haveSuperblock && blockID < sb.EarliestInodeSpace {
			r.note(
				"inode block %d has free slots, below the inode-space hint %d",
				blockID, sb.EarliestInodeSpace)
		}
		r.LiveInodes += live
	}
	return nil
}
