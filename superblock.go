package sfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/noxer/bytewriter"
)

// superblockSignature is the magic at the start of the superblock: the ASCII
// bytes "SFs sblk".
var superblockSignature = [8]byte{'S', 'F', 's', ' ', 's', 'b', 'l', 'k'}

// VolumeNameSize is the fixed size of the superblock's name field. Shorter
// names are NUL padded.
const VolumeNameSize = 32

// rawSuperblock is the on-disk layout of the superblock, which occupies the
// first 80 bytes of block 1. The rest of the block is zero padding.
//
// The two bytes at offset 16 are reserved and always zero. (The format
// documentation placed a field there ambiguously; this implementation keeps
// the gap rather than shifting every later field.)
type rawSuperblock struct {
	Signature          [8]byte
	EarliestUnused     uint32
	LatestUnused       uint32
	Reserved           [2]byte
	TotalUnused        uint32
	TotalBlocks        uint32
	LastMount          int64
	LastWrite          int64
	Name               [32]byte
	PreallocFiles      uint8
	PreallocDirs       uint8
	EarliestInodeSpace uint32
}

// Superblock is the decoded image-wide metadata singleton stored in block 1.
//
// EarliestUnused, LatestUnused and EarliestInodeSpace are hints: they bound
// where a scan must start (or stop), they don't promise the named block is
// still in the hinted state. TotalUnused and TotalBlocks are exact counts.
type Superblock struct {
	// EarliestUnused is the lowest block id that may be unused. No block
	// below it is ever unused on a consistent image.
	EarliestUnused BlockID
	// LatestUnused is the highest block id that may be unused.
	LatestUnused BlockID
	// EarliestInodeSpace is the lowest block id that may be an inode block
	// with a free slot.
	EarliestInodeSpace BlockID
	// TotalUnused is the exact number of unused blocks on the device.
	TotalUnused uint32
	// TotalBlocks is the size of the device in blocks, descriptor blocks and
	// the superblock included.
	TotalBlocks uint32
	// LastMount and LastWrite are UNIX timestamps with second resolution.
	LastMount time.Time
	LastWrite time.Time
	// Name is the volume label, at most VolumeNameSize bytes.
	Name string
	// PreallocFiles and PreallocDirs are how many blocks beyond the first to
	// eagerly allocate when creating a file or directory.
	PreallocFiles uint8
	PreallocDirs  uint8
}

func (sb *Superblock) toRaw() rawSuperblock {
	raw := rawSuperblock{
		Signature:          superblockSignature,
		EarliestUnused:     uint32(sb.EarliestUnused),
		LatestUnused:       uint32(sb.LatestUnused),
		TotalUnused:        sb.TotalUnused,
		TotalBlocks:        sb.TotalBlocks,
		LastMount:          sb.LastMount.Unix(),
		LastWrite:          sb.LastWrite.Unix(),
		PreallocFiles:      sb.PreallocFiles,
		PreallocDirs:       sb.PreallocDirs,
		EarliestInodeSpace: uint32(sb.EarliestInodeSpace),
	}
	copy(raw.Name[:], sb.Name)
	return raw
}

func superblockFromRaw(raw *rawSuperblock) Superblock {
	nameLength := bytes.IndexByte(raw.Name[:], 0)
	if nameLength < 0 {
		nameLength = len(raw.Name)
	}
	return Superblock{
		EarliestUnused:     BlockID(raw.EarliestUnused),
		LatestUnused:       BlockID(raw.LatestUnused),
		EarliestInodeSpace: BlockID(raw.EarliestInodeSpace),
		TotalUnused:        raw.TotalUnused,
		TotalBlocks:        raw.TotalBlocks,
		LastMount:          time.Unix(raw.LastMount, 0),
		LastWrite:          time.Unix(raw.LastWrite, 0),
		Name:               string(raw.Name[:nameLength]),
		PreallocFiles:      raw.PreallocFiles,
		PreallocDirs:       raw.PreallocDirs,
	}
}

// LoadSuperblock reads and validates the superblock. A bad signature or
// impossible geometry fails with ErrCorruptSuperblock; the device is the
// authority on its own block count.
func LoadSuperblock(dev BlockDevice) (Superblock, error) {
	blockBytes := make([]byte, BlockSize)
	err := dev.ReadBlock(SuperblockID, blockBytes)
	if err != nil {
		return Superblock{}, ErrIOFailed.Wrap(err)
	}

	var raw rawSuperblock
	err = binary.Read(bytes.NewReader(blockBytes), binary.LittleEndian, &raw)
	if err != nil {
		return Superblock{}, ErrIOFailed.Wrap(err)
	}

	if raw.Signature != superblockSignature {
		return Superblock{}, ErrCorruptSuperblock.WithMessage(
			fmt.Sprintf(
				"corruption detected: bad signature %q at start of block %d",
				raw.Signature,
				SuperblockID))
	}
	if raw.TotalBlocks == 0 {
		return Superblock{}, ErrCorruptSuperblock.WithMessage(
			"corruption detected: block count is 0")
	}
	if raw.TotalBlocks > dev.TotalBlocks() {
		return Superblock{}, ErrCorruptSuperblock.WithMessage(
			fmt.Sprintf(
				"corruption detected: superblock claims %d blocks but the device"+
					" only has %d",
				raw.TotalBlocks,
				dev.TotalBlocks()))
	}
	if raw.TotalUnused > raw.TotalBlocks {
		return Superblock{}, ErrCorruptSuperblock.WithMessage(
			fmt.Sprintf(
				"corruption detected: more unused blocks (%d) than blocks (%d)",
				raw.TotalUnused,
				raw.TotalBlocks))
	}

	return superblockFromRaw(&raw), nil
}

// WriteSuperblock serializes the superblock into block 1, stamping LastWrite
// with the current time.
func WriteSuperblock(dev BlockDevice, sb *Superblock) error {
	sb.LastWrite = time.Now()

	blockBytes := make([]byte, BlockSize)
	writer := bytewriter.New(blockBytes)
	raw := sb.toRaw()
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}

	err = dev.WriteBlock(SuperblockID, blockBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}
