package sfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/noxer/bytewriter"
)

// rawInode is the 128-byte on-disk inode record. Thirty-two of these fill a
// block whose status is InodeBlock. A record whose TypeAndPermission field is
// zero is a free slot.
type rawInode struct {
	TypeAndPermission uint16
	UserID            uint16
	GroupID           uint16
	AccessTime        int64
	ModificationTime  int64
	CreationTime      int64
	Hardlinks         uint16
	Direct            [DirectPointerCount]uint32
	SingleIndirect    uint32
	DoubleIndirect    uint32
	Meta              uint32
	Padding           [44]byte
}

// Inode is the decoded form of one inode record.
//
// Meta is one field with four readings, selected by the file type: the device
// id for character and block devices, the socket id for sockets, the number
// of directory entries in the last content block for directories, and the
// number of content bytes in the last block for regular files. The typed
// accessors below name each reading; there is no separate size field, so for
// files and directories Meta is what makes sizes byte- and entry-exact.
type Inode struct {
	TypeAndPermission uint16
	UserID            uint16
	GroupID           uint16
	AccessedAt        time.Time
	ModifiedAt        time.Time
	CreatedAt         time.Time
	// Hardlinks counts directory entries naming this inode. A new inode
	// starts at zero and is destroyed when it returns to zero.
	Hardlinks      uint16
	Direct         [DirectPointerCount]BlockID
	SingleIndirect BlockID
	DoubleIndirect BlockID
	Meta           uint32
}

// FileType returns the inode's type nibble.
func (ino *Inode) FileType() FileType {
	return TypeOf(ino.TypeAndPermission)
}

// Permissions returns the low twelve permission bits.
func (ino *Inode) Permissions() uint16 {
	return ino.TypeAndPermission & PermissionsMask
}

func (ino *Inode) IsDirectory() bool {
	return ino.FileType() == TypeDirectory
}

func (ino *Inode) IsFile() bool {
	return ino.FileType() == TypeFile
}

// DeviceID is the Meta reading for character and block device nodes.
func (ino *Inode) DeviceID() uint32 {
	return ino.Meta
}

// SocketID is the Meta reading for sockets.
func (ino *Inode) SocketID() uint32 {
	return ino.Meta
}

// TailEntryCount is the Meta reading for directories: how many entries are
// packed into the directory's last content block.
func (ino *Inode) TailEntryCount() uint32 {
	return ino.Meta
}

// TailByteCount is the Meta reading for regular files: how many bytes of the
// file's last content block are in use.
func (ino *Inode) TailByteCount() uint32 {
	return ino.Meta
}

func (ino *Inode) toRaw() rawInode {
	raw := rawInode{
		TypeAndPermission: ino.TypeAndPermission,
		UserID:            ino.UserID,
		GroupID:           ino.GroupID,
		AccessTime:        ino.AccessedAt.Unix(),
		ModificationTime:  ino.ModifiedAt.Unix(),
		CreationTime:      ino.CreatedAt.Unix(),
		Hardlinks:         ino.Hardlinks,
		SingleIndirect:    uint32(ino.SingleIndirect),
		DoubleIndirect:    uint32(ino.DoubleIndirect),
		Meta:              ino.Meta,
	}
	for i, ptr := range ino.Direct {
		raw.Direct[i] = uint32(ptr)
	}
	return raw
}

func inodeFromRaw(raw *rawInode) Inode {
	ino := Inode{
		TypeAndPermission: raw.TypeAndPermission,
		UserID:            raw.UserID,
		GroupID:           raw.GroupID,
		AccessedAt:        time.Unix(raw.AccessTime, 0),
		ModifiedAt:        time.Unix(raw.ModificationTime, 0),
		CreatedAt:         time.Unix(raw.CreationTime, 0),
		Hardlinks:         raw.Hardlinks,
		SingleIndirect:    BlockID(raw.SingleIndirect),
		DoubleIndirect:    BlockID(raw.DoubleIndirect),
		Meta:              raw.Meta,
	}
	for i, ptr := range raw.Direct {
		ino.Direct[i] = BlockID(ptr)
	}
	return ino
}

// slotIsFree reports whether the record at the given slot of an in-memory
// inode block is unoccupied, which the type field alone decides.
func slotIsFree(blockBytes []byte, slot uint) bool {
	offset := slot * InodeSize
	return blockBytes[offset] == 0 && blockBytes[offset+1] == 0
}

func decodeInodeAt(blockBytes []byte, slot uint) (Inode, error) {
	recordBytes := blockBytes[slot*InodeSize : (slot+1)*InodeSize]
	var raw rawInode
	err := binary.Read(bytes.NewReader(recordBytes), binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, ErrIOFailed.Wrap(err)
	}
	return inodeFromRaw(&raw), nil
}

func encodeInodeAt(blockBytes []byte, slot uint, ino *Inode) error {
	recordBytes := blockBytes[slot*InodeSize : (slot+1)*InodeSize]
	writer := bytewriter.New(recordBytes)
	raw := ino.toRaw()
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// readInodeBlock loads the block holding the given inode and verifies that it
// really is inode storage. Ids pointing anywhere else fail with ErrNotFound.
func readInodeBlock(dev BlockDevice, id InodeID) ([]byte, error) {
	if id == NilInode {
		return nil, ErrNotFound.WithMessage("inode id 0 is the nil id")
	}

	blockID := id.BlockIDOfInode()
	status, err := ReadBlockStatus(dev, blockID)
	if err != nil {
		return nil, err
	}
	if status != StatusInodeBlock {
		return nil, ErrNotFound.WithMessage(
			fmt.Sprintf("no inode %d: block %d is %s, not inode storage", id, blockID, status))
	}

	blockBytes := make([]byte, BlockSize)
	err = dev.ReadBlock(blockID, blockBytes)
	if err != nil {
		return nil, ErrIOFailed.Wrap(err)
	}
	return blockBytes, nil
}

// ReadInode loads one inode record. Ids naming a free slot, or pointing at a
// block that isn't inode storage, fail with ErrNotFound.
func ReadInode(dev BlockDevice, id InodeID) (Inode, error) {
	blockBytes, err := readInodeBlock(dev, id)
	if err != nil {
		return Inode{}, err
	}
	slot := id.SlotOfInode()
	if slotIsFree(blockBytes, slot) {
		return Inode{}, ErrNotFound.WithMessage(
			fmt.Sprintf("inode %d is a free slot", id))
	}
	return decodeInodeAt(blockBytes, slot)
}

// WriteInode stores an inode record into the slot named by id. The containing
// block must already be inode storage.
func WriteInode(dev BlockDevice, id InodeID, ino *Inode) error {
	blockBytes, err := readInodeBlock(dev, id)
	if err != nil {
		return err
	}
	err = encodeInodeAt(blockBytes, id.SlotOfInode(), ino)
	if err != nil {
		return err
	}
	err = dev.WriteBlock(id.BlockIDOfInode(), blockBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// maxInodeBlock is the highest block id whose inode slots are addressable:
// ids pack a block id and a slot index into 32 bits, which runs out at 2^27
// blocks (a 512 GiB device).
const maxInodeBlock = BlockID(1 << 27)

// AllocateInode finds a free inode slot, writes the record into it, and
// returns its id. Scanning starts at the superblock's EarliestInodeSpace
// hint; when no existing inode block has a free slot, one new block is
// allocated and marked InodeBlock. Fails with ErrOutOfSpace when the device
// is full.
func AllocateInode(dev BlockDevice, sb *Superblock, ino *Inode) (InodeID, error) {
	blockID, blockBytes, err := findInodeSpace(dev, sb)
	if err != nil {
		return NilInode, err
	}

	slot, ok := findFreeSlot(blockBytes)
	if !ok {
		// findInodeSpace only returns blocks with room.
		return NilInode, ErrInvalidOperation.WithMessage(
			fmt.Sprintf("inode block %d has no free slot", blockID))
	}

	err = encodeInodeAt(blockBytes, slot, ino)
	if err != nil {
		return NilInode, err
	}
	err = dev.WriteBlock(blockID, blockBytes)
	if err != nil {
		return NilInode, ErrIOFailed.Wrap(err)
	}

	// Everything between the old hint and this block was scanned and found
	// full, so this block is the new earliest candidate.
	sb.EarliestInodeSpace = blockID
	return InodeIDAt(blockID, slot), nil
}

// findInodeSpace returns an inode block with at least one free slot, plus its
// contents, extending inode storage by one block when every existing inode
// block is full.
func findInodeSpace(dev BlockDevice, sb *Superblock) (BlockID, []byte, error) {
	descriptor := make([]byte, BlockSize)
	blockBytes := make([]byte, BlockSize)

	firstLocation := Locate(sb.EarliestInodeSpace)
scan:
	for origin := firstLocation.ArrayOrigin; uint32(origin) < sb.TotalBlocks; origin += BlocksPerArray {
		err := dev.ReadBlock(origin, descriptor)
		if err != nil {
			return 0, nil, ErrIOFailed.Wrap(err)
		}
		usageBits := bitmap.Bitmap(descriptor[UsageBitmapStart:TypeBitmapStart])
		typeBits := bitmap.Bitmap(descriptor[TypeBitmapStart : TypeBitmapStart+BitmapSize])

		localID := uint32(1)
		if origin == firstLocation.ArrayOrigin && firstLocation.LocalID > 1 {
			localID = firstLocation.LocalID
		}
		for ; localID < BlocksPerArray; localID++ {
			id := origin + BlockID(localID)
			if uint32(id) >= sb.TotalBlocks || id >= maxInodeBlock {
				break scan
			}
			if !usageBits.Get(int(localID)) || !typeBits.Get(int(localID)) {
				continue
			}
			err = dev.ReadBlock(id, blockBytes)
			if err != nil {
				return 0, nil, ErrIOFailed.Wrap(err)
			}
			if _, ok := findFreeSlot(blockBytes); ok {
				return id, blockBytes, nil
			}
		}
	}

	// All inode blocks at or past the hint are full. Grow inode storage.
	newBlocks, err := AllocateInodeBlocks(dev, sb, 1)
	if err != nil {
		return 0, nil, err
	}
	newBlockID := newBlocks[0]
	if newBlockID >= maxInodeBlock {
		// Undo: a block this high can't hold addressable inodes.
		freeErr := FreeBlock(dev, sb, newBlockID)
		if freeErr != nil {
			return 0, nil, freeErr
		}
		return 0, nil, ErrOutOfRange.WithMessage(
			fmt.Sprintf(
				"block %d cannot hold inodes: inode ids only reach blocks below %d",
				newBlockID,
				maxInodeBlock))
	}

	for i := range blockBytes {
		blockBytes[i] = 0
	}
	err = dev.WriteBlock(newBlockID, blockBytes)
	if err != nil {
		return 0, nil, ErrIOFailed.Wrap(err)
	}
	return newBlockID, blockBytes, nil
}

func findFreeSlot(blockBytes []byte) (uint, bool) {
	for slot := uint(0); slot < InodesPerBlock; slot++ {
		if slotIsFree(blockBytes, slot) {
			return slot, true
		}
	}
	return 0, false
}

// ReleaseInodeSlot zeroes an inode record and, when that leaves the block
// with no live records, frees the whole block. This is the slot-level half of
// destruction: it does not free the inode's content blocks. Unlink is the
// high-level path and does both.
func ReleaseInodeSlot(dev BlockDevice, sb *Superblock, id InodeID) error {
	blockBytes, err := readInodeBlock(dev, id)
	if err != nil {
		return err
	}

	blockID := id.BlockIDOfInode()
	slot := id.SlotOfInode()
	if slotIsFree(blockBytes, slot) {
		return ErrNotFound.WithMessage(
			fmt.Sprintf("inode %d is already free", id))
	}

	recordBytes := blockBytes[slot*InodeSize : (slot+1)*InodeSize]
	for i := range recordBytes {
		recordBytes[i] = 0
	}

	if blockIsAllFree(blockBytes) {
		err = FreeBlock(dev, sb, blockID)
	} else {
		err = dev.WriteBlock(blockID, blockBytes)
		if err != nil {
			err = ErrIOFailed.Wrap(err)
		}
	}
	if err != nil {
		return err
	}

	if blockID < sb.EarliestInodeSpace {
		sb.EarliestInodeSpace = blockID
	}
	return nil
}

func blockIsAllFree(blockBytes []byte) bool {
	for slot := uint(0); slot < InodesPerBlock; slot++ {
		if !slotIsFree(blockBytes, slot) {
			return false
		}
	}
	return true
}
