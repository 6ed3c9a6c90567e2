package sfs

import (
	"encoding/binary"
	"fmt"
)

// MaxNameLength is the longest directory entry name the format can store:
// the length field is one byte and the high bit is reserved.
const MaxNameLength = 127

// direntHeaderSize is the fixed part of a record: one length byte plus a
// four-byte inode id. The name follows with no terminator.
const direntHeaderSize = 5

// DirEntry binds a name to an inode id within one directory block.
type DirEntry struct {
	ID   InodeID
	Name string
}

// EncodedSize returns the number of bytes the entry's record occupies.
func (entry *DirEntry) EncodedSize() int {
	return direntHeaderSize + len(entry.Name)
}

func validateEntryName(name string) error {
	if len(name) == 0 {
		return ErrInvalidArgument.WithMessage("directory entry name is empty")
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong.WithMessage(
			fmt.Sprintf("%q is %d bytes; the maximum is %d", name, len(name), MaxNameLength))
	}
	return nil
}

// DirentScanner iterates the packed records of one directory block in storage
// order, in the style of bufio.Scanner:
//
//	scanner := NewDirentScanner(blockBytes)
//	for scanner.Scan() {
//	    entry := scanner.Entry()
//	    ...
//	}
//
// Scanning is restartable (make a new scanner) and never fails: anything that
// can't be a record ends the scan instead.
type DirentScanner struct {
	blockBytes []byte
	cursor     int
	entry      DirEntry
}

func NewDirentScanner(blockBytes []byte) *DirentScanner {
	return &DirentScanner{blockBytes: blockBytes}
}

// Scan advances to the next record, reporting false at the end of the packed
// prefix: when fewer than five bytes remain, when the record would run past
// the end of the block, or when the length byte is zero or oversized. Names
// are 1 to 127 bytes, so zeroed free space can't start a record.
func (scanner *DirentScanner) Scan() bool {
	if scanner.cursor+direntHeaderSize > len(scanner.blockBytes) {
		return false
	}
	nameLength := int(scanner.blockBytes[scanner.cursor])
	if nameLength == 0 || nameLength > MaxNameLength {
		return false
	}
	recordEnd := scanner.cursor + direntHeaderSize + nameLength
	if recordEnd > len(scanner.blockBytes) {
		return false
	}

	scanner.entry = DirEntry{
		ID:   InodeID(binary.LittleEndian.Uint32(scanner.blockBytes[scanner.cursor+1:])),
		Name: string(scanner.blockBytes[scanner.cursor+direntHeaderSize : recordEnd]),
	}
	scanner.cursor = recordEnd
	return true
}

// Entry returns the record the last successful Scan stopped on.
func (scanner *DirentScanner) Entry() DirEntry {
	return scanner.entry
}

// Offset returns the byte offset of the next unread position: after the scan
// ends this is the end of the packed prefix.
func (scanner *DirentScanner) Offset() int {
	return scanner.cursor
}

// packedEnd returns the offset just past the last record in the block.
func packedEnd(blockBytes []byte) int {
	scanner := NewDirentScanner(blockBytes)
	for scanner.Scan() {
	}
	return scanner.Offset()
}

// CountDirents returns how many records the block holds.
func CountDirents(blockBytes []byte) uint32 {
	var count uint32
	scanner := NewDirentScanner(blockBytes)
	for scanner.Scan() {
		count++
	}
	return count
}

// InsertDirent appends a record to the block's packed prefix. It fails with
// ErrBlockFull when the record doesn't fit in the remaining space, leaving
// the block untouched; directory-level callers respond by extending the
// directory with a fresh block.
func InsertDirent(blockBytes []byte, entry DirEntry) error {
	err := validateEntryName(entry.Name)
	if err != nil {
		return err
	}

	offset := packedEnd(blockBytes)
	recordSize := entry.EncodedSize()
	if offset+recordSize > len(blockBytes) {
		return ErrBlockFull.WithMessage(
			fmt.Sprintf(
				"a %d-byte record does not fit at offset %d of a %d-byte block",
				recordSize,
				offset,
				len(blockBytes)))
	}

	blockBytes[offset] = byte(len(entry.Name))
	binary.LittleEndian.PutUint32(blockBytes[offset+1:], uint32(entry.ID))
	copy(blockBytes[offset+direntHeaderSize:], entry.Name)
	return nil
}

// RemoveDirent deletes the first record carrying the given inode id, shifting
// every later record left so the block stays packed, and zeroing the vacated
// tail. Fails with ErrNotFound when no record carries the id.
func RemoveDirent(blockBytes []byte, id InodeID) (DirEntry, error) {
	scanner := NewDirentScanner(blockBytes)
	for scanner.Scan() {
		entry := scanner.Entry()
		if entry.ID == id {
			removeRecordAt(blockBytes, scanner.Offset()-entry.EncodedSize(), entry.EncodedSize())
			return entry, nil
		}
	}
	return DirEntry{}, ErrNotFound.WithMessage(
		fmt.Sprintf("no entry for inode %d in this block", id))
}

// RemoveDirentByName is RemoveDirent keyed by name instead of inode id. When
// several names in one block alias the same inode, this is the only way to
// say which of them goes.
func RemoveDirentByName(blockBytes []byte, name string) (DirEntry, error) {
	scanner := NewDirentScanner(blockBytes)
	for scanner.Scan() {
		entry := scanner.Entry()
		if entry.Name == name {
			removeRecordAt(blockBytes, scanner.Offset()-entry.EncodedSize(), entry.EncodedSize())
			return entry, nil
		}
	}
	return DirEntry{}, ErrNotFound.WithMessage(
		fmt.Sprintf("no entry named %q in this block", name))
}

// removeRecordAt closes the gap left by the record at start, keeping the
// prefix packed and the free tail zeroed.
func removeRecordAt(blockBytes []byte, start, recordSize int) {
	end := packedEnd(blockBytes)
	copy(blockBytes[start:], blockBytes[start+recordSize:end])
	for i := end - recordSize; i < end; i++ {
		blockBytes[i] = 0
	}
}

// FindDirent scans a block for a name.
func FindDirent(blockBytes []byte, name string) (DirEntry, bool) {
	scanner := NewDirentScanner(blockBytes)
	for scanner.Scan() {
		if scanner.Entry().Name == name {
			return scanner.Entry(), true
		}
	}
	return DirEntry{}, false
}
