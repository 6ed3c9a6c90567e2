package sfs_test

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dargueta/sfs"
	"github.com/dargueta/sfs/sfstest"
)

// Creating a file links it into the directory with one hardlink and no
// content.
func TestFileSystem__CreateFile__Basic(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	id, err := fs.CreateFile(sfs.RootInodeID, "alpha", 0o644, 1000, 100)
	require.NoError(t, err)
	require.NotEqual(t, sfs.NilInode, id)

	found, err := fs.LookUp(sfs.RootInodeID, "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, found)

	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.Equal(t, sfs.TypeFile, ino.FileType())
	assert.Equal(t, uint16(0o644), ino.Permissions())
	assert.EqualValues(t, 1000, ino.UserID)
	assert.EqualValues(t, 100, ino.GroupID)
	assert.EqualValues(t, 1, ino.Hardlinks)

	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size, "a new file is empty even with its first block linked")

	entries, err := fs.ListDirectory(sfs.RootInodeID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[2].Name)
}

// Two names can't coexist in one directory, whether they arrive by create or
// by link.
func TestFileSystem__CreateFile__DuplicateName(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	id, err := fs.CreateFile(sfs.RootInodeID, "alpha", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = fs.CreateFile(sfs.RootInodeID, "alpha", 0o644, 0, 0)
	assert.ErrorIs(t, err, sfs.ErrExists)

	err = fs.Link(sfs.RootInodeID, "alpha", id)
	assert.ErrorIs(t, err, sfs.ErrExists)
}

// A failed create must leave no debris: same unused count, no directory
// entry, no inode.
func TestFileSystem__CreateFile__FailureRollsBack(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	unusedBefore := fs.Superblock().TotalUnused

	_, err := fs.CreateFile(sfs.RootInodeID, strings.Repeat("a", 128), 0o644, 0, 0)
	require.ErrorIs(t, err, sfs.ErrNameTooLong)

	assert.Equal(t, unusedBefore, fs.Superblock().TotalUnused)
	entries, err := fs.ListDirectory(sfs.RootInodeID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// Writes and reads round-trip, sizes derive from block count plus the tail
// byte count, and reads past the end signal io.EOF.
func TestFileSystem__ReadWrite__SmallFile(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "greeting", 0o644, 0, 0)
	require.NoError(t, err)

	n, err := fs.WriteAt(id, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)

	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 11, ino.TailByteCount())

	buf := make([]byte, 11)
	n, err = fs.ReadAt(id, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf))

	// A read inside the file that stops exactly at the end has no error.
	buf = make([]byte, 5)
	n, err = fs.ReadAt(id, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	// A read straddling the end returns what exists plus io.EOF.
	buf = make([]byte, 16)
	n, err = fs.ReadAt(id, buf, 8)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, n)
	assert.Equal(t, "rld", string(buf[:3]))

	// A read entirely past the end is empty.
	n, err = fs.ReadAt(id, buf, 11)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

// Content crossing block boundaries lands in the right blocks and comes back
// intact.
func TestFileSystem__ReadWrite__CrossesBlocks(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "big", 0o644, 0, 0)
	require.NoError(t, err)

	content := make([]byte, 9000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	n, err := fs.WriteAt(id, content, 0)
	require.NoError(t, err)
	require.Equal(t, len(content), n)

	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, size)
	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 9000-2*sfs.BlockSize, ino.TailByteCount())

	readBack := make([]byte, 9000)
	n, err = fs.ReadAt(id, readBack, 0)
	require.NoError(t, err)
	require.Equal(t, 9000, n)
	assert.True(t, bytes.Equal(content, readBack))

	// Spot-check a block boundary with an unaligned read.
	window := make([]byte, 10)
	_, err = fs.ReadAt(id, window, sfs.BlockSize-5)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[sfs.BlockSize-5:sfs.BlockSize+5], window))
}

// Writing past the current end zero-fills the gap.
func TestFileSystem__WriteAt__GapIsZeroFilled(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "gappy", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = fs.WriteAt(id, []byte("tail"), 5000)
	require.NoError(t, err)

	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 5004, size)

	gap := make([]byte, 5000)
	_, err = fs.ReadAt(id, gap, 0)
	require.NoError(t, err)
	for i, b := range gap {
		if b != 0 {
			t.Fatalf("byte %d of the gap is %#x, not zero", i, b)
		}
	}

	// A write that skips whole blocks still links them, because content
	// blocks form a packed prefix; the skipped blocks read as zeros.
	sparseID, err := fs.CreateFile(sfs.RootInodeID, "sparse", 0o644, 0, 0)
	require.NoError(t, err)
	_, err = fs.WriteAt(sparseID, []byte("way out"), 3*sfs.BlockSize+50)
	require.NoError(t, err)

	size, err = fs.Size(sparseID)
	require.NoError(t, err)
	assert.EqualValues(t, 3*sfs.BlockSize+57, size)

	middle := make([]byte, 64)
	_, err = fs.ReadAt(sparseID, middle, sfs.BlockSize+100)
	require.NoError(t, err)
	for _, b := range middle {
		require.Zero(t, b)
	}
	tail := make([]byte, 7)
	_, err = fs.ReadAt(sparseID, tail, 3*sfs.BlockSize+50)
	require.NoError(t, err)
	assert.Equal(t, "way out", string(tail))
}

// Overwriting in place must not change the size or disturb neighbors.
func TestFileSystem__WriteAt__OverwriteInPlace(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "notes", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = fs.WriteAt(id, []byte("aaaaaaaaaa"), 0)
	require.NoError(t, err)
	_, err = fs.WriteAt(id, []byte("BB"), 4)
	require.NoError(t, err)

	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)

	buf := make([]byte, 10)
	_, err = fs.ReadAt(id, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "aaaaBBaaaa", string(buf))
}

// Hardlinks: a second name shares the inode; unlinking one name keeps the
// file; unlinking the last destroys it and frees every block.
func TestFileSystem__LinkUnlink__Lifecycle(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	baseline := fs.Superblock().TotalUnused

	id, err := fs.CreateFile(sfs.RootInodeID, "original", 0o644, 0, 0)
	require.NoError(t, err)
	_, err = fs.WriteAt(id, make([]byte, 9000), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Link(sfs.RootInodeID, "alias", id))
	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ino.Hardlinks)

	aliasID, err := fs.LookUp(sfs.RootInodeID, "alias")
	require.NoError(t, err)
	assert.Equal(t, id, aliasID)

	// Dropping one name keeps the inode and its content.
	require.NoError(t, fs.Unlink(sfs.RootInodeID, "original"))
	ino, err = fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ino.Hardlinks)
	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, size)
	_, err = fs.LookUp(sfs.RootInodeID, "original")
	assert.ErrorIs(t, err, sfs.ErrNotFound)

	// Dropping the last name destroys the inode and returns its blocks.
	require.NoError(t, fs.Unlink(sfs.RootInodeID, "alias"))
	_, err = fs.ReadInode(id)
	assert.ErrorIs(t, err, sfs.ErrNotFound)
	assert.Equal(t, baseline, fs.Superblock().TotalUnused,
		"all content blocks must be back in the pool")
}

// Directories refuse extra hardlinks; their only names are structural.
func TestFileSystem__Link__RejectsDirectories(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	subID, err := fs.CreateDirectory(sfs.RootInodeID, "sub", 0o755, 0, 0)
	require.NoError(t, err)

	err = fs.Link(sfs.RootInodeID, "sub2", subID)
	assert.ErrorIs(t, err, sfs.ErrIsADirectory)

	err = fs.Unlink(sfs.RootInodeID, "sub")
	assert.ErrorIs(t, err, sfs.ErrIsADirectory, "directories go through RemoveDirectory")
}

// Creating a directory wires "." and ".." and bumps the parent's link count;
// removing it unwinds all of that.
func TestFileSystem__Directory__Lifecycle(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	root, err := fs.ReadInode(sfs.RootInodeID)
	require.NoError(t, err)
	require.EqualValues(t, 2, root.Hardlinks)

	subID, err := fs.CreateDirectory(sfs.RootInodeID, "sub", 0o755, 0, 0)
	require.NoError(t, err)

	sub, err := fs.ReadInode(subID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sub.Hardlinks, `"." plus the parent's entry`)
	root, err = fs.ReadInode(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, root.Hardlinks, `".." inside sub links to the root`)

	entries, err := fs.ListDirectory(subID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, sfs.DirEntry{ID: subID, Name: "."}, entries[0])
	assert.Equal(t, sfs.DirEntry{ID: sfs.RootInodeID, Name: ".."}, entries[1])

	// Non-empty directories don't come off.
	fileID, err := fs.CreateFile(subID, "occupant", 0o644, 0, 0)
	require.NoError(t, err)
	_ = fileID
	err = fs.RemoveDirectory(sfs.RootInodeID, "sub")
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)

	require.NoError(t, fs.Unlink(subID, "occupant"))
	require.NoError(t, fs.RemoveDirectory(sfs.RootInodeID, "sub"))

	_, err = fs.ReadInode(subID)
	assert.ErrorIs(t, err, sfs.ErrNotFound)
	root, err = fs.ReadInode(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, root.Hardlinks)

	err = fs.RemoveDirectory(sfs.RootInodeID, ".")
	assert.ErrorIs(t, err, sfs.ErrInvalidArgument)
}

// When a directory's block fills up, the next entry grows the directory by
// one block and the tail entry count restarts there.
func TestFileSystem__Directory__GrowsPastOneBlock(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	// "." and ".." occupy 13 bytes; thirty 132-byte records fill the block
	// to 3973 of 4096, so the 31st spills into a second block.
	for i := 0; i < 31; i++ {
		name := fmt.Sprintf("%03d%s", i, strings.Repeat("x", 124))
		_, err := fs.CreateFIFO(sfs.RootInodeID, name, 0o644, 0, 0)
		require.NoErrorf(t, err, "creating entry %d", i)
	}

	root, err := fs.ReadInode(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, root.TailEntryCount(), "the new last block holds one entry")

	size, err := fs.Size(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 2*sfs.BlockSize, size)

	entries, err := fs.ListDirectory(sfs.RootInodeID)
	require.NoError(t, err)
	assert.Len(t, entries, 33)

	// Removing the spilled entry drops the tail count to zero; the block
	// itself stays with the directory.
	lastName := fmt.Sprintf("%03d%s", 30, strings.Repeat("x", 124))
	require.NoError(t, fs.Unlink(sfs.RootInodeID, lastName))
	root, err = fs.ReadInode(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, root.TailEntryCount())
	size, err = fs.Size(sfs.RootInodeID)
	require.NoError(t, err)
	assert.EqualValues(t, 2*sfs.BlockSize, size)
}

// Device nodes, sockets, and pipes carry their identity in Meta and have no
// content to read or write.
func TestFileSystem__SpecialFiles(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	charID, err := fs.CreateDeviceNode(
		sfs.RootInodeID, "tty0", sfs.TypeCharDevice, 0x0501, 0o600, 0, 0)
	require.NoError(t, err)
	ino, err := fs.ReadInode(charID)
	require.NoError(t, err)
	assert.Equal(t, sfs.TypeCharDevice, ino.FileType())
	assert.EqualValues(t, 0x0501, ino.DeviceID())

	blockID, err := fs.CreateDeviceNode(
		sfs.RootInodeID, "sda", sfs.TypeBlockDevice, 0x0800, 0o600, 0, 0)
	require.NoError(t, err)
	ino, err = fs.ReadInode(blockID)
	require.NoError(t, err)
	assert.Equal(t, sfs.TypeBlockDevice, ino.FileType())

	sockID, err := fs.CreateSocket(sfs.RootInodeID, "ctl", 42, 0o777, 0, 0)
	require.NoError(t, err)
	ino, err = fs.ReadInode(sockID)
	require.NoError(t, err)
	assert.Equal(t, sfs.TypeSocket, ino.FileType())
	assert.EqualValues(t, 42, ino.SocketID())

	fifoID, err := fs.CreateFIFO(sfs.RootInodeID, "pipe", 0o644, 0, 0)
	require.NoError(t, err)
	ino, err = fs.ReadInode(fifoID)
	require.NoError(t, err)
	assert.Equal(t, sfs.TypeFIFO, ino.FileType())

	// None of these hold content.
	size, err := fs.Size(charID)
	require.NoError(t, err)
	assert.Zero(t, size)
	_, err = fs.WriteAt(charID, []byte("x"), 0)
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)
	_, err = fs.ReadAt(charID, make([]byte, 1), 0)
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)

	// Only real device types pass.
	_, err = fs.CreateDeviceNode(sfs.RootInodeID, "bad", sfs.TypeFile, 1, 0o600, 0, 0)
	assert.ErrorIs(t, err, sfs.ErrInvalidArgument)
}

// Content operations check types: directories aren't readable as files, and
// files can't host directory operations.
func TestFileSystem__TypeChecks(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})

	fileID, err := fs.CreateFile(sfs.RootInodeID, "plain", 0o644, 0, 0)
	require.NoError(t, err)

	_, err = fs.ReadAt(sfs.RootInodeID, make([]byte, 8), 0)
	assert.ErrorIs(t, err, sfs.ErrIsADirectory)
	_, err = fs.WriteAt(sfs.RootInodeID, []byte("x"), 0)
	assert.ErrorIs(t, err, sfs.ErrIsADirectory)

	_, err = fs.CreateFile(fileID, "child", 0o644, 0, 0)
	assert.ErrorIs(t, err, sfs.ErrNotADirectory)
	_, err = fs.LookUp(fileID, "child")
	assert.ErrorIs(t, err, sfs.ErrNotADirectory)
	_, err = fs.ListDirectory(fileID)
	assert.ErrorIs(t, err, sfs.ErrNotADirectory)
}

// Truncation in both directions: shrinking frees blocks and preserves the
// surviving prefix, growing zero-fills.
func TestFileSystem__Truncate(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "resize", 0o644, 0, 0)
	require.NoError(t, err)

	content := make([]byte, 9000)
	for i := range content {
		content[i] = byte(i % 13)
	}
	_, err = fs.WriteAt(id, content, 0)
	require.NoError(t, err)
	unusedAt9000 := fs.Superblock().TotalUnused

	require.NoError(t, fs.Truncate(id, 100))
	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 100, size)
	assert.Equal(t, unusedAt9000+2, fs.Superblock().TotalUnused,
		"9000 bytes used 3 blocks; 100 bytes use 1")

	buf := make([]byte, 100)
	_, err = fs.ReadAt(id, buf, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[:100], buf))

	require.NoError(t, fs.Truncate(id, 10000))
	size, err = fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 10000, size)

	// Both the fresh blocks and the region the shrink cut out of the old
	// last block must come back as zeros.
	for _, off := range []int64{100, 4000, 5000, 9980} {
		window := make([]byte, 20)
		_, err = fs.ReadAt(id, window, off)
		require.NoError(t, err)
		for _, b := range window {
			assert.Zerof(t, b, "grown space at offset %d must read as zeros", off)
		}
	}

	// Exact block multiple: two full blocks, tail count pegged at BlockSize.
	require.NoError(t, fs.Truncate(id, 2*sfs.BlockSize))
	size, err = fs.Size(id)
	require.NoError(t, err)
	assert.EqualValues(t, 2*sfs.BlockSize, size)
	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, sfs.BlockSize, ino.TailByteCount())

	require.NoError(t, fs.Truncate(id, 0))
	size, err = fs.Size(id)
	require.NoError(t, err)
	assert.Zero(t, size)

	err = fs.Truncate(id, -1)
	assert.ErrorIs(t, err, sfs.ErrInvalidArgument)
}

// Chmod swaps permission bits without touching the type nibble; Chown and
// Touch update their fields in place.
func TestFileSystem__MetadataUpdates(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "meta", 0o644, 1, 1)
	require.NoError(t, err)

	require.NoError(t, fs.Chmod(id, 0o600))
	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.Equal(t, uint16(0o600), ino.Permissions())
	assert.Equal(t, sfs.TypeFile, ino.FileType(), "chmod must not change the type")

	require.NoError(t, fs.Chown(id, 500, 600))
	ino, err = fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 500, ino.UserID)
	assert.EqualValues(t, 600, ino.GroupID)

	when := time.Unix(1000000000, 0)
	require.NoError(t, fs.Touch(id, when, when))
	ino, err = fs.ReadInode(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1000000000, ino.AccessedAt.Unix())
	assert.EqualValues(t, 1000000000, ino.ModifiedAt.Unix())
}

// Writes stamp the modification time; reads stamp the access time; the other
// timestamp stays put.
func TestFileSystem__Timestamps(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 256, sfs.FormatOptions{})
	id, err := fs.CreateFile(sfs.RootInodeID, "stamped", 0o644, 0, 0)
	require.NoError(t, err)

	past := time.Unix(1000000000, 0)
	require.NoError(t, fs.Touch(id, past, past))

	_, err = fs.WriteAt(id, []byte("data"), 0)
	require.NoError(t, err)
	ino, err := fs.ReadInode(id)
	require.NoError(t, err)
	assert.Greater(t, ino.ModifiedAt.Unix(), past.Unix())
	assert.Equal(t, past.Unix(), ino.AccessedAt.Unix())

	require.NoError(t, fs.Touch(id, past, past))
	_, err = fs.ReadAt(id, make([]byte, 4), 0)
	require.NoError(t, err)
	ino, err = fs.ReadInode(id)
	require.NoError(t, err)
	assert.Greater(t, ino.AccessedAt.Unix(), past.Unix())
	assert.Equal(t, past.Unix(), ino.ModifiedAt.Unix())
}

// Preallocated blocks are reserved at create, consumed by growth, and
// released explicitly or at unmount.
func TestFileSystem__Preallocation(t *testing.T) {
	device := sfstest.NewImage(t, 128)
	require.NoError(t, sfs.Format(device, sfs.FormatOptions{
		PreallocFiles: 3,
		PreallocDirs:  1,
	}))
	fs, err := sfs.Mount(device)
	require.NoError(t, err)

	baseline := fs.Superblock().TotalUnused

	id, err := fs.CreateFile(sfs.RootInodeID, "eager", 0o644, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, baseline-4, fs.Superblock().TotalUnused,
		"one linked block plus three reserved")
	size, err := fs.Size(id)
	require.NoError(t, err)
	assert.Zero(t, size, "reserved blocks must not count as content")

	// Growth into the second block consumes a reserved one, not a fresh one.
	_, err = fs.WriteAt(id, make([]byte, 5000), 0)
	require.NoError(t, err)
	assert.Equal(t, baseline-4, fs.Superblock().TotalUnused)

	// Releasing gives the two leftovers back.
	require.NoError(t, fs.ReleasePreallocation(id))
	assert.Equal(t, baseline-2, fs.Superblock().TotalUnused)

	// Releasing twice is a no-op.
	require.NoError(t, fs.ReleasePreallocation(id))
	assert.Equal(t, baseline-2, fs.Superblock().TotalUnused)

	// Directories reserve via their own knob.
	_, err = fs.CreateDirectory(sfs.RootInodeID, "sub", 0o755, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, baseline-4, fs.Superblock().TotalUnused,
		"the directory's block plus one reserved")

	// Unmount releases every outstanding pool; the image must check clean.
	require.NoError(t, fs.Unmount())
	report, err := sfs.Check(device)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "findings: %v", report.Findings)

	fs, err = sfs.Mount(device)
	require.NoError(t, err)
	defer func() { require.NoError(t, fs.Unmount()) }()
	assert.Equal(t, baseline-3, fs.Superblock().TotalUnused,
		"two file blocks and one directory block stay; reservations are gone")
}

// Destroying a file releases its reservation along with its content.
func TestFileSystem__Preallocation__UnlinkReleases(t *testing.T) {
	device := sfstest.NewImage(t, 128)
	require.NoError(t, sfs.Format(device, sfs.FormatOptions{PreallocFiles: 5}))
	fs, err := sfs.Mount(device)
	require.NoError(t, err)
	defer func() { require.NoError(t, fs.Unmount()) }()

	baseline := fs.Superblock().TotalUnused
	_, err = fs.CreateFile(sfs.RootInodeID, "brief", 0o644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(sfs.RootInodeID, "brief"))

	assert.Equal(t, baseline, fs.Superblock().TotalUnused)
}

// After Unmount the session is dead: every operation fails, and a fresh
// Mount picks up the flushed state.
func TestFileSystem__Unmount__InvalidatesSession(t *testing.T) {
	device := sfstest.NewImage(t, 64)
	require.NoError(t, sfs.Format(device, sfs.FormatOptions{}))

	fs, err := sfs.Mount(device)
	require.NoError(t, err)
	_, err = fs.CreateFile(sfs.RootInodeID, "persisted", 0o644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fs.Unmount())
	assert.False(t, fs.IsMounted())

	_, err = fs.CreateFile(sfs.RootInodeID, "late", 0o644, 0, 0)
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)
	_, err = fs.ReadInode(sfs.RootInodeID)
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)
	err = fs.Unmount()
	assert.ErrorIs(t, err, sfs.ErrInvalidOperation)

	reopened, err := sfs.Mount(device)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Unmount()) }()
	_, err = reopened.LookUp(sfs.RootInodeID, "persisted")
	assert.NoError(t, err, "the unmount must have flushed the new file")
}

// The mount timestamp becomes durable once the session flushes.
func TestFileSystem__Mount__StampsTimestamp(t *testing.T) {
	device := sfstest.NewImage(t, 64)
	require.NoError(t, sfs.Format(device, sfs.FormatOptions{}))

	sb, err := sfs.LoadSuperblock(device)
	require.NoError(t, err)
	require.EqualValues(t, 0, sb.LastMount.Unix(), "never mounted")

	fs, err := sfs.Mount(device)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	sb, err = sfs.LoadSuperblock(device)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), sb.LastMount, 10*time.Second)
}

// Stat mirrors the in-memory superblock.
func TestFileSystem__Stat(t *testing.T) {
	fs := sfstest.NewFormattedImage(t, 64, sfs.FormatOptions{Name: "statvol"})

	stat := fs.Stat()
	assert.Equal(t, "statvol", stat.Name)
	assert.EqualValues(t, sfs.BlockSize, stat.BlockSize)
	assert.EqualValues(t, 64, stat.TotalBlocks)
	assert.EqualValues(t, 60, stat.UnusedBlocks)
}

// A busy session leaves a consistent image behind: the whole-device
// invariant is unused + allocated + inode blocks == total - descriptors.
func TestFileSystem__MutationsKeepImageConsistent(t *testing.T) {
	device := sfstest.NewImage(t, 256)
	require.NoError(t, sfs.Format(device, sfs.FormatOptions{PreallocFiles: 2}))
	fs, err := sfs.Mount(device)
	require.NoError(t, err)

	subID, err := fs.CreateDirectory(sfs.RootInodeID, "work", 0o755, 0, 0)
	require.NoError(t, err)
	fileID, err := fs.CreateFile(subID, "journal", 0o644, 0, 0)
	require.NoError(t, err)
	_, err = fs.WriteAt(fileID, make([]byte, 20000), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Link(subID, "journal.bak", fileID))
	require.NoError(t, fs.Truncate(fileID, 1234))
	_, err = fs.CreateFIFO(subID, "queue", 0o600, 0, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(subID, "journal.bak"))
	require.NoError(t, fs.Unmount())

	report, err := sfs.Check(device)
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "findings: %v", report.Findings)
	assert.Equal(t,
		report.CheckedBlocks-report.DescriptorBlocks,
		report.UnusedBlocks+report.AllocatedBlocks+report.InodeBlocks)
}
