/*
Package sfs implements a small Unix-style file system on top of any
block-addressed device.

The format divides a device into 4096-byte blocks and groups them into arrays
of 16384. The first block of every array is a descriptor: two bitmaps telling
which of the array's blocks are in use and which of the used ones hold
inodes. Global block 1 holds the superblock, whose counters and hints keep
allocation from rescanning the whole device. Inodes are fixed 128-byte
records packed 32 to a block, addressing content through ten direct pointers,
one single-indirect block, and one double-indirect block. Directories are
files whose blocks hold variable-length entries: a one-byte name length, a
four-byte inode id, then the name itself, packed from the front of each
block.

The package splits along those lines. Block status and translation live at
the bottom (Locate, ReadBlockStatus, WriteBlockStatus), allocation above that
(AllocateBlocks, FreeBlock), then inodes, content-pointer resolution, and
directory entries. FileSystem ties them into a mounted session with the
usual operations: create, link, unlink, read, write, truncate. Format writes
a blank image and Check audits one.

Nothing here opens files or talks to hardware; callers supply a BlockDevice.
The blockdev subpackage adapts any io.ReadWriteSeeker, which together with an
in-memory stream is how the tests run without touching real devices.
*/
package sfs
