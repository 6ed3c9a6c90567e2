package sfs

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Default permission bits for newly created objects when the caller has no
// opinion.
const DefaultFilePermissions = S_IRUSR | S_IWUSR | S_IRGRP | S_IROTH
const DefaultDirectoryPermissions = S_IRWXU | S_IRGRP | S_IXGRP | S_IROTH | S_IXOTH

// FileSystem is a mounted session against one device. All mutating
// operations serialize on an internal mutex: the format is single-writer,
// and a session never spawns goroutines of its own. Get one from Mount;
// there is no package-level singleton.
//
// Superblock changes accumulate in memory and reach the device on Flush and
// Unmount. Everything else is written through to the device's own buffering
// as each operation returns.
type FileSystem struct {
	mu      sync.Mutex
	dev     BlockDevice
	sb      Superblock
	mounted bool

	// reserved holds preallocated content blocks per inode. The format has
	// no way to mark a linked block as unused (sizes are derived from the
	// pointer prefix), so blocks allocated ahead of need are parked here,
	// already zeroed and marked Allocated, until growth links them or
	// ReleasePreallocation frees them.
	reserved map[InodeID][]BlockID
}

// Mount loads and validates the superblock and opens a session. The mount
// timestamp is set immediately but, like all superblock changes, becomes
// durable on the next Flush or Unmount.
func Mount(dev BlockDevice) (*FileSystem, error) {
	sb, err := LoadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	sb.LastMount = time.Now()

	return &FileSystem{
		dev:      dev,
		sb:       sb,
		mounted:  true,
		reserved: make(map[InodeID][]BlockID),
	}, nil
}

// IsMounted reports whether the session is still usable.
func (fs *FileSystem) IsMounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mounted
}

func (fs *FileSystem) ensureMounted() error {
	if !fs.mounted {
		return ErrInvalidOperation.WithMessage("file system is not mounted")
	}
	return nil
}

// Superblock returns a copy of the in-memory superblock.
func (fs *FileSystem) Superblock() Superblock {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb
}

// FSStat is a point-in-time summary of a mounted file system.
type FSStat struct {
	Name         string
	BlockSize    uint
	TotalBlocks  uint32
	UnusedBlocks uint32
	LastMount    time.Time
	LastWrite    time.Time
}

// Stat summarizes the session's current state.
func (fs *FileSystem) Stat() FSStat {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return FSStat{
		Name:         fs.sb.Name,
		BlockSize:    BlockSize,
		TotalBlocks:  fs.sb.TotalBlocks,
		UnusedBlocks: fs.sb.TotalUnused,
		LastMount:    fs.sb.LastMount,
		LastWrite:    fs.sb.LastWrite,
	}
}

// Flush persists the superblock and pushes the device's buffered writes to
// the underlying medium.
func (fs *FileSystem) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	return fs.flushLocked()
}

func (fs *FileSystem) flushLocked() error {
	err := WriteSuperblock(fs.dev, &fs.sb)
	if err != nil {
		return err
	}
	err = fs.dev.Flush()
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

// Unmount releases every outstanding preallocation, flushes, and invalidates
// the session. Any use afterwards fails with ErrInvalidOperation.
func (fs *FileSystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	for id := range fs.reserved {
		err := fs.releasePreallocationLocked(id)
		if err != nil {
			return err
		}
	}

	err := fs.flushLocked()
	if err != nil {
		return err
	}
	fs.mounted = false
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Inode access

// ReadInode loads one inode record.
func (fs *FileSystem) ReadInode(id InodeID) (Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return Inode{}, err
	}
	return ReadInode(fs.dev, id)
}

// WriteInode stores an inode record. The slot must already be live; creation
// goes through the Create functions.
func (fs *FileSystem) WriteInode(id InodeID, ino *Inode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	return WriteInode(fs.dev, id, ino)
}

// Chmod replaces an inode's permission bits, leaving the type nibble alone.
func (fs *FileSystem) Chmod(id InodeID, permissions uint16) error {
	return fs.updateInode(id, func(ino *Inode) {
		ino.TypeAndPermission = (ino.TypeAndPermission &^ PermissionsMask) |
			(permissions & PermissionsMask)
	})
}

// Chown replaces an inode's owner and group.
func (fs *FileSystem) Chown(id InodeID, userID, groupID uint16) error {
	return fs.updateInode(id, func(ino *Inode) {
		ino.UserID = userID
		ino.GroupID = groupID
	})
}

// Touch sets an inode's access and modification timestamps.
func (fs *FileSystem) Touch(id InodeID, accessedAt, modifiedAt time.Time) error {
	return fs.updateInode(id, func(ino *Inode) {
		ino.AccessedAt = accessedAt
		ino.ModifiedAt = modifiedAt
	})
}

func (fs *FileSystem) updateInode(id InodeID, mutate func(*Inode)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return err
	}
	mutate(&ino)
	return WriteInode(fs.dev, id, &ino)
}

////////////////////////////////////////////////////////////////////////////////
// Creation

// CreateFile makes a regular file inode, preallocates blocks per the
// superblock's PreallocFiles knob, and links it into the given directory
// under the given name. The first block is linked immediately; the extras
// stay reserved until the file grows into them or they're released.
func (fs *FileSystem) CreateFile(
	dirID InodeID, name string, permissions, userID, groupID uint16,
) (InodeID, error) {
	return fs.createObject(
		dirID, name, uint16(TypeFile)|(permissions&PermissionsMask),
		userID, groupID, 0)
}

// CreateDirectory makes a directory inode with the customary "." and ".."
// entries and links it into the parent. PreallocDirs extra blocks are
// reserved the same way CreateFile reserves them.
func (fs *FileSystem) CreateDirectory(
	dirID InodeID, name string, permissions, userID, groupID uint16,
) (InodeID, error) {
	return fs.createObject(
		dirID, name, uint16(TypeDirectory)|(permissions&PermissionsMask),
		userID, groupID, 0)
}

// CreateDeviceNode makes a character or block device inode. Device nodes
// carry no content blocks; deviceID lands in the inode's Meta field.
func (fs *FileSystem) CreateDeviceNode(
	dirID InodeID, name string, deviceType FileType,
	deviceID uint32, permissions, userID, groupID uint16,
) (InodeID, error) {
	if deviceType != TypeCharDevice && deviceType != TypeBlockDevice {
		return NilInode, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%s is not a device type", deviceType))
	}
	return fs.createObject(
		dirID, name, uint16(deviceType)|(permissions&PermissionsMask),
		userID, groupID, deviceID)
}

// CreateSocket makes a socket inode; socketID lands in Meta.
func (fs *FileSystem) CreateSocket(
	dirID InodeID, name string, socketID uint32, permissions, userID, groupID uint16,
) (InodeID, error) {
	return fs.createObject(
		dirID, name, uint16(TypeSocket)|(permissions&PermissionsMask),
		userID, groupID, socketID)
}

// CreateFIFO makes a named pipe inode.
func (fs *FileSystem) CreateFIFO(
	dirID InodeID, name string, permissions, userID, groupID uint16,
) (InodeID, error) {
	return fs.createObject(
		dirID, name, uint16(TypeFIFO)|(permissions&PermissionsMask),
		userID, groupID, 0)
}

func (fs *FileSystem) createObject(
	dirID InodeID, name string, typeAndPermission, userID, groupID uint16, meta uint32,
) (InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return NilInode, err
	}
	if err := validateEntryName(name); err != nil {
		return NilInode, err
	}

	dir, err := fs.readDirectory(dirID)
	if err != nil {
		return NilInode, err
	}
	err = fs.requireAbsent(&dir, name, dirID)
	if err != nil {
		return NilInode, err
	}

	now := time.Now()
	ino := Inode{
		TypeAndPermission: typeAndPermission,
		UserID:            userID,
		GroupID:           groupID,
		AccessedAt:        now,
		ModifiedAt:        now,
		CreatedAt:         now,
		Meta:              meta,
	}

	id, err := AllocateInode(fs.dev, &fs.sb, &ino)
	if err != nil {
		return NilInode, err
	}

	err = fs.attachInitialBlocks(id, &ino, dirID, &dir)
	if err == nil {
		err = fs.linkLocked(dirID, &dir, name, id, &ino)
	}
	if err != nil {
		// Nothing observed this inode yet; take it all back.
		_ = fs.releasePreallocationLocked(id)
		_ = TruncateBlocks(fs.dev, &fs.sb, &ino, 0)
		_ = ReleaseInodeSlot(fs.dev, &fs.sb, id)
		return NilInode, err
	}

	return id, nil
}

// attachInitialBlocks gives a brand-new inode its first content block and
// parks the preallocated extras. Types without content get neither. The
// parent's hardlink bump for a new directory's ".." stays in memory; the
// caller persists the parent once the entry is linked.
func (fs *FileSystem) attachInitialBlocks(
	id InodeID, ino *Inode, parentID InodeID, parent *Inode,
) error {
	var extra uint
	switch ino.FileType() {
	case TypeFile:
		extra = uint(fs.sb.PreallocFiles)
	case TypeDirectory:
		extra = uint(fs.sb.PreallocDirs)
	default:
		return nil
	}

	staged, err := AllocateBlocks(fs.dev, &fs.sb, 1+extra)
	if err != nil {
		return err
	}
	for _, blockID := range staged {
		err = zeroBlock(fs.dev, blockID)
		if err != nil {
			freeStagedBlocks(fs.dev, &fs.sb, staged)
			return err
		}
	}

	ino.Direct[0] = staged[0]
	if len(staged) > 1 {
		fs.reserved[id] = staged[1:]
	}

	if ino.FileType() == TypeDirectory {
		blockBytes := make([]byte, BlockSize)
		err = InsertDirent(blockBytes, DirEntry{ID: id, Name: "."})
		if err == nil {
			err = InsertDirent(blockBytes, DirEntry{ID: parentID, Name: ".."})
		}
		if err == nil {
			err = fs.dev.WriteBlock(staged[0], blockBytes)
			if err != nil {
				err = ErrIOFailed.Wrap(err)
			}
		}
		if err != nil {
			delete(fs.reserved, id)
			freeStagedBlocks(fs.dev, &fs.sb, staged)
			ino.Direct[0] = 0
			return err
		}
		ino.Meta = 2

		// "." names the new directory itself; ".." adds a link to the parent.
		ino.Hardlinks++
		parent.Hardlinks++
	}

	return WriteInode(fs.dev, id, ino)
}

////////////////////////////////////////////////////////////////////////////////
// Directory operations

// readDirectory loads an inode and insists it is a directory.
func (fs *FileSystem) readDirectory(id InodeID) (Inode, error) {
	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return Inode{}, err
	}
	if !ino.IsDirectory() {
		return Inode{}, ErrNotADirectory.WithMessage(
			fmt.Sprintf("inode %d is a %s", id, ino.FileType()))
	}
	return ino, nil
}

// findEntry scans a directory's blocks for a name.
func (fs *FileSystem) findEntry(dir *Inode, name string) (DirEntry, error) {
	blockCount, err := CountBlocks(fs.dev, dir)
	if err != nil {
		return DirEntry{}, err
	}

	blockBytes := make([]byte, BlockSize)
	for i := uint32(0); i < blockCount; i++ {
		blockID, err := ResolveBlock(fs.dev, dir, i)
		if err != nil {
			return DirEntry{}, err
		}
		err = fs.dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return DirEntry{}, ErrIOFailed.Wrap(err)
		}
		if entry, found := FindDirent(blockBytes, name); found {
			return entry, nil
		}
	}
	return DirEntry{}, ErrNotFound.WithMessage(fmt.Sprintf("no entry named %q", name))
}

// requireAbsent fails with ErrExists when a directory already has an entry
// under name. Scan failures other than "not found" pass through untouched.
func (fs *FileSystem) requireAbsent(dir *Inode, name string, dirID InodeID) error {
	_, err := fs.findEntry(dir, name)
	if err == nil {
		return ErrExists.WithMessage(
			fmt.Sprintf("%q already exists in directory %d", name, dirID))
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// LookUp finds the inode id bound to a name in one directory. There is no
// path walking here: name is a bare entry name, not a slash-separated path.
func (fs *FileSystem) LookUp(dirID InodeID, name string) (InodeID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return NilInode, err
	}

	dir, err := fs.readDirectory(dirID)
	if err != nil {
		return NilInode, err
	}
	entry, err := fs.findEntry(&dir, name)
	if err != nil {
		return NilInode, err
	}
	return entry.ID, nil
}

// ListDirectory returns every entry of a directory in storage order.
func (fs *FileSystem) ListDirectory(dirID InodeID) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return nil, err
	}

	dir, err := fs.readDirectory(dirID)
	if err != nil {
		return nil, err
	}
	return fs.listLocked(&dir)
}

// Link binds a name in a directory to an existing inode and increments the
// target's hardlink count. Directories can't be targets: their only links
// are the structural "." and ".." entries.
func (fs *FileSystem) Link(dirID InodeID, name string, targetID InodeID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	if err := validateEntryName(name); err != nil {
		return err
	}

	dir, err := fs.readDirectory(dirID)
	if err != nil {
		return err
	}
	target, err := ReadInode(fs.dev, targetID)
	if err != nil {
		return err
	}
	if target.IsDirectory() {
		return ErrIsADirectory.WithMessage(
			fmt.Sprintf("cannot hardlink directory inode %d", targetID))
	}
	err = fs.requireAbsent(&dir, name, dirID)
	if err != nil {
		return err
	}

	return fs.linkLocked(dirID, &dir, name, targetID, &target)
}

// linkLocked inserts the entry and bumps the target's link count. Callers
// have already validated the name, confirmed it is absent, and hold the lock.
func (fs *FileSystem) linkLocked(
	dirID InodeID, dir *Inode, name string, targetID InodeID, target *Inode,
) error {
	if target.Hardlinks == ^uint16(0) {
		return ErrTooManyLinks.WithMessage(
			fmt.Sprintf("inode %d already has %d links", targetID, target.Hardlinks))
	}

	err := fs.insertEntry(dirID, dir, DirEntry{ID: targetID, Name: name})
	if err != nil {
		return err
	}

	target.Hardlinks++
	err = WriteInode(fs.dev, targetID, target)
	if err != nil {
		return err
	}

	dir.ModifiedAt = time.Now()
	return WriteInode(fs.dev, dirID, dir)
}

// insertEntry appends a record to the first directory block with room,
// extending the directory by one block when every block is full. The
// directory inode's Meta tracks how many entries its last block holds.
func (fs *FileSystem) insertEntry(dirID InodeID, dir *Inode, entry DirEntry) error {
	blockCount, err := CountBlocks(fs.dev, dir)
	if err != nil {
		return err
	}

	blockBytes := make([]byte, BlockSize)
	for i := uint32(0); i < blockCount; i++ {
		blockID, err := ResolveBlock(fs.dev, dir, i)
		if err != nil {
			return err
		}
		err = fs.dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}

		err = InsertDirent(blockBytes, entry)
		if errors.Is(err, ErrBlockFull) {
			continue
		}
		if err != nil {
			return err
		}
		err = fs.dev.WriteBlock(blockID, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
		if i == blockCount-1 {
			dir.Meta++
		}
		return nil
	}

	// Every existing block is full; grow the directory.
	newBlockID, err := fs.linkReservedOrExtend(dirID, dir, blockCount)
	if err != nil {
		if errors.Is(err, ErrOutOfSpace) || errors.Is(err, ErrOutOfRange) {
			return ErrBlockFull.Wrap(err)
		}
		return err
	}

	freshBytes := make([]byte, BlockSize)
	err = InsertDirent(freshBytes, entry)
	if err != nil {
		return err
	}
	err = fs.dev.WriteBlock(newBlockID, freshBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	dir.Meta = 1
	return nil
}

// Unlink removes a name from a directory and drops the target's hardlink
// count. An inode whose count reaches zero is destroyed: content freed,
// record zeroed, the record's block freed if nothing else lives there.
// Directories are removed with RemoveDirectory, not Unlink.
func (fs *FileSystem) Unlink(dirID InodeID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}

	dir, err := fs.readDirectory(dirID)
	if err != nil {
		return err
	}
	entry, err := fs.findEntry(&dir, name)
	if err != nil {
		return err
	}
	target, err := ReadInode(fs.dev, entry.ID)
	if err != nil {
		return err
	}
	if target.IsDirectory() {
		return ErrIsADirectory.WithMessage(
			fmt.Sprintf("%q is a directory; use RemoveDirectory", name))
	}

	err = fs.removeEntry(dirID, &dir, name)
	if err != nil {
		return err
	}
	return fs.dropLink(entry.ID, &target)
}

// RemoveDirectory removes an empty directory: its entry in the parent, its
// structural "." and ".." links, and the inode itself.
func (fs *FileSystem) RemoveDirectory(parentID InodeID, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	if name == "." || name == ".." {
		return ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q cannot be removed", name))
	}

	parent, err := fs.readDirectory(parentID)
	if err != nil {
		return err
	}
	entry, err := fs.findEntry(&parent, name)
	if err != nil {
		return err
	}
	dir, err := fs.readDirectory(entry.ID)
	if err != nil {
		return err
	}

	entries, err := fs.listLocked(&dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return ErrInvalidOperation.WithMessage(
				fmt.Sprintf("directory %q is not empty", name))
		}
	}

	err = fs.removeEntry(parentID, &parent, name)
	if err != nil {
		return err
	}

	// The ".." entry inside the dying directory was a link to the parent.
	parent.Hardlinks--
	err = WriteInode(fs.dev, parentID, &parent)
	if err != nil {
		return err
	}

	// "." and the parent's entry both named the directory; both are gone.
	if dir.Hardlinks > 2 {
		dir.Hardlinks -= 2
		return WriteInode(fs.dev, entry.ID, &dir)
	}
	return fs.destroyInode(entry.ID, &dir)
}

func (fs *FileSystem) listLocked(dir *Inode) ([]DirEntry, error) {
	blockCount, err := CountBlocks(fs.dev, dir)
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	blockBytes := make([]byte, BlockSize)
	for i := uint32(0); i < blockCount; i++ {
		blockID, err := ResolveBlock(fs.dev, dir, i)
		if err != nil {
			return nil, err
		}
		err = fs.dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return nil, ErrIOFailed.Wrap(err)
		}
		scanner := NewDirentScanner(blockBytes)
		for scanner.Scan() {
			entries = append(entries, scanner.Entry())
		}
	}
	return entries, nil
}

// removeEntry deletes a name from a directory's blocks, keeping the block
// packed and Meta honest when the removal hits the last block.
func (fs *FileSystem) removeEntry(dirID InodeID, dir *Inode, name string) error {
	blockCount, err := CountBlocks(fs.dev, dir)
	if err != nil {
		return err
	}

	blockBytes := make([]byte, BlockSize)
	for i := uint32(0); i < blockCount; i++ {
		blockID, err := ResolveBlock(fs.dev, dir, i)
		if err != nil {
			return err
		}
		err = fs.dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}

		_, err = RemoveDirentByName(blockBytes, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		err = fs.dev.WriteBlock(blockID, blockBytes)
		if err != nil {
			return ErrIOFailed.Wrap(err)
		}
		if i == blockCount-1 && dir.Meta > 0 {
			dir.Meta--
		}
		dir.ModifiedAt = time.Now()
		return WriteInode(fs.dev, dirID, dir)
	}
	return ErrNotFound.WithMessage(fmt.Sprintf("no entry named %q", name))
}

// dropLink decrements a hardlink count and destroys the inode at zero.
func (fs *FileSystem) dropLink(id InodeID, ino *Inode) error {
	if ino.Hardlinks > 1 {
		ino.Hardlinks--
		return WriteInode(fs.dev, id, ino)
	}
	return fs.destroyInode(id, ino)
}

// destroyInode frees an inode's content, returns its preallocation pool,
// and releases the record's slot.
func (fs *FileSystem) destroyInode(id InodeID, ino *Inode) error {
	err := fs.releasePreallocationLocked(id)
	if err != nil {
		return err
	}
	err = TruncateBlocks(fs.dev, &fs.sb, ino, 0)
	if err != nil {
		return err
	}
	return ReleaseInodeSlot(fs.dev, &fs.sb, id)
}

////////////////////////////////////////////////////////////////////////////////
// Content I/O

// inodeSize derives an object's byte size. There is no stored size field:
// files are (blocks-1) * BlockSize + Meta, directories occupy whole blocks,
// and everything else has no content.
func (fs *FileSystem) inodeSize(ino *Inode) (int64, error) {
	switch ino.FileType() {
	case TypeFile, TypeDirectory:
	default:
		return 0, nil
	}

	blockCount, err := CountBlocks(fs.dev, ino)
	if err != nil {
		return 0, err
	}
	if blockCount == 0 {
		return 0, nil
	}
	if ino.IsDirectory() {
		return int64(blockCount) * BlockSize, nil
	}
	return int64(blockCount-1)*BlockSize + int64(ino.Meta), nil
}

// Size returns an inode's derived byte size.
func (fs *FileSystem) Size(id InodeID) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return 0, err
	}

	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return 0, err
	}
	return fs.inodeSize(&ino)
}

// ReadAt reads file content, io.ReaderAt style: it fills p from offset off,
// returns the number of bytes read, and returns io.EOF when the read stops
// short at the end of the file.
func (fs *FileSystem) ReadAt(id InodeID, p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, ErrInvalidArgument.WithMessage("negative offset")
	}

	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return 0, err
	}
	if !ino.IsFile() {
		return 0, fs.contentTypeError(&ino, id)
	}

	size, err := fs.inodeSize(&ino)
	if err != nil {
		return 0, err
	}
	if off >= size {
		return 0, io.EOF
	}
	remaining := size - off
	toRead := int64(len(p))
	if toRead > remaining {
		toRead = remaining
	}

	blockBytes := make([]byte, BlockSize)
	var done int64
	for done < toRead {
		logicalIndex := uint32((off + done) / BlockSize)
		withinBlock := (off + done) % BlockSize

		blockID, err := ResolveBlock(fs.dev, &ino, logicalIndex)
		if err != nil {
			return int(done), err
		}
		err = fs.dev.ReadBlock(blockID, blockBytes)
		if err != nil {
			return int(done), ErrIOFailed.Wrap(err)
		}

		n := copy(p[done:toRead], blockBytes[withinBlock:])
		done += int64(n)
	}

	ino.AccessedAt = time.Now()
	err = WriteInode(fs.dev, id, &ino)
	if err != nil {
		return int(done), err
	}

	if done < int64(len(p)) {
		return int(done), io.EOF
	}
	return int(done), nil
}

// WriteAt writes file content, io.WriterAt style, growing the file as
// needed. Writing past the current end zero-fills the gap, because fresh
// blocks are zeroed and Meta only ever extends over written bytes.
func (fs *FileSystem) WriteAt(id InodeID, p []byte, off int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, ErrInvalidArgument.WithMessage("negative offset")
	}
	if len(p) == 0 {
		return 0, nil
	}

	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return 0, err
	}
	if !ino.IsFile() {
		return 0, fs.contentTypeError(&ino, id)
	}

	size, err := fs.inodeSize(&ino)
	if err != nil {
		return 0, err
	}

	// A write past the end first links every block between the old end and
	// the write's first block. Content blocks form a packed pointer prefix,
	// and fresh blocks arrive zeroed, which is exactly the gap's content.
	if off > size {
		oldBlockCount, err := CountBlocks(fs.dev, &ino)
		if err != nil {
			return 0, err
		}
		gapEnd := size
		for i := oldBlockCount; i < uint32(off/BlockSize); i++ {
			if _, err = fs.linkReservedOrExtend(id, &ino, i); err != nil {
				if gapEnd > size {
					fs.finishWrite(id, &ino, size, gapEnd)
				}
				return 0, err
			}
			gapEnd = int64(i+1) * BlockSize
		}
	}

	end := off + int64(len(p))
	blockBytes := make([]byte, BlockSize)
	var done int64
	for done < int64(len(p)) {
		position := off + done
		logicalIndex := uint32(position / BlockSize)
		withinBlock := position % BlockSize

		blockID, err := fs.linkReservedOrExtend(id, &ino, logicalIndex)
		if err != nil {
			fs.finishWrite(id, &ino, size, off+done)
			return int(done), err
		}

		if withinBlock != 0 || int64(len(p))-done < BlockSize {
			// Partial block: read-modify-write.
			err = fs.dev.ReadBlock(blockID, blockBytes)
			if err != nil {
				fs.finishWrite(id, &ino, size, off+done)
				return int(done), ErrIOFailed.Wrap(err)
			}
		}
		copied := copy(blockBytes[withinBlock:], p[done:])
		err = fs.dev.WriteBlock(blockID, blockBytes)
		if err != nil {
			fs.finishWrite(id, &ino, size, off+done)
			return int(done), ErrIOFailed.Wrap(err)
		}
		done += int64(copied)
	}

	fs.finishWrite(id, &ino, size, end)
	return int(done), nil
}

// finishWrite settles Meta and timestamps after a write that reached
// newEnd. Meta is bytes-in-last-block, so it moves only when the file's end
// moved.
func (fs *FileSystem) finishWrite(id InodeID, ino *Inode, oldSize, newEnd int64) {
	if newEnd > oldSize {
		lastBlock := (newEnd - 1) / BlockSize
		ino.Meta = uint32(newEnd - lastBlock*BlockSize)
	}
	ino.ModifiedAt = time.Now()
	_ = WriteInode(fs.dev, id, ino)
}

func (fs *FileSystem) contentTypeError(ino *Inode, id InodeID) error {
	if ino.IsDirectory() {
		return ErrIsADirectory.WithMessage(
			fmt.Sprintf("inode %d is a directory", id))
	}
	return ErrInvalidOperation.WithMessage(
		fmt.Sprintf("inode %d is a %s and has no content", id, ino.FileType()))
}

// Truncate resizes a file. Growing zero-fills; shrinking frees blocks past
// the cut, indirect blocks included.
func (fs *FileSystem) Truncate(id InodeID, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	if size < 0 {
		return ErrInvalidArgument.WithMessage("negative size")
	}

	ino, err := ReadInode(fs.dev, id)
	if err != nil {
		return err
	}
	if !ino.IsFile() {
		return fs.contentTypeError(&ino, id)
	}

	newBlockCount := uint32((size + BlockSize - 1) / BlockSize)
	oldSize, err := fs.inodeSize(&ino)
	if err != nil {
		return err
	}

	if size < oldSize {
		err = TruncateBlocks(fs.dev, &fs.sb, &ino, newBlockCount)
		if err != nil {
			return err
		}
		// Zero the cut-off tail of the surviving last block so a later
		// grow exposes zeros, not the old content.
		if tail := size % BlockSize; tail != 0 {
			err = fs.zeroBlockTail(&ino, newBlockCount-1, tail)
			if err != nil {
				return err
			}
		}
	} else if size > oldSize {
		oldBlockCount, err := CountBlocks(fs.dev, &ino)
		if err != nil {
			return err
		}
		for i := oldBlockCount; i < newBlockCount; i++ {
			_, err = fs.linkReservedOrExtend(id, &ino, i)
			if err != nil {
				return err
			}
		}
	}

	if newBlockCount == 0 {
		ino.Meta = 0
	} else {
		ino.Meta = uint32(size - int64(newBlockCount-1)*BlockSize)
	}
	ino.ModifiedAt = time.Now()
	return WriteInode(fs.dev, id, &ino)
}

// zeroBlockTail clears bytes [from, BlockSize) of a file's logical block.
func (fs *FileSystem) zeroBlockTail(ino *Inode, logicalIndex uint32, from int64) error {
	blockID, err := ResolveBlock(fs.dev, ino, logicalIndex)
	if err != nil {
		return err
	}
	blockBytes := make([]byte, BlockSize)
	err = fs.dev.ReadBlock(blockID, blockBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	for i := from; i < BlockSize; i++ {
		blockBytes[i] = 0
	}
	err = fs.dev.WriteBlock(blockID, blockBytes)
	if err != nil {
		return ErrIOFailed.Wrap(err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Preallocation

// linkReservedOrExtend is ExtendBlock with the inode's preallocation pool in
// front of it: growth into the direct range consumes reserved blocks before
// the allocator hands out new ones.
func (fs *FileSystem) linkReservedOrExtend(
	id InodeID, ino *Inode, logicalIndex uint32,
) (BlockID, error) {
	if logicalIndex < singleIndirectStart && ino.Direct[logicalIndex] == 0 {
		if pool := fs.reserved[id]; len(pool) > 0 {
			leaf := pool[0]
			if len(pool) == 1 {
				delete(fs.reserved, id)
			} else {
				fs.reserved[id] = pool[1:]
			}
			ino.Direct[logicalIndex] = leaf
			return leaf, nil
		}
	}
	return ExtendBlock(fs.dev, &fs.sb, ino, logicalIndex)
}

// ReleasePreallocation frees any blocks still parked for an inode. Callers
// that treat a created file as "closed" call this to give the leftovers
// back; Unmount releases every pool it still holds.
func (fs *FileSystem) ReleasePreallocation(id InodeID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.ensureMounted(); err != nil {
		return err
	}
	return fs.releasePreallocationLocked(id)
}

func (fs *FileSystem) releasePreallocationLocked(id InodeID) error {
	pool, ok := fs.reserved[id]
	if !ok {
		return nil
	}
	for _, blockID := range pool {
		err := FreeBlock(fs.dev, &fs.sb, blockID)
		if err != nil {
			return err
		}
	}
	delete(fs.reserved, id)
	return nil
}
