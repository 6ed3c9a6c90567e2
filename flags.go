package sfs

// Permission and file type bits stored in the TypeAndPermission field of an
// inode. The low twelve bits are the traditional octal permission flags; the
// upper four bits select the file type.
const (
	S_IXOTH = 1 << iota // 00001
	S_IWOTH = 1 << iota // 00002
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota // 00010
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota // 00100
	S_ISVTX = 1 << iota
	S_ISGID = 1 << iota
	S_ISUID = 1 << iota
	S_IFIFO = 1 << iota // 01000
	S_IFCHR = 1 << iota // 02000
	S_IFDIR = 1 << iota // 04000
	S_IFREG = 1 << iota // 08000
)

const S_IEXEC = S_IXUSR
const S_IWRITE = S_IWUSR
const S_IREAD = S_IRUSR

const S_IFBLK = 0x6000  // 0110 0000 0000 0000
const S_IFSOCK = 0xa000 // 1010 0000 0000 0000
const S_IFMT = 0xf000

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

const PermissionsMask = S_IRWXU | S_IRWXG | S_IRWXO | S_ISVTX | S_ISGID | S_ISUID

// FileType is the type nibble of an inode's TypeAndPermission field, shifted
// into place. A zero FileType marks an inode slot that isn't in use.
type FileType uint16

const (
	TypeNone        FileType = 0
	TypeFIFO        FileType = S_IFIFO
	TypeCharDevice  FileType = S_IFCHR
	TypeDirectory   FileType = S_IFDIR
	TypeBlockDevice FileType = S_IFBLK
	TypeFile        FileType = S_IFREG
	TypeSocket      FileType = S_IFSOCK
)

// TypeOf extracts the file type from a raw TypeAndPermission value.
func TypeOf(typeAndPermission uint16) FileType {
	return FileType(typeAndPermission & S_IFMT)
}

func (t FileType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeFIFO:
		return "fifo"
	case TypeCharDevice:
		return "character device"
	case TypeDirectory:
		return "directory"
	case TypeBlockDevice:
		return "block device"
	case TypeFile:
		return "file"
	case TypeSocket:
		return "socket"
	}
	return "invalid"
}
