package filelock

import (
	"os"
)

// CreationMode specifies whether and how Acquire() should create the
// file it is about to lock.
type CreationMode struct {
	flags       int
	permissions os.FileMode
}

// ShouldCreate returns whether a new file should be created if it
// doesn't exist yet.
func (c CreationMode) ShouldCreate() bool {
	return (c.flags & os.O_CREATE) != 0
}

// ShouldFailWhenExists returns whether a new file must be created. When
// true, acquisition must fail in case the target file already exists.
func (c CreationMode) ShouldFailWhenExists() bool {
	return (c.flags & os.O_EXCL) != 0
}

// GetPermissions returns the file permissions the newly created file
// should have.
func (c CreationMode) GetPermissions() os.FileMode {
	return c.permissions
}

// DontCreate indicates that acquisition should fail in case the target
// file does not exist.
var DontCreate = CreationMode{}

// CreateReuse indicates that a new file should be created if it doesn't
// already exist. If the target file already exists, that file will be
// locked instead.
func CreateReuse(perm os.FileMode) CreationMode {
	return CreationMode{flags: os.O_CREATE, permissions: perm}
}

// CreateExcl indicates that a new file should be created. If the target
// file already exists, acquisition shall fail.
func CreateExcl(perm os.FileMode) CreationMode {
	return CreationMode{flags: os.O_CREATE | os.O_EXCL, permissions: perm}
}
