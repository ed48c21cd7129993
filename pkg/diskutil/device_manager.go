package diskutil

// DeviceManager provides the block device plumbing that the blob store
// builds on: loopback attachment of backing files, creation and
// removal of device mapper devices from text tables, block-range
// copies, and inspection of device nodes.
//
// All operations are synchronous. Implementations translate failures
// into gRPC status errors.
type DeviceManager interface {
	// LoopAttach binds a free loopback device to the file at the
	// given path and returns the device's path.
	LoopAttach(path string) (string, error)

	// LoopDetach releases the loopback device at the given path.
	LoopDetach(devicePath string) error

	// DMCreate creates a device mapper device with the given name
	// from a text table.
	DMCreate(name, table string) error

	// DMRemove removes a device mapper device by name.
	DMRemove(name string) error

	// DMSuspendResume suspends and immediately resumes a device
	// mapper device, causing its table to be reloaded.
	DMSuspendResume(name string) error

	// DDRange copies count blocks of blockSize bytes from the
	// source to the destination, at the given block offsets within
	// each.
	DDRange(sourcePath, destinationPath string, blockSize, count, destinationOffset, sourceOffset int64) error

	// ZeroDevice returns the path of a block device that reads as
	// zeroes and discards writes, materializing it first if needed.
	ZeroDevice() (string, error)

	// VerifyBlockDevice checks that the given path exists and
	// refers to a block device.
	VerifyBlockDevice(path string) error
}

// DeviceMapperPath returns the path under which a device mapper device
// with the given name appears.
func DeviceMapperPath(name string) string {
	return "/dev/mapper/" + name
}
