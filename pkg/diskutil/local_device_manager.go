package diskutil

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/eucalyptus-cloud/blockblob/pkg/util"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	zeroDeviceName = "euca-zero"
	// Size of the zero device in 512-byte sectors. The device is
	// virtual, so the size only has to exceed any range that may
	// ever be mapped on top of it.
	zeroDeviceSectors = 2199023255552
)

type localDeviceManager struct{}

// NewLocalDeviceManager creates a DeviceManager that manipulates
// devices on the local system by invoking losetup, dmsetup and dd.
// These tools generally require the calling process to run as root.
func NewLocalDeviceManager() DeviceManager {
	return localDeviceManager{}
}

func runCommand(stdin, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", status.Errorf(codes.Unknown, "Command %#v failed: %s: %s", name, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func (localDeviceManager) LoopAttach(path string) (string, error) {
	output, err := runCommand("", "losetup", "--find", "--show", path)
	if err != nil {
		return "", err
	}
	devicePath := strings.TrimSpace(output)
	if devicePath == "" {
		return "", status.Errorf(codes.Unknown, "losetup did not report a device for %#v", path)
	}
	return devicePath, nil
}

func (localDeviceManager) LoopDetach(devicePath string) error {
	_, err := runCommand("", "losetup", "--detach", devicePath)
	return err
}

func (localDeviceManager) DMCreate(name, table string) error {
	_, err := runCommand(table, "dmsetup", "create", name)
	return err
}

func (localDeviceManager) DMRemove(name string) error {
	_, err := runCommand("", "dmsetup", "remove", name)
	return err
}

func (localDeviceManager) DMSuspendResume(name string) error {
	if _, err := runCommand("", "dmsetup", "suspend", name); err != nil {
		return err
	}
	_, err := runCommand("", "dmsetup", "resume", name)
	return err
}

func (localDeviceManager) DDRange(sourcePath, destinationPath string, blockSize, count, destinationOffset, sourceOffset int64) error {
	_, err := runCommand("", "dd",
		"if="+sourcePath,
		"of="+destinationPath,
		fmt.Sprintf("bs=%d", blockSize),
		fmt.Sprintf("count=%d", count),
		fmt.Sprintf("seek=%d", destinationOffset),
		fmt.Sprintf("skip=%d", sourceOffset),
		"conv=notrunc")
	return err
}

func (d localDeviceManager) ZeroDevice() (string, error) {
	path := DeviceMapperPath(zeroDeviceName)
	if err := d.VerifyBlockDevice(path); err == nil {
		return path, nil
	}
	if err := d.DMCreate(zeroDeviceName, fmt.Sprintf("0 %d zero\n", zeroDeviceSectors)); err != nil {
		return "", util.StatusWrap(err, "Failed to create zero device")
	}
	if err := d.VerifyBlockDevice(path); err != nil {
		return "", util.StatusWrapWithCode(err, codes.Unknown, "Zero device did not appear after creation")
	}
	return path, nil
}

func (localDeviceManager) VerifyBlockDevice(path string) error {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return util.StatusFromOSError(err, "Failed to stat %#v", path)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFBLK {
		return status.Errorf(codes.InvalidArgument, "Path %#v is not a block device", path)
	}
	return nil
}
