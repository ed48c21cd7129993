package blobstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/diskutil"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Relation describes how a range of destination blocks is derived
// from its source.
type Relation int

const (
	// RelationCopy copies the source blocks into the destination's
	// backing file up front.
	RelationCopy Relation = iota
	// RelationMap maps the destination blocks onto the source
	// through a linear device mapper table; writes go to the
	// source.
	RelationMap
	// RelationSnapshot presents a copy-on-write view of the source,
	// with diverged blocks stored in the destination's backing
	// file.
	RelationSnapshot
)

// SourceKind discriminates the source of a block map entry.
type SourceKind int

const (
	// SourceDevice reads from an existing block device.
	SourceDevice SourceKind = iota
	// SourceBlob reads from another open blob.
	SourceBlob
	// SourceZero reads from a virtual device of zeroes.
	SourceZero
)

// BlockMapEntry maps a range of destination blocks onto a source.
type BlockMapEntry struct {
	Relation   Relation
	SourceKind SourceKind

	// DevicePath is the source device for SourceDevice entries.
	DevicePath string
	// Blob is the source blob for SourceBlob entries. It must be
	// open for the duration of the clone.
	Blob *BlockBlob

	FirstBlockSource      int64
	FirstBlockDestination int64
	LengthBlocks          int64
}

const (
	// MaxBlockMapLength is the largest number of entries accepted
	// in a single block map.
	MaxBlockMapLength = 32

	// minimumSnapshotBlocks is the smallest range that device
	// mapper accepts as a snapshot target.
	minimumSnapshotBlocks = 32
)

// deviceMapperBase derives the name of a blob's main device mapper
// device. Slashes in blob IDs are rewritten to hyphens, which is
// injective because validateBlobID() rejects hyphens.
func deviceMapperBase(blobID string) string {
	return "euca-" + strings.ReplaceAll(blobID, "/", "-")
}

// removeDeviceMapperDevices tears down a list of device mapper
// devices, last created first. A name that occurs more than once in
// the list is only removed at its last occurrence. Each removal is
// retried after a backoff, as the kernel may still hold a transient
// reference to a device.
func (s *Store) removeDeviceMapperDevices(names []string) error {
	var removable []string
	for i := len(names) - 1; i >= 0; i-- {
		seen := false
		for j := i + 1; j < len(names); j++ {
			if names[i] == names[j] {
				seen = true
				break
			}
		}
		if !seen {
			removable = append(removable, names[i])
		}
	}

	var err error
	for _, name := range removable {
		for attempt := 1; ; attempt++ {
			removeErr := s.deviceManager.DMRemove(name)
			if removeErr == nil {
				break
			}
			if attempt >= s.deviceRemovalAttempts {
				if err == nil {
					err = util.StatusWrapfWithCode(removeErr, codes.Unknown, "Failed to remove device mapper device %#v", name)
				}
				break
			}
			_, c := s.clock.NewTimer(s.deviceRemovalBackoff)
			<-c
		}
	}
	return err
}

// validateBlockMap checks a block map against the destination blob
// and the store's snapshot policy before any side effect takes place.
// It returns the path of the zero device if any entry needs one.
func (bb *BlockBlob) validateBlockMap(entries []BlockMapEntry) (string, error) {
	if len(entries) < 1 || len(entries) > MaxBlockMapLength {
		return "", status.Errorf(codes.InvalidArgument, "Block map must contain between 1 and %d entries", MaxBlockMapLength)
	}
	zeroDevice := ""
	for i, entry := range entries {
		if entry.Relation != RelationCopy && bb.store.snapshotPolicy != SnapshotDM {
			return "", status.Errorf(codes.InvalidArgument, "Block map entry %d requires snapshots, which the store's policy forbids", i)
		}
		if entry.FirstBlockDestination+entry.LengthBlocks > bb.sizeBlocks {
			return "", status.Errorf(codes.InvalidArgument, "Block map entry %d extends past the destination blob", i)
		}
		if entry.Relation == RelationSnapshot && entry.LengthBlocks < minimumSnapshotBlocks {
			return "", status.Errorf(codes.InvalidArgument, "Block map entry %d snapshots fewer than %d blocks", i, minimumSnapshotBlocks)
		}
		switch entry.SourceKind {
		case SourceDevice:
			if entry.DevicePath == "" {
				return "", status.Errorf(codes.InvalidArgument, "Block map entry %d has no device path", i)
			}
			if err := bb.store.deviceManager.VerifyBlockDevice(entry.DevicePath); err != nil {
				return "", util.StatusWrapf(err, "Block map entry %d", i)
			}
		case SourceBlob:
			source := entry.Blob
			if source == nil || source.blocksLock == nil {
				return "", status.Errorf(codes.InvalidArgument, "Block map entry %d refers to a blob that is not open", i)
			}
			info, err := source.blocksLock.File().Stat()
			if err != nil {
				return "", util.StatusFromOSError(err, "Block map entry %d: failed to stat source blob %#v", i, source.id)
			}
			if info.Size()/512 < source.sizeBlocks {
				return "", status.Errorf(codes.InvalidArgument, "Block map entry %d: backing of source blob %#v is too small", i, source.id)
			}
			if err := bb.store.deviceManager.VerifyBlockDevice(source.devicePath); err != nil {
				return "", util.StatusWrapf(err, "Block map entry %d: source blob %#v has no usable device", i, source.id)
			}
			if entry.FirstBlockSource+entry.LengthBlocks > source.sizeBlocks {
				return "", status.Errorf(codes.InvalidArgument, "Block map entry %d extends past source blob %#v", i, source.id)
			}
		case SourceZero:
			if entry.Relation != RelationCopy && zeroDevice == "" {
				var err error
				zeroDevice, err = bb.store.deviceManager.ZeroDevice()
				if err != nil {
					return "", util.StatusWrapf(err, "Block map entry %d", i)
				}
			}
		default:
			return "", status.Errorf(codes.InvalidArgument, "Block map entry %d has an invalid source kind", i)
		}
	}
	return zeroDevice, nil
}

// snapshotGranularity returns the chunk size for a copy-on-write
// snapshot: the largest power of two no greater than 16 that divides
// the range length.
func snapshotGranularity(lengthBlocks int64) int64 {
	granularity := int64(16)
	for lengthBlocks%granularity != 0 {
		granularity /= 2
	}
	return granularity
}

// Clone fills the blob according to a block map over other blobs,
// devices and zero-fill sources. Plain copies are performed
// immediately; linear mappings and copy-on-write snapshots are
// realized as a stack of device mapper devices, after which the
// blob's device path points at the main device of the stack. For
// every non-copy entry sourced from a blob, the dependency is
// recorded in both blobs' sidecars, which prevents the source from
// being deleted or purged while the clone exists.
func (bb *BlockBlob) Clone(entries []BlockMapEntry, timeout time.Duration) error {
	zeroDevice, err := bb.validateBlockMap(entries)
	if err != nil {
		return err
	}

	dmBase := deviceMapperBase(bb.id)
	var names []string
	var tables []string
	var mainTable strings.Builder
	mappedOrSnapshotted := false

	for i, entry := range entries {
		var sourceDevice string
		switch entry.SourceKind {
		case SourceDevice:
			sourceDevice = entry.DevicePath
		case SourceBlob:
			sourceDevice = entry.Blob.devicePath
		case SourceZero:
			sourceDevice = zeroDevice
		}

		firstBlockSource := entry.FirstBlockSource
		switch entry.Relation {
		case RelationCopy:
			// Zero sources need no copying: the backing file
			// is sparse and reads as zeroes already.
			if entry.SourceKind != SourceZero {
				if err := bb.store.deviceManager.DDRange(sourceDevice, bb.devicePath, 512, entry.LengthBlocks, entry.FirstBlockDestination, entry.FirstBlockSource); err != nil {
					return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to copy block map entry %d", i)
				}
			}
			// The copied range maps to the destination's own
			// device, in case a main device ends up created.
			fmt.Fprintf(&mainTable, "%d %d linear %s %d\n", entry.FirstBlockDestination, entry.LengthBlocks, bb.devicePath, entry.FirstBlockDestination)
			continue

		case RelationSnapshot:
			// The diverged blocks of the snapshot live in the
			// destination's backing file, exposed through a
			// linear device.
			backingName := fmt.Sprintf("%s-p%d-back", dmBase, i)
			names = append(names, backingName)
			tables = append(tables, fmt.Sprintf("0 %d linear %s %d\n", entry.LengthBlocks, bb.devicePath, entry.FirstBlockDestination))

			// Snapshots cannot start at an offset within the
			// source, so shift the source through one more
			// linear device if needed.
			snapshottedDevice := sourceDevice
			if entry.FirstBlockSource > 0 && entry.SourceKind != SourceZero {
				realName := fmt.Sprintf("%s-p%d-real", dmBase, i)
				names = append(names, realName)
				tables = append(tables, fmt.Sprintf("0 %d linear %s %d\n", entry.LengthBlocks, sourceDevice, entry.FirstBlockSource))
				snapshottedDevice = diskutil.DeviceMapperPath(realName)
			}

			snapshotName := fmt.Sprintf("%s-p%d-snap", dmBase, i)
			names = append(names, snapshotName)
			tables = append(tables, fmt.Sprintf("0 %d snapshot %s %s p %d\n", entry.LengthBlocks, snapshottedDevice, diskutil.DeviceMapperPath(backingName), snapshotGranularity(entry.LengthBlocks)))

			sourceDevice = diskutil.DeviceMapperPath(snapshotName)
			firstBlockSource = 0
			fallthrough

		case RelationMap:
			fmt.Fprintf(&mainTable, "%d %d linear %s %d\n", entry.FirstBlockDestination, entry.LengthBlocks, sourceDevice, firstBlockSource)
			mappedOrSnapshotted = true
		}
	}

	if !mappedOrSnapshotted {
		return nil
	}

	names = append(names, dmBase)
	tables = append(tables, mainTable.String())

	if err := bb.store.lock(timeout); err != nil {
		return err
	}
	err = func() error {
		for i, name := range names {
			if err := bb.store.deviceManager.DMCreate(name, tables[i]); err != nil {
				rollbackErr := util.StatusWrapfWithCode(err, codes.Unknown, "Failed to create device mapper device %#v", name)
				if err := bb.store.removeDeviceMapperDevices(names[:i+1]); err != nil {
					bb.store.errorLogger.Log(util.StatusWrap(err, "Failed to roll back device mapper devices"))
				}
				return rollbackErr
			}
		}

		rollback := func(cause error) error {
			if err := bb.store.removeDeviceMapperDevices(names); err != nil {
				bb.store.errorLogger.Log(util.StatusWrap(err, "Failed to roll back device mapper devices"))
			}
			if err := bb.store.writeSidecar(sidecarDM, bb.id, ""); err != nil {
				bb.store.errorLogger.Log(err)
			}
			return cause
		}

		if err := bb.store.writeSidecarLines(sidecarDM, bb.id, names); err != nil {
			return rollback(err)
		}

		// Record the dependency graph: every non-copy entry
		// sourced from a blob makes this blob depend on it.
		for _, entry := range entries {
			if entry.SourceKind != SourceBlob || entry.Relation == RelationCopy {
				continue
			}
			source := entry.Blob
			if err := source.store.updateSidecarEntry(sidecarRefs, source.id, bb.reference(), false); err != nil {
				return rollback(util.StatusWrapf(err, "Failed to add back-reference to blob %#v", source.id))
			}
			if err := bb.store.updateSidecarEntry(sidecarDeps, bb.id, source.reference(), false); err != nil {
				return rollback(util.StatusWrapf(err, "Failed to record dependency on blob %#v", source.id))
			}
		}
		return nil
	}()
	if unlockErr := bb.store.unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	if err != nil {
		return err
	}

	bb.dmName = dmBase
	bb.devicePath = diskutil.DeviceMapperPath(dmBase)
	return nil
}
