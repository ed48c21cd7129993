package blobstore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/diskutil"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"

	"golang.org/x/sys/unix"
)

// BlobInfo describes one blob found by scanning the store directory.
type BlobInfo struct {
	ID           string
	SizeBlocks   int64
	BlocksPath   string
	DevicePath   string
	DMName       string
	LastAccessed time.Time
	LastModified time.Time
	InUse        InUse
}

// checkInUse computes the in-use mask of a blob. A blob counts as
// opened when its blocks file cannot be locked for writing within the
// timeout, as mapped when other blobs reference it and as backed when
// it references other blobs itself.
func (s *Store) checkInUse(blobID string, timeout time.Duration) InUse {
	var inUse InUse
	handle, err := s.locks.Acquire(s.sidecarPath(sidecarBlocks, blobID), filelock.ReadWrite, filelock.DontCreate, timeout)
	if err == nil {
		s.locks.Release(handle)
	} else {
		inUse |= InUseOpened
	}
	if refs, err := s.readSidecarLines(sidecarRefs, blobID); err == nil && len(refs) > 0 {
		inUse |= InUseMapped
	}
	if deps, err := s.readSidecarLines(sidecarDeps, blobID); err == nil && len(deps) > 0 {
		inUse |= InUseBacked
	}
	return inUse
}

// devicePathOfBlob determines the block device through which a blob's
// contents are reachable: the last device mapper device recorded in
// its dm sidecar, or its loopback device otherwise. Either may be
// absent, in which case empty strings are returned.
func (s *Store) devicePathOfBlob(blobID string) (devicePath, dmName string) {
	if dmDevices, err := s.readSidecarLines(sidecarDM, blobID); err == nil && len(dmDevices) > 0 {
		dmName = dmDevices[len(dmDevices)-1]
		return diskutil.DeviceMapperPath(dmName), dmName
	}
	if loopbackDevice, err := s.readSidecar(sidecarLoopback, blobID); err == nil {
		return loopbackDevice, ""
	}
	return "", ""
}

func (s *Store) walk(dirPath string, blobs []BlobInfo) []BlobInfo {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		// Unreadable directories inside the store are skipped
		// rather than failing the entire scan.
		return blobs
	}
	for _, entry := range entries {
		name := entry.Name()
		if dirPath == s.path && name == metadataFilename {
			continue
		}
		entryPath := filepath.Join(dirPath, name)
		var stat unix.Stat_t
		if unix.Stat(entryPath, &stat) != nil {
			continue
		}
		if stat.Mode&unix.S_IFMT == unix.S_IFDIR {
			blobs = s.walk(entryPath, blobs)
			continue
		}
		sc, blobID, ok := s.classifySidecarPath(entryPath)
		if !ok || sc != sidecarBlocks {
			continue
		}
		devicePath, dmName := s.devicePathOfBlob(blobID)
		blobs = append(blobs, BlobInfo{
			ID:           blobID,
			SizeBlocks:   stat.Size / 512,
			BlocksPath:   entryPath,
			DevicePath:   devicePath,
			DMName:       dmName,
			LastAccessed: time.Unix(stat.Atim.Unix()),
			LastModified: time.Unix(stat.Mtim.Unix()),
			InUse:        s.checkInUse(blobID, 0),
		})
	}
	return blobs
}

// scan enumerates all blobs in the store by walking its directory
// tree. A blob is anything with a blocks file. The caller must hold
// the store-wide lock, so that the result reflects a consistent view
// of the store's block accounting.
func (s *Store) scan() ([]BlobInfo, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, util.StatusFromOSError(err, "Failed to access store directory %#v", s.path)
	}
	return s.walk(s.path, nil), nil
}

// List enumerates the blobs currently present in the store, together
// with their sizes and in-use status.
func (s *Store) List(timeout time.Duration) ([]BlobInfo, error) {
	if err := s.lock(timeout); err != nil {
		return nil, err
	}
	blobs, err := s.scan()
	if unlockErr := s.unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return blobs, err
}
