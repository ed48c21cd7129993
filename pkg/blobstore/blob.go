package blobstore

import (
	"io"
	"strings"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BlockBlob is an open blob: a sparse backing file exposed as a block
// device. The holder of a BlockBlob has exclusive write access to the
// blob until Close() or Delete() is called.
type BlockBlob struct {
	store      *Store
	id         string
	sizeBlocks int64
	blocksPath string
	devicePath string
	dmName     string
	blocksLock *filelock.Handle
}

// validateBlobID rejects identifiers that cannot safely be used as
// both a relative path and a device mapper name. Hyphens are excluded
// so that rewriting slashes to hyphens in device names cannot make two
// distinct blob IDs collide.
func validateBlobID(blobID string) error {
	if blobID == "" || strings.HasPrefix(blobID, "/") || strings.HasSuffix(blobID, "/") || strings.Contains(blobID, "//") {
		return status.Errorf(codes.InvalidArgument, "Blob ID %#v has empty path components", blobID)
	}
	for _, segment := range strings.Split(blobID, "/") {
		if segment == "." || segment == ".." {
			return status.Errorf(codes.InvalidArgument, "Blob ID %#v contains relative path components", blobID)
		}
	}
	for _, c := range blobID {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '/' || c == '_' || c == '.':
		default:
			return status.Errorf(codes.InvalidArgument, "Blob ID %#v contains character %#v", blobID, string(c))
		}
	}
	return nil
}

// refreshDevicePath rereads the dm and loopback sidecars and points
// the handle at the device through which the blob's contents are
// currently reachable.
func (bb *BlockBlob) refreshDevicePath() {
	bb.devicePath, bb.dmName = bb.store.devicePathOfBlob(bb.id)
}

// OpenBlob opens a blob for exclusive write access, creating it first
// if the creation mode requests so. A blob that is being created must
// be given a non-zero size; the empty blob ID asks the store to assign
// a random one. For existing blobs a non-zero size and a non-empty
// signature act as assertions that must match what is on disk.
//
// On success the caller holds a writer lock on the blob's backing
// file, which is dropped again by Close() or Delete().
func (s *Store) OpenBlob(blobID string, sizeBlocks int64, creationMode filelock.CreationMode, signature string, timeout time.Duration) (*BlockBlob, error) {
	if blobID == "" && !creationMode.ShouldCreate() {
		return nil, status.Error(codes.InvalidArgument, "A blob ID must be provided when not creating")
	}
	if sizeBlocks == 0 && creationMode.ShouldCreate() {
		return nil, status.Error(codes.InvalidArgument, "A size must be provided when creating")
	}
	if creationMode.ShouldCreate() && sizeBlocks > s.limitBlocks {
		return nil, status.Errorf(codes.ResourceExhausted, "Size of %d blocks exceeds the store limit of %d blocks", sizeBlocks, s.limitBlocks)
	}

	if blobID == "" {
		var err error
		blobID, err = util.NewHexID(s.generateUUID, blobIDDigits)
		if err != nil {
			return nil, err
		}
	} else if err := validateBlobID(blobID); err != nil {
		return nil, err
	}

	bb := &BlockBlob{
		store:      s,
		id:         blobID,
		sizeBlocks: sizeBlocks,
		blocksPath: s.sidecarPath(sidecarBlocks, blobID),
	}

	if err := s.lock(timeout); err != nil {
		return nil, err
	}

	createdDirectory, err := s.ensureBlobDirectories(blobID)
	if err != nil {
		s.unlock()
		return nil, err
	}

	createdBlob := false
	err = func() error {
		var err error
		bb.blocksLock, err = s.locks.Acquire(bb.blocksPath, filelock.ReadWrite, creationMode, timeout)
		if err != nil {
			return util.StatusWrapf(err, "Failed to lock blocks file of blob %#v", blobID)
		}
		info, err := bb.blocksLock.File().Stat()
		if err != nil {
			return util.StatusFromOSError(err, "Failed to stat blocks file of blob %#v", blobID)
		}

		if info.Size() == 0 {
			// Freshly created blob, possibly as the leftover
			// of an earlier creation that did not complete.
			createdBlob = true
			if err := s.reserveBlocks(bb.sizeBlocks); err != nil {
				return err
			}
			// Extend the file with a hole, so that blocks
			// are only materialized when written to.
			f := bb.blocksLock.File()
			if _, err := f.Seek(bb.sizeBlocks*512-1, io.SeekStart); err != nil {
				return util.StatusFromOSError(err, "Failed to extend blocks file of blob %#v", blobID)
			}
			if _, err := f.Write([]byte{0}); err != nil {
				return util.StatusFromOSError(err, "Failed to extend blocks file of blob %#v", blobID)
			}
			if signature != "" {
				if err := s.writeSidecar(sidecarSig, blobID, signature); err != nil {
					return err
				}
			}
		} else {
			if bb.sizeBlocks == 0 {
				bb.sizeBlocks = info.Size() / 512
			} else if bb.sizeBlocks != info.Size()/512 {
				return status.Errorf(codes.InvalidArgument, "Blob %#v holds %d blocks, not %d", blobID, info.Size()/512, bb.sizeBlocks)
			}
			if signature != "" {
				storedSignature, err := s.readSidecar(sidecarSig, blobID)
				if err != nil || storedSignature != signature {
					return status.Errorf(codes.FailedPrecondition, "Signature of blob %#v does not match", blobID)
				}
			}
		}

		// Bind a loopback device, unless a previously bound one
		// is still present.
		loopbackDevice, err := s.readSidecar(sidecarLoopback, blobID)
		if err == nil && loopbackDevice != "" {
			if err := s.deviceManager.VerifyBlockDevice(loopbackDevice); err != nil {
				return util.StatusWrapfWithCode(err, codes.Unknown, "Blob %#v records loopback device %#v, which is unusable", blobID, loopbackDevice)
			}
		} else {
			loopbackDevice, err = s.deviceManager.LoopAttach(bb.blocksPath)
			if err != nil {
				return util.StatusWrapfWithCode(err, codes.Unknown, "Failed to attach a loopback device to blob %#v", blobID)
			}
			if err := s.writeSidecar(sidecarLoopback, blobID, loopbackDevice); err != nil {
				return err
			}
		}
		bb.refreshDevicePath()
		return nil
	}()
	if err != nil {
		// Unwind without losing the original error. Disk state
		// is only removed if this call brought it into being.
		if bb.blocksLock != nil {
			if releaseErr := s.locks.Release(bb.blocksLock); releaseErr != nil {
				s.errorLogger.Log(util.StatusWrapf(releaseErr, "Failed to release blocks lock of blob %#v during cleanup", blobID))
			}
		}
		if createdDirectory || createdBlob {
			s.deleteBlobFiles(blobID)
		}
		if unlockErr := s.unlock(); unlockErr != nil {
			s.errorLogger.Log(util.StatusWrapf(unlockErr, "Failed to unlock store in %#v during cleanup", s.path))
		}
		return nil, err
	}

	if err := s.unlock(); err != nil {
		s.errorLogger.Log(util.StatusWrapf(err, "Failed to unlock store in %#v", s.path))
	}
	return bb, nil
}

// ID returns the blob's identifier within its store.
func (bb *BlockBlob) ID() string {
	return bb.id
}

// SizeBlocks returns the size of the blob in 512-byte blocks.
func (bb *BlockBlob) SizeBlocks() int64 {
	return bb.sizeBlocks
}

// DevicePath returns the block device through which the blob's
// contents can be read and written.
func (bb *BlockBlob) DevicePath() string {
	return bb.devicePath
}

// BlocksPath returns the path of the blob's sparse backing file.
func (bb *BlockBlob) BlocksPath() string {
	return bb.blocksPath
}

// DMName returns the name of the blob's main device mapper device, or
// the empty string if the blob is backed by its loopback device
// directly.
func (bb *BlockBlob) DMName() string {
	return bb.dmName
}

// Store returns the store that holds the blob.
func (bb *BlockBlob) Store() *Store {
	return bb.store
}

// detachLoopback releases the loopback device recorded for a blob, if
// any, and removes the loopback sidecar on success.
func (s *Store) detachLoopback(blobID string) error {
	loopbackDevice, err := s.readSidecar(sidecarLoopback, blobID)
	if err != nil || loopbackDevice == "" {
		return nil
	}
	if err := s.deviceManager.LoopDetach(loopbackDevice); err != nil {
		return util.StatusWrapfWithCode(err, codes.Unknown, "Failed to detach loopback device %#v of blob %#v", loopbackDevice, blobID)
	}
	return s.writeSidecar(sidecarLoopback, blobID, "")
}

// Close releases the blob's locks, making it available to other
// openers. The loopback device is detached, unless this blob maps or
// snapshots other blobs, or other blobs map or snapshot it. Device
// mapper devices of this blob that only use plain devices or zero
// sources do not keep the loopback device attached.
func (bb *BlockBlob) Close() error {
	var err error
	inUse := bb.store.checkInUse(bb.id, 0)
	if inUse&(InUseMapped|InUseBacked) == 0 {
		err = bb.store.detachLoopback(bb.id)
	}
	if releaseErr := bb.store.locks.Release(bb.blocksLock); releaseErr != nil && err == nil {
		err = releaseErr
	}
	bb.blocksLock = nil
	return err
}

// parseReference splits a refs or deps entry into the peer store's
// path and the peer blob's ID. Malformed entries yield ok == false.
func parseReference(entry string) (storePath, blobID string, ok bool) {
	i := strings.LastIndex(entry, " ")
	if i < 1 || i == len(entry)-1 {
		return "", "", false
	}
	return entry[:i], entry[i+1:], true
}

// reference returns the entry under which this blob appears in the
// refs and deps sidecars of other blobs.
func (bb *BlockBlob) reference() string {
	return bb.store.path + " " + bb.id
}

// Delete removes the blob from the store: its device mapper devices
// are torn down, peers it depends on are released, its loopback
// device is detached and all of its files are unlinked. Deletion
// fails when other blobs still map this one. Failures up to and
// including device mapper removal leave the handle open; after that
// point the handle is consumed, even if later steps fail.
func (bb *BlockBlob) Delete(timeout time.Duration) error {
	s := bb.store
	if err := s.lock(timeout); err != nil {
		return err
	}

	// The blocks writer lock held through this very handle shows up
	// as InUseOpened; anything beyond that and InUseBacked means
	// some other blob maps this one. Failures up to and including
	// device removal leave the handle open, so that the caller can
	// retry or fall back to Close().
	err := func() error {
		if inUse := s.checkInUse(bb.id, 0); inUse&^(InUseOpened|InUseBacked) != 0 {
			return status.Errorf(codes.Unavailable, "Blob %#v is still mapped by other blobs", bb.id)
		}
		dmDevices, err := s.readSidecarLines(sidecarDM, bb.id)
		if err != nil {
			return err
		}
		return s.removeDeviceMapperDevices(dmDevices)
	}()
	if err != nil {
		if unlockErr := s.unlock(); unlockErr != nil {
			s.errorLogger.Log(util.StatusWrapf(unlockErr, "Failed to unlock store in %#v", s.path))
		}
		return err
	}

	// Release the blobs this one depended on. Failures here leave
	// stray back-references behind; they are reported but do not
	// stop the deletion.
	if deps, depsErr := s.readSidecarLines(sidecarDeps, bb.id); depsErr != nil {
		err = depsErr
	} else {
		for _, dep := range deps {
			storePath, peerID, ok := parseReference(dep)
			if !ok {
				s.errorLogger.Log(status.Errorf(codes.Unknown, "Blob %#v has malformed dependency entry %#v", bb.id, dep))
				continue
			}
			peerStore := s
			if storePath != s.path {
				peerStore, err = OpenStore(storePath, 0, FormatAny, RevocationAny, SnapshotAny, StoreOptions{
					DeviceManager: s.deviceManager,
					Locks:         s.locks,
					Clock:         s.clock,
					UUIDGenerator: s.generateUUID,
					ErrorLogger:   s.errorLogger,
				})
				if err != nil {
					s.errorLogger.Log(util.StatusWrapf(err, "Failed to open store %#v to release blob %#v", storePath, peerID))
					err = nil
					continue
				}
			}
			if updateErr := peerStore.updateSidecarEntry(sidecarRefs, peerID, bb.reference(), true); updateErr != nil {
				s.errorLogger.Log(util.StatusWrapf(updateErr, "Failed to remove back-reference from blob %#v in store %#v", peerID, storePath))
			}
			if peerStore.checkInUse(peerID, 0) == 0 {
				if detachErr := peerStore.detachLoopback(peerID); detachErr != nil {
					s.errorLogger.Log(detachErr)
				}
			}
		}
	}

	if detachErr := s.detachLoopback(bb.id); detachErr != nil && err == nil {
		err = detachErr
	}
	if releaseErr := s.locks.Release(bb.blocksLock); releaseErr != nil && err == nil {
		err = releaseErr
	}
	bb.blocksLock = nil
	if s.deleteBlobFiles(bb.id) < 1 && err == nil {
		err = status.Errorf(codes.Unknown, "No files of blob %#v were present to delete", bb.id)
	}
	if unlockErr := s.unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}
