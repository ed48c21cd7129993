package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/clock"
	"github.com/eucalyptus-cloud/blockblob/pkg/diskutil"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	storePrometheusMetrics sync.Once

	storeBlobsPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockblob",
			Subsystem: "blobstore",
			Name:      "blobs_purged_total",
			Help:      "Number of blobs purged to make room for newly created ones.",
		})
	storeBlocksPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockblob",
			Subsystem: "blobstore",
			Name:      "blocks_purged_total",
			Help:      "Number of 512-byte blocks reclaimed by purging blobs.",
		})
)

const (
	// metadataFilename is the name of the file in the root of every
	// store that holds the store's parameters.
	metadataFilename = ".blobstore"

	// metadataTimeout bounds how long opening a store may wait for
	// a shared lock on the metadata file.
	metadataTimeout = 999 * time.Millisecond

	storeIDDigits = 16
	blobIDDigits  = 24
)

// StoreOptions injects the collaborators of a store and tunes its
// behavior. The zero value selects production defaults throughout.
type StoreOptions struct {
	// DeviceManager performs loopback, device mapper and block
	// copying operations. Defaults to NewLocalDeviceManager().
	DeviceManager diskutil.DeviceManager

	// Locks is the registry through which all file locks are
	// acquired. Defaults to filelock.DefaultLockSet. All stores
	// within a process must share a single registry.
	Locks *filelock.LockSet

	// Clock provides the current time. Defaults to the system
	// clock.
	Clock clock.Clock

	// UUIDGenerator is used to generate store and blob IDs.
	// Defaults to uuid.NewRandom.
	UUIDGenerator util.UUIDGenerator

	// ErrorLogger receives errors that occur on best-effort paths,
	// such as failures to update the back-references of peers
	// while deleting a blob. Defaults to util.DefaultErrorLogger.
	ErrorLogger util.ErrorLogger

	// DeviceRemovalAttempts is the number of times removal of a
	// device mapper device is attempted before giving up. Device
	// removal can fail transiently while the kernel still holds a
	// reference to the device. Defaults to 2.
	DeviceRemovalAttempts int

	// DeviceRemovalBackoff is how long to wait between successive
	// device removal attempts. Defaults to 100 ms.
	DeviceRemovalBackoff time.Duration
}

// Store is a handle to a blob store: a directory tree holding blobs,
// their sidecar metadata files and a single store metadata file that
// records the store's identity and policies.
//
// A Store handle is not safe for concurrent use by multiple
// goroutines. Multiple handles to the same directory, within one
// process or across processes, are safe: all structural mutations are
// serialized through a writer lock on the store metadata file.
type Store struct {
	path                  string
	deviceManager         diskutil.DeviceManager
	locks                 *filelock.LockSet
	clock                 clock.Clock
	generateUUID          util.UUIDGenerator
	errorLogger           util.ErrorLogger
	deviceRemovalAttempts int
	deviceRemovalBackoff  time.Duration

	id               string
	limitBlocks      int64
	revocationPolicy RevocationPolicy
	snapshotPolicy   SnapshotPolicy
	format           Format

	metadataLock *filelock.Handle
}

// OpenStore opens the store rooted at the given directory, creating
// its metadata file if this is the first time the directory is used
// as a store. Parameters other than the path may be left at their Any
// (or, for limitBlocks, zero) value to accept whatever an existing
// store was created with; a non-Any parameter that disagrees with an
// existing store fails.
func OpenStore(path string, limitBlocks int64, format Format, revocationPolicy RevocationPolicy, snapshotPolicy SnapshotPolicy, options StoreOptions) (*Store, error) {
	storePrometheusMetrics.Do(func() {
		prometheus.MustRegister(storeBlobsPurgedTotal)
		prometheus.MustRegister(storeBlocksPurgedTotal)
	})

	if options.DeviceManager == nil {
		options.DeviceManager = diskutil.NewLocalDeviceManager()
	}
	if options.Locks == nil {
		options.Locks = filelock.DefaultLockSet
	}
	if options.Clock == nil {
		options.Clock = clock.SystemClock
	}
	if options.UUIDGenerator == nil {
		options.UUIDGenerator = uuid.NewRandom
	}
	if options.ErrorLogger == nil {
		options.ErrorLogger = util.DefaultErrorLogger
	}
	if options.DeviceRemovalAttempts < 1 {
		options.DeviceRemovalAttempts = 2
	}
	if options.DeviceRemovalBackoff <= 0 {
		options.DeviceRemovalBackoff = 100 * time.Millisecond
	}

	s := &Store{
		path:                  filepath.Clean(path),
		deviceManager:         options.DeviceManager,
		locks:                 options.Locks,
		clock:                 options.Clock,
		generateUUID:          options.UUIDGenerator,
		errorLogger:           options.ErrorLogger,
		deviceRemovalAttempts: options.DeviceRemovalAttempts,
		deviceRemovalBackoff:  options.DeviceRemovalBackoff,
	}
	metadataPath := filepath.Join(s.path, metadataFilename)

	// Attempt to create the metadata file. Losing the race against
	// another creator is fine: the file then simply exists already,
	// or the other creator still holds the exclusive lock.
	handle, err := s.locks.Acquire(metadataPath, filelock.ReadWrite, filelock.CreateExcl(sidecarPermissions), 0)
	if err == nil {
		id, err := util.NewHexID(s.generateUUID, storeIDDigits)
		if err != nil {
			s.locks.Release(handle)
			return nil, err
		}
		s.id = id
		s.limitBlocks = limitBlocks
		s.revocationPolicy = revocationPolicy
		if revocationPolicy == RevocationAny {
			s.revocationPolicy = RevocationNone
		}
		s.snapshotPolicy = snapshotPolicy
		if snapshotPolicy == SnapshotAny {
			s.snapshotPolicy = SnapshotDM
		}
		s.format = format
		if format == FormatAny {
			s.format = FormatFiles
		}
		err = writeStoreMetadata(handle, s)
		if releaseErr := s.locks.Release(handle); releaseErr != nil && err == nil {
			err = releaseErr
		}
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to initialize store metadata")
		}
	} else if c := status.Code(err); c != codes.AlreadyExists && c != codes.Unavailable {
		return nil, util.StatusWrapf(err, "Failed to create store in %#v", path)
	}

	// Reopen shared and read back what the store was actually
	// created with, by us or by whoever won the race.
	handle, err = s.locks.Acquire(metadataPath, filelock.ReadOnly, filelock.DontCreate, metadataTimeout)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open store in %#v", path)
	}
	err = readStoreMetadata(handle, s)
	if releaseErr := s.locks.Release(handle); releaseErr != nil && err == nil {
		err = releaseErr
	}
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to read metadata of store in %#v", path)
	}

	if limitBlocks != 0 && limitBlocks != s.limitBlocks {
		return nil, status.Errorf(codes.InvalidArgument, "Store in %#v was created with a limit of %d blocks, not %d", path, s.limitBlocks, limitBlocks)
	}
	if format != FormatAny && format != s.format {
		return nil, status.Errorf(codes.InvalidArgument, "Store in %#v was created with a different format", path)
	}
	if revocationPolicy != RevocationAny && revocationPolicy != s.revocationPolicy {
		return nil, status.Errorf(codes.InvalidArgument, "Store in %#v was created with a different revocation policy", path)
	}
	if snapshotPolicy != SnapshotAny && snapshotPolicy != s.snapshotPolicy {
		return nil, status.Errorf(codes.InvalidArgument, "Store in %#v was created with a different snapshot policy", path)
	}
	return s, nil
}

func writeStoreMetadata(handle *filelock.Handle, s *Store) error {
	f := handle.File()
	if err := f.Truncate(0); err != nil {
		return util.StatusFromOSError(err, "Failed to truncate metadata file")
	}
	contents := fmt.Sprintf(
		"id: %s\nlimit: %d\nrevocation: %d\nsnapshot: %d\nformat: %d\n",
		s.id, s.limitBlocks, s.revocationPolicy, s.snapshotPolicy, s.format)
	if _, err := f.WriteAt([]byte(contents), 0); err != nil {
		return util.StatusFromOSError(err, "Failed to write metadata file")
	}
	return nil
}

// metadataValue extracts the value of a "key: value" line from the
// metadata file's contents.
func metadataValue(contents, key string) (string, error) {
	for _, line := range strings.Split(contents, "\n") {
		if rest, ok := strings.CutPrefix(line, key+":"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", status.Errorf(codes.NotFound, "Metadata file does not contain key %#v", key)
}

func metadataIntegerValue(contents, key string) (int64, error) {
	value, err := metadataValue(contents, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.NotFound, "Metadata key %#v has invalid value %#v", key, value)
	}
	return n, nil
}

func readStoreMetadata(handle *filelock.Handle, s *Store) error {
	f := handle.File()
	info, err := f.Stat()
	if err != nil {
		return util.StatusFromOSError(err, "Failed to stat metadata file")
	}
	if info.Size() < 30 {
		return status.Error(codes.NotFound, "Metadata file is too small")
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return util.StatusFromOSError(err, "Failed to read metadata file")
	}
	contents := string(buf)

	if s.id, err = metadataValue(contents, "id"); err != nil {
		return err
	}
	if s.limitBlocks, err = metadataIntegerValue(contents, "limit"); err != nil {
		return err
	}
	revocation, err := metadataIntegerValue(contents, "revocation")
	if err != nil {
		return err
	}
	s.revocationPolicy = RevocationPolicy(revocation)
	snapshot, err := metadataIntegerValue(contents, "snapshot")
	if err != nil {
		return err
	}
	s.snapshotPolicy = SnapshotPolicy(snapshot)
	format, err := metadataIntegerValue(contents, "format")
	if err != nil {
		return err
	}
	s.format = Format(format)
	return nil
}

// lock takes the store-wide writer lock that serializes structural
// mutations: blob creation, deletion and scan-and-purge.
func (s *Store) lock(timeout time.Duration) error {
	handle, err := s.locks.Acquire(filepath.Join(s.path, metadataFilename), filelock.ReadWrite, filelock.DontCreate, timeout)
	if err != nil {
		return util.StatusWrapf(err, "Failed to lock store in %#v", s.path)
	}
	s.metadataLock = handle
	return nil
}

func (s *Store) unlock() error {
	handle := s.metadataLock
	s.metadataLock = nil
	return s.locks.Release(handle)
}

// ID returns the randomly assigned identifier of the store.
func (s *Store) ID() string {
	return s.id
}

// Path returns the root directory of the store.
func (s *Store) Path() string {
	return s.path
}

// LimitBlocks returns the store's global block budget.
func (s *Store) LimitBlocks() int64 {
	return s.limitBlocks
}

// Format returns how sidecar files are laid out within the store.
func (s *Store) Format() Format {
	return s.format
}

// RevocationPolicy returns whether blob creation may purge blobs that
// are not in use.
func (s *Store) RevocationPolicy() RevocationPolicy {
	return s.revocationPolicy
}

// SnapshotPolicy returns whether blobs may be composed from other
// blobs through device mapper tables.
func (s *Store) SnapshotPolicy() SnapshotPolicy {
	return s.snapshotPolicy
}

// Delete removes an empty store: its metadata file is unlinked, after
// which the directory may be reused. Deletion fails if any blob still
// exists in the store.
func (s *Store) Delete(timeout time.Duration) error {
	if err := s.lock(timeout); err != nil {
		return err
	}
	blobs, err := s.scan()
	if err != nil {
		s.unlock()
		return err
	}
	if len(blobs) > 0 {
		s.unlock()
		return status.Errorf(codes.FailedPrecondition, "Store in %#v still contains %d blobs", s.path, len(blobs))
	}
	err = nil
	metadataPath := filepath.Join(s.path, metadataFilename)
	if removeErr := os.Remove(metadataPath); removeErr != nil {
		err = util.StatusFromOSError(removeErr, "Failed to remove %#v", metadataPath)
	}
	if unlockErr := s.unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}
