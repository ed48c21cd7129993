package filelock

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/clock"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	lockSetPrometheusMetrics sync.Once

	lockSetAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockblob",
			Subsystem: "filelock",
			Name:      "lock_set_acquires_total",
			Help:      "Number of calls to LockSet.Acquire(), partitioned by mode and outcome.",
		},
		[]string{"mode", "outcome"})
	lockSetAcquireDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blockblob",
			Subsystem: "filelock",
			Name:      "lock_set_acquire_duration_seconds",
			Help:      "Amount of time spent waiting in successful calls to LockSet.Acquire(), in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		},
		[]string{"mode"})
)

// Mode of a lock acquisition. Locks taken in ReadOnly mode may be
// shared by many handles; locks taken in ReadWrite mode are exclusive.
type Mode int

const (
	// ReadOnly opens the file for reading and takes a shared lock.
	ReadOnly Mode = iota
	// ReadWrite opens the file for reading and writing and takes an
	// exclusive lock.
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "ReadWrite"
	}
	return "ReadOnly"
}

const (
	// MaximumHandlesPerPath is the highest number of handles that
	// may simultaneously be outstanding against a single path
	// within a single process.
	MaximumHandlesPerPath = 99

	// NoTimeout may be passed as a timeout to Acquire() to keep
	// polling for the lock indefinitely. A timeout of zero causes
	// exactly one acquisition attempt to be made.
	NoTimeout time.Duration = -1

	pollInterval = 99 * time.Millisecond
)

// pathLock is the bookkeeping record for a path on which one or more
// handles are outstanding. The kernel's advisory file lock is the only
// primitive that works across processes, but it has the property that
// closing any descriptor of the file drops the lock for the entire
// process. The per-record RWMutex keeps threads of the same process
// from acquiring the advisory lock a second time and later releasing
// it behind each other's backs.
type pathLock struct {
	path       string
	writers    bool
	refs       int
	threadLock sync.RWMutex
}

// Handle to a single lock acquisition. Handles must be returned to the
// LockSet through Release().
type Handle struct {
	lockSet  *LockSet
	lock     *pathLock
	file     *os.File
	writer   bool
	released bool
}

// File returns the open file underlying the handle. The file remains
// valid until the handle is released.
func (h *Handle) File() *os.File {
	return h.file
}

// LockSet is a registry of reader/writer locks keyed by file path. A
// lock taken through a LockSet excludes both other threads of the
// current process and other processes on the same system: underneath
// the thread-level lock sits a whole-file POSIX advisory lock, which
// the kernel releases automatically when the process terminates, even
// abnormally.
type LockSet struct {
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*pathLock
}

// NewLockSet creates an empty lock registry. Because advisory file
// locks are tracked by the kernel per process, a process should not
// use two LockSets to guard the same paths.
func NewLockSet(clck clock.Clock) *LockSet {
	lockSetPrometheusMetrics.Do(func() {
		prometheus.MustRegister(lockSetAcquiresTotal)
		prometheus.MustRegister(lockSetAcquireDurationSeconds)
	})

	return &LockSet{
		clock: clck,
		locks: map[string]*pathLock{},
	}
}

// DefaultLockSet is the process-wide lock registry used when no
// explicit one is provided.
var DefaultLockSet = NewLockSet(clock.SystemClock)

func (ls *LockSet) unref(pl *pathLock) {
	ls.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(ls.locks, pl.path)
	}
	ls.mu.Unlock()
}

// Acquire opens the file at the given path and locks it, both against
// other threads of this process and against other processes. The lock
// is shared if mode is ReadOnly and exclusive if mode is ReadWrite.
// Files may only be created in ReadWrite mode.
//
// Acquisition polls at a fixed interval until both the thread-level
// and the kernel-level lock have been obtained, or until the timeout
// expires. A timeout of zero performs a single attempt; NoTimeout
// polls forever.
func (ls *LockSet) Acquire(path string, mode Mode, creationMode CreationMode, timeout time.Duration) (*Handle, error) {
	openFlags := os.O_RDONLY
	lockType := int16(unix.F_RDLCK)
	if mode == ReadWrite {
		openFlags = os.O_RDWR | creationMode.flags
		lockType = unix.F_WRLCK
	} else if creationMode.ShouldCreate() {
		lockSetAcquiresTotal.WithLabelValues(mode.String(), "InvalidArgument").Inc()
		return nil, status.Error(codes.InvalidArgument, "Files may only be created when locking for writing")
	}

	start := ls.clock.Now()
	var deadline time.Time
	if timeout >= 0 {
		deadline = start.Add(timeout)
	}

	// Find or create the record for this path. Mixing reader and
	// writer holders within one process is not permitted, as they
	// would share a single kernel lock.
	ls.mu.Lock()
	pl, ok := ls.locks[path]
	if !ok {
		pl = &pathLock{
			path:    path,
			writers: mode == ReadWrite,
		}
		ls.locks[path] = pl
	} else {
		if pl.writers != (mode == ReadWrite) {
			existingMode := ReadOnly
			if pl.writers {
				existingMode = ReadWrite
			}
			ls.mu.Unlock()
			lockSetAcquiresTotal.WithLabelValues(mode.String(), "InvalidArgument").Inc()
			return nil, status.Errorf(codes.InvalidArgument, "File %#v is already locked in %s mode by this process", path, existingMode)
		}
		if pl.refs == MaximumHandlesPerPath {
			ls.mu.Unlock()
			lockSetAcquiresTotal.WithLabelValues(mode.String(), "ResourceExhausted").Inc()
			return nil, status.Errorf(codes.ResourceExhausted, "File %#v already has %d outstanding lock handles", path, MaximumHandlesPerPath)
		}
	}
	pl.refs++
	ls.mu.Unlock()

	file, err := os.OpenFile(path, openFlags, creationMode.permissions)
	if err != nil {
		ls.unref(pl)
		lockSetAcquiresTotal.WithLabelValues(mode.String(), "OpenFailure").Inc()
		return nil, util.StatusFromOSError(err, "Failed to open %#v", path)
	}

	for {
		// Attempt the thread-level lock first and the kernel
		// lock second, releasing the former again if the latter
		// is held by another process.
		var locked bool
		if mode == ReadWrite {
			locked = pl.threadLock.TryLock()
		} else {
			locked = pl.threadLock.TryRLock()
		}
		if locked {
			err := unix.FcntlFlock(file.Fd(), unix.F_SETLK, &unix.Flock_t{
				Type:   lockType,
				Whence: io.SeekStart,
			})
			if err == nil {
				break
			}
			if mode == ReadWrite {
				pl.threadLock.Unlock()
			} else {
				pl.threadLock.RUnlock()
			}
			if err != unix.EAGAIN && err != unix.EACCES {
				file.Close()
				ls.unref(pl)
				lockSetAcquiresTotal.WithLabelValues(mode.String(), "LockFailure").Inc()
				return nil, util.StatusFromOSError(err, "Failed to lock %#v", path)
			}
		}
		if timeout >= 0 && !ls.clock.Now().Before(deadline) {
			file.Close()
			ls.unref(pl)
			lockSetAcquiresTotal.WithLabelValues(mode.String(), "Timeout").Inc()
			return nil, status.Errorf(codes.Unavailable, "Timed out while attempting to lock %#v", path)
		}
		_, c := ls.clock.NewTimer(pollInterval)
		<-c
	}

	lockSetAcquiresTotal.WithLabelValues(mode.String(), "Success").Inc()
	lockSetAcquireDurationSeconds.WithLabelValues(mode.String()).Observe(ls.clock.Now().Sub(start).Seconds())
	return &Handle{
		lockSet: ls,
		lock:    pl,
		file:    file,
		writer:  mode == ReadWrite,
	}, nil
}

// Release returns a handle obtained from Acquire(). Closing the file
// drops the kernel advisory lock held through it; plain Close() on the
// underlying file would leave the thread-level lock dangling.
func (ls *LockSet) Release(h *Handle) error {
	if h == nil || h.lockSet != ls {
		return status.Error(codes.InvalidArgument, "Handle was not obtained from this lock set")
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if h.released {
		return status.Error(codes.InvalidArgument, "Handle has already been released")
	}
	h.released = true
	err := h.file.Close()

	pl := h.lock
	if h.writer {
		pl.threadLock.Unlock()
	} else {
		pl.threadLock.RUnlock()
	}
	pl.refs--
	if pl.refs == 0 {
		delete(ls.locks, pl.path)
	}

	if err != nil {
		return util.StatusFromOSError(err, "Failed to close %#v", pl.path)
	}
	return nil
}
