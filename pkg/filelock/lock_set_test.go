package filelock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eucalyptus-cloud/blockblob/pkg/clock"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLockSetCreationModes(t *testing.T) {
	ls := filelock.NewLockSet(clock.SystemClock)
	path := filepath.Join(t.TempDir(), "file")

	t.Run("MissingFile", func(t *testing.T) {
		_, err := ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
		require.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("CreateExcl", func(t *testing.T) {
		handle, err := ls.Acquire(path, filelock.ReadWrite, filelock.CreateExcl(0o600), 0)
		require.NoError(t, err)
		require.NoError(t, ls.Release(handle))

		// The file exists now, so exclusive creation must fail.
		_, err = ls.Acquire(path, filelock.ReadWrite, filelock.CreateExcl(0o600), 0)
		require.Equal(t, codes.AlreadyExists, status.Code(err))
	})

	t.Run("CreateReuse", func(t *testing.T) {
		handle, err := ls.Acquire(path, filelock.ReadWrite, filelock.CreateReuse(0o600), 0)
		require.NoError(t, err)
		require.NoError(t, ls.Release(handle))
	})

	t.Run("ReadersCannotCreate", func(t *testing.T) {
		_, err := ls.Acquire(filepath.Join(t.TempDir(), "new"), filelock.ReadOnly, filelock.CreateReuse(0o600), 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Files may only be created when locking for writing"), err)
	})
}

func TestLockSetReaderReentry(t *testing.T) {
	ls := filelock.NewLockSet(clock.SystemClock)
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	// The same process may take up to 99 reader handles on a path.
	var handles []*filelock.Handle
	for i := 0; i < filelock.MaximumHandlesPerPath; i++ {
		handle, err := ls.Acquire(path, filelock.ReadOnly, filelock.DontCreate, 0)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	_, err := ls.Acquire(path, filelock.ReadOnly, filelock.DontCreate, 0)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Readers and writers may not mix within one process, as they
	// would share a single kernel lock.
	_, err = ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	for _, handle := range handles {
		require.NoError(t, ls.Release(handle))
	}

	// With all readers gone, a writer can get in.
	handle, err := ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
	require.NoError(t, err)
	require.NoError(t, ls.Release(handle))
}

func TestLockSetWriterExclusion(t *testing.T) {
	ls := filelock.NewLockSet(clock.SystemClock)
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	handle, err := ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
	require.NoError(t, err)

	// A second writer acquisition with a zero timeout makes exactly
	// one attempt and reports that it would have to wait.
	_, err = ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
	require.Equal(t, codes.Unavailable, status.Code(err))

	require.NoError(t, ls.Release(handle))

	handle, err = ls.Acquire(path, filelock.ReadWrite, filelock.DontCreate, 0)
	require.NoError(t, err)
	require.NoError(t, ls.Release(handle))
}

func TestLockSetRelease(t *testing.T) {
	ls := filelock.NewLockSet(clock.SystemClock)

	t.Run("NilHandle", func(t *testing.T) {
		require.Equal(t, codes.InvalidArgument, status.Code(ls.Release(nil)))
	})

	t.Run("ForeignHandle", func(t *testing.T) {
		other := filelock.NewLockSet(clock.SystemClock)
		path := filepath.Join(t.TempDir(), "file")
		handle, err := other.Acquire(path, filelock.ReadWrite, filelock.CreateReuse(0o600), 0)
		require.NoError(t, err)
		require.Equal(t, codes.InvalidArgument, status.Code(ls.Release(handle)))
		require.NoError(t, other.Release(handle))
	})

	t.Run("DoubleRelease", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		handle, err := ls.Acquire(path, filelock.ReadWrite, filelock.CreateReuse(0o600), 0)
		require.NoError(t, err)
		require.NoError(t, ls.Release(handle))
		require.Equal(t, codes.InvalidArgument, status.Code(ls.Release(handle)))
	})
}
