package blobstore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eucalyptus-cloud/blockblob/internal/mock"
	"github.com/eucalyptus-cloud/blockblob/pkg/blobstore"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestStore(t *testing.T, ctrl *gomock.Controller, limitBlocks int64, revocationPolicy blobstore.RevocationPolicy) (*blobstore.Store, *mock.MockDeviceManager, string) {
	deviceManager := mock.NewMockDeviceManager(ctrl)
	dir := t.TempDir()
	store, err := blobstore.OpenStore(dir, limitBlocks, blobstore.FormatFiles, revocationPolicy, blobstore.SnapshotDM, blobstore.StoreOptions{
		DeviceManager: deviceManager,
	})
	require.NoError(t, err)
	return store, deviceManager, dir
}

// storeEntries returns the names of all files below the store root,
// relative to it, excluding the store metadata file.
func storeEntries(t *testing.T, dir string) []string {
	var entries []string
	require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if rel, _ := filepath.Rel(dir, path); rel != ".blobstore" {
			entries = append(entries, rel)
		}
		return nil
	}))
	return entries
}

func TestOpenBlobValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	store, _, _ := newTestStore(t, ctrl, 100, blobstore.RevocationNone)

	t.Run("NoIDWithoutCreate", func(t *testing.T) {
		_, err := store.OpenBlob("", 0, filelock.DontCreate, "", 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "A blob ID must be provided when not creating"), err)
	})

	t.Run("NoSizeWithCreate", func(t *testing.T) {
		_, err := store.OpenBlob("blob", 0, filelock.CreateExcl(0o600), "", 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "A size must be provided when creating"), err)
	})

	t.Run("SizeBeyondLimit", func(t *testing.T) {
		_, err := store.OpenBlob("blob", 101, filelock.CreateExcl(0o600), "", 0)
		require.Equal(t, codes.ResourceExhausted, status.Code(err))
	})

	t.Run("InvalidIDs", func(t *testing.T) {
		for _, blobID := range []string{"a-b", "a b", "/a", "a/", "a//b", "../a", "a/./b"} {
			_, err := store.OpenBlob(blobID, 10, filelock.CreateExcl(0o600), "", 0)
			require.Equal(t, codes.InvalidArgument, status.Code(err), "blob ID %#v", blobID)
		}
	})
}

func TestBlobLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	store, deviceManager, dir := newTestStore(t, ctrl, 100, blobstore.RevocationNone)
	blocksPath := filepath.Join(dir, "disk/blob1.blocks")

	// Creation allocates a sparse backing file and binds a loopback
	// device to it.
	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop0", nil)
	blob, err := store.OpenBlob("disk/blob1", 10, filelock.CreateExcl(0o600), "sig", 0)
	require.NoError(t, err)
	require.Equal(t, "disk/blob1", blob.ID())
	require.Equal(t, int64(10), blob.SizeBlocks())
	require.Equal(t, "/dev/loop0", blob.DevicePath())
	require.Equal(t, blocksPath, blob.BlocksPath())
	require.Empty(t, blob.DMName())

	info, err := os.Stat(blocksPath)
	require.NoError(t, err)
	require.Equal(t, int64(10*512), info.Size())

	// A second open of the same blob would have to wait for the
	// writer lock on the blocks file.
	_, err = store.OpenBlob("disk/blob1", 0, filelock.DontCreate, "", 0)
	require.Equal(t, codes.Unavailable, status.Code(err))

	// Closing an unreferenced blob detaches the loopback device.
	deviceManager.EXPECT().LoopDetach("/dev/loop0")
	require.NoError(t, blob.Close())

	// Reopening verifies size and signature and binds a fresh
	// loopback device.
	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop1", nil)
	blob, err = store.OpenBlob("disk/blob1", 0, filelock.DontCreate, "sig", 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), blob.SizeBlocks())
	require.Equal(t, "/dev/loop1", blob.DevicePath())

	deviceManager.EXPECT().LoopDetach("/dev/loop1")
	require.NoError(t, blob.Close())

	// Deletion removes every sidecar and the now-empty parent
	// directory.
	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop2", nil)
	blob, err = store.OpenBlob("disk/blob1", 0, filelock.DontCreate, "", 0)
	require.NoError(t, err)
	deviceManager.EXPECT().LoopDetach("/dev/loop2")
	require.NoError(t, blob.Delete(0))
	require.Empty(t, storeEntries(t, dir))
}

func TestBlobLifecycleDirectoryFormat(t *testing.T) {
	ctrl := gomock.NewController(t)
	deviceManager := mock.NewMockDeviceManager(ctrl)
	dir := t.TempDir()
	store, err := blobstore.OpenStore(dir, 100, blobstore.FormatDirectory, blobstore.RevocationNone, blobstore.SnapshotDM, blobstore.StoreOptions{
		DeviceManager: deviceManager,
	})
	require.NoError(t, err)

	// In directory format all sidecars live in a directory named
	// after the blob ID.
	blocksPath := filepath.Join(dir, "vm/root/blocks")
	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop0", nil)
	blob, err := store.OpenBlob("vm/root", 8, filelock.CreateExcl(0o600), "", 0)
	require.NoError(t, err)
	require.Equal(t, blocksPath, blob.BlocksPath())

	blobs, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	require.Equal(t, "vm/root", blobs[0].ID)
	require.Equal(t, int64(8), blobs[0].SizeBlocks)
	require.Equal(t, blobstore.InUseOpened, blobs[0].InUse)

	deviceManager.EXPECT().LoopDetach("/dev/loop0")
	require.NoError(t, blob.Delete(0))
	require.Empty(t, storeEntries(t, dir))
}

func TestOpenBlobExistingMismatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	store, deviceManager, dir := newTestStore(t, ctrl, 100, blobstore.RevocationNone)
	blocksPath := filepath.Join(dir, "blob1.blocks")

	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop0", nil)
	blob, err := store.OpenBlob("blob1", 10, filelock.CreateExcl(0o600), "abc", 0)
	require.NoError(t, err)
	deviceManager.EXPECT().LoopDetach("/dev/loop0")
	require.NoError(t, blob.Close())

	t.Run("SignatureMismatch", func(t *testing.T) {
		_, err := store.OpenBlob("blob1", 0, filelock.DontCreate, "xyz", 0)
		testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "Signature of blob \"blob1\" does not match"), err)
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		_, err := store.OpenBlob("blob1", 11, filelock.DontCreate, "", 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Blob \"blob1\" holds 10 blocks, not 11"), err)
	})

	t.Run("MatchingAssertions", func(t *testing.T) {
		deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop1", nil)
		blob, err := store.OpenBlob("blob1", 10, filelock.DontCreate, "abc", 0)
		require.NoError(t, err)
		deviceManager.EXPECT().LoopDetach("/dev/loop1")
		require.NoError(t, blob.Close())
	})

	t.Run("ExclOnExisting", func(t *testing.T) {
		_, err := store.OpenBlob("blob1", 10, filelock.CreateExcl(0o600), "", 0)
		require.Equal(t, codes.AlreadyExists, status.Code(err))
	})
}

func TestOpenBlobRecordedLoopback(t *testing.T) {
	ctrl := gomock.NewController(t)
	store, deviceManager, dir := newTestStore(t, ctrl, 100, blobstore.RevocationNone)
	blocksPath := filepath.Join(dir, "blob1.blocks")

	// Simulate an earlier process that terminated without closing:
	// the loopback sidecar still names the device.
	deviceManager.EXPECT().LoopAttach(blocksPath).Return("/dev/loop5", nil)
	blob, err := store.OpenBlob("blob1", 10, filelock.CreateExcl(0o600), "", 0)
	require.NoError(t, err)
	deviceManager.EXPECT().LoopDetach("/dev/loop5")
	require.NoError(t, blob.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob1.loopback"), []byte("/dev/loop5"), 0o600))

	t.Run("StillPresent", func(t *testing.T) {
		deviceManager.EXPECT().VerifyBlockDevice("/dev/loop5").Return(nil)
		blob, err := store.OpenBlob("blob1", 0, filelock.DontCreate, "", 0)
		require.NoError(t, err)
		require.Equal(t, "/dev/loop5", blob.DevicePath())
		deviceManager.EXPECT().LoopDetach("/dev/loop5")
		require.NoError(t, blob.Close())
	})

	t.Run("Vanished", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "blob1.loopback"), []byte("/dev/loop5"), 0o600))
		deviceManager.EXPECT().VerifyBlockDevice("/dev/loop5").Return(status.Error(codes.NotFound, "No such device"))
		_, err := store.OpenBlob("blob1", 0, filelock.DontCreate, "", 0)
		require.Equal(t, codes.Unknown, status.Code(err))
	})
}

func TestCreateFillThenFail(t *testing.T) {
	createAndClose := func(t *testing.T, store *blobstore.Store, deviceManager *mock.MockDeviceManager, dir, blobID string, sizeBlocks int64) {
		deviceManager.EXPECT().LoopAttach(filepath.Join(dir, blobID+".blocks")).Return("/dev/loop_"+blobID, nil)
		blob, err := store.OpenBlob(blobID, sizeBlocks, filelock.CreateExcl(0o600), "", 0)
		require.NoError(t, err)
		deviceManager.EXPECT().LoopDetach("/dev/loop_" + blobID)
		require.NoError(t, blob.Close())
	}

	t.Run("RevocationNone", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store, deviceManager, dir := newTestStore(t, ctrl, 30, blobstore.RevocationNone)
		for _, blobID := range []string{"b1", "b2", "b3"} {
			createAndClose(t, store, deviceManager, dir, blobID, 10)
		}

		// The budget is exhausted and nothing may be purged.
		_, err := store.OpenBlob("b4", 1, filelock.CreateExcl(0o600), "", 0)
		require.Equal(t, codes.ResourceExhausted, status.Code(err))

		// The failed creation must not leave files behind.
		require.ElementsMatch(t, []string{"b1.blocks", "b2.blocks", "b3.blocks"}, storeEntries(t, dir))
	})

	t.Run("RevocationLRU", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store, deviceManager, dir := newTestStore(t, ctrl, 30, blobstore.RevocationLRU)
		for _, blobID := range []string{"b1", "b2", "b3"} {
			createAndClose(t, store, deviceManager, dir, blobID, 10)
		}

		// Give the blobs distinct ages, oldest first.
		now := time.Now()
		for i, blobID := range []string{"b1", "b2", "b3"} {
			mtime := now.Add(time.Duration(i-3) * time.Hour)
			require.NoError(t, os.Chtimes(filepath.Join(dir, blobID+".blocks"), mtime, mtime))
		}

		// Creating one more block purges the blob with the
		// oldest modification time, and only that one.
		createAndClose(t, store, deviceManager, dir, "b4", 1)
		require.ElementsMatch(t, []string{"b2.blocks", "b3.blocks", "b4.blocks"}, storeEntries(t, dir))
	})
}
