package blobstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/eucalyptus-cloud/blockblob/internal/mock"
	"github.com/eucalyptus-cloud/blockblob/pkg/blobstore"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestOpenStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	deviceManager := mock.NewMockDeviceManager(ctrl)
	dir := t.TempDir()

	store, err := blobstore.OpenStore(dir, 1000, blobstore.FormatFiles, blobstore.RevocationNone, blobstore.SnapshotDM, blobstore.StoreOptions{
		DeviceManager: deviceManager,
	})
	require.NoError(t, err)
	require.Len(t, store.ID(), 16)
	require.Equal(t, dir, store.Path())
	require.Equal(t, int64(1000), store.LimitBlocks())
	require.Equal(t, blobstore.FormatFiles, store.Format())
	require.Equal(t, blobstore.RevocationNone, store.RevocationPolicy())
	require.Equal(t, blobstore.SnapshotDM, store.SnapshotPolicy())

	t.Run("ReopenWithDefaults", func(t *testing.T) {
		// Any values and a zero limit accept whatever the store
		// was created with.
		reopened, err := blobstore.OpenStore(dir, 0, blobstore.FormatAny, blobstore.RevocationAny, blobstore.SnapshotAny, blobstore.StoreOptions{
			DeviceManager: deviceManager,
		})
		require.NoError(t, err)
		require.Equal(t, store.ID(), reopened.ID())
		require.Equal(t, int64(1000), reopened.LimitBlocks())
		require.Equal(t, blobstore.FormatFiles, reopened.Format())
	})

	t.Run("ParameterMismatches", func(t *testing.T) {
		_, err := blobstore.OpenStore(dir, 999, blobstore.FormatAny, blobstore.RevocationAny, blobstore.SnapshotAny, blobstore.StoreOptions{
			DeviceManager: deviceManager,
		})
		require.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = blobstore.OpenStore(dir, 0, blobstore.FormatDirectory, blobstore.RevocationAny, blobstore.SnapshotAny, blobstore.StoreOptions{
			DeviceManager: deviceManager,
		})
		require.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = blobstore.OpenStore(dir, 0, blobstore.FormatAny, blobstore.RevocationLRU, blobstore.SnapshotAny, blobstore.StoreOptions{
			DeviceManager: deviceManager,
		})
		require.Equal(t, codes.InvalidArgument, status.Code(err))

		_, err = blobstore.OpenStore(dir, 0, blobstore.FormatAny, blobstore.RevocationAny, blobstore.SnapshotNone, blobstore.StoreOptions{
			DeviceManager: deviceManager,
		})
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestOpenStoreResolvesDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	deviceManager := mock.NewMockDeviceManager(ctrl)

	store, err := blobstore.OpenStore(t.TempDir(), 100, blobstore.FormatAny, blobstore.RevocationAny, blobstore.SnapshotAny, blobstore.StoreOptions{
		DeviceManager: deviceManager,
	})
	require.NoError(t, err)
	require.Equal(t, blobstore.FormatFiles, store.Format())
	require.Equal(t, blobstore.RevocationNone, store.RevocationPolicy())
	require.Equal(t, blobstore.SnapshotDM, store.SnapshotPolicy())
}

func TestStoreDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	deviceManager := mock.NewMockDeviceManager(ctrl)
	dir := t.TempDir()

	store, err := blobstore.OpenStore(dir, 100, blobstore.FormatFiles, blobstore.RevocationNone, blobstore.SnapshotDM, blobstore.StoreOptions{
		DeviceManager: deviceManager,
	})
	require.NoError(t, err)

	t.Run("NonEmpty", func(t *testing.T) {
		deviceManager.EXPECT().LoopAttach(filepath.Join(dir, "blob1.blocks")).Return("/dev/loop8", nil)
		blob, err := store.OpenBlob("blob1", 10, filelock.CreateExcl(0o600), "", 0)
		require.NoError(t, err)

		require.Equal(t, codes.FailedPrecondition, status.Code(store.Delete(0)))

		deviceManager.EXPECT().LoopDetach("/dev/loop8")
		require.NoError(t, blob.Delete(0))
	})

	t.Run("Empty", func(t *testing.T) {
		require.NoError(t, store.Delete(0))
		_, err := os.Stat(filepath.Join(dir, ".blobstore"))
		require.True(t, os.IsNotExist(err))
	})
}
