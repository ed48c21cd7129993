package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newSidecarTestStore(t *testing.T, format Format) *Store {
	store, err := OpenStore(t.TempDir(), 100, format, RevocationNone, SnapshotDM, StoreOptions{})
	require.NoError(t, err)
	return store
}

func TestSidecarPathClassification(t *testing.T) {
	for _, format := range []Format{FormatFiles, FormatDirectory} {
		store := newSidecarTestStore(t, format)

		// Classification inverts path construction for every
		// sidecar type, including blob IDs with subdirectories.
		for _, blobID := range []string{"blob", "a/b/blob"} {
			for sc := sidecarBlocks; sc < sidecarCount; sc++ {
				gotSC, gotID, ok := store.classifySidecarPath(store.sidecarPath(sc, blobID))
				require.True(t, ok)
				require.Equal(t, sc, gotSC)
				require.Equal(t, blobID, gotID)
			}
		}

		// Unrelated files are left alone by the scanner.
		for _, path := range []string{
			filepath.Join(store.path, metadataFilename),
			filepath.Join(store.path, "unrelated"),
			filepath.Join(store.path, "blocks"),
		} {
			_, _, ok := store.classifySidecarPath(path)
			require.False(t, ok, "path %#v", path)
		}
	}
}

func TestSidecarLinesRoundTrip(t *testing.T) {
	store := newSidecarTestStore(t, FormatFiles)

	// A missing file reads as an empty list, not as an error.
	lines, err := store.readSidecarLines(sidecarDeps, "blob")
	require.NoError(t, err)
	require.Empty(t, lines)

	written := []string{"/stores/a blob1", "/stores/b blob2"}
	require.NoError(t, store.writeSidecarLines(sidecarDeps, "blob", written))
	lines, err = store.readSidecarLines(sidecarDeps, "blob")
	require.NoError(t, err)
	require.Equal(t, written, lines)

	// An empty list still yields a file, distinguishing "no
	// entries" from "never written".
	require.NoError(t, store.writeSidecarLines(sidecarDeps, "blob", nil))
	_, err = os.Stat(store.sidecarPath(sidecarDeps, "blob"))
	require.NoError(t, err)
}

func TestSidecarUpdateEntry(t *testing.T) {
	store := newSidecarTestStore(t, FormatFiles)

	// Adding is idempotent.
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/a blob1", false))
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/a blob1", false))
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/b blob2", false))
	lines, err := store.readSidecarLines(sidecarRefs, "blob")
	require.NoError(t, err)
	require.Equal(t, []string{"/stores/a blob1", "/stores/b blob2"}, lines)

	// So is removal, including of entries that were never added.
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/a blob1", true))
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/a blob1", true))
	require.NoError(t, store.updateSidecarEntry(sidecarRefs, "blob", "/stores/c blob3", true))
	lines, err = store.readSidecarLines(sidecarRefs, "blob")
	require.NoError(t, err)
	require.Equal(t, []string{"/stores/b blob2"}, lines)
}

func TestSidecarStrings(t *testing.T) {
	store := newSidecarTestStore(t, FormatDirectory)

	_, err := store.ensureBlobDirectories("blob")
	require.NoError(t, err)

	_, err = store.readSidecar(sidecarSig, "blob")
	require.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, store.writeSidecar(sidecarSig, "blob", "signature"))
	contents, err := store.readSidecar(sidecarSig, "blob")
	require.NoError(t, err)
	require.Equal(t, "signature", contents)

	// Writing the empty string removes the file.
	require.NoError(t, store.writeSidecar(sidecarSig, "blob", ""))
	_, err = store.readSidecar(sidecarSig, "blob")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestDeleteBlobFilesRemovesEmptyDirectories(t *testing.T) {
	for _, format := range []Format{FormatFiles, FormatDirectory} {
		store := newSidecarTestStore(t, format)

		created, err := store.ensureBlobDirectories("a/b/blob")
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, store.writeSidecar(sidecarSig, "a/b/blob", "s"))
		require.NoError(t, store.writeSidecarLines(sidecarDeps, "a/b/blob", nil))

		require.Greater(t, store.deleteBlobFiles("a/b/blob"), 0)
		_, err = os.Stat(filepath.Join(store.path, "a"))
		require.True(t, os.IsNotExist(err))
	}
}
