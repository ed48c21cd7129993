package blobstore

// Format controls how the sidecar files of a blob are laid out within
// the store directory: as siblings sharing the blob ID as a filename
// prefix, or grouped in a directory named after the blob ID.
type Format int

// Format values as stored in the store metadata file.
const (
	FormatAny       Format = -1
	FormatFiles     Format = 0
	FormatDirectory Format = 1
)

// RevocationPolicy controls whether blob creation may reclaim space by
// purging blobs that are not in use.
type RevocationPolicy int

// RevocationPolicy values as stored in the store metadata file.
const (
	RevocationAny  RevocationPolicy = -1
	RevocationNone RevocationPolicy = 0
	RevocationLRU  RevocationPolicy = 1
)

// SnapshotPolicy controls whether blobs may be composed from other
// blobs through device mapper tables.
type SnapshotPolicy int

// SnapshotPolicy values as stored in the store metadata file.
const (
	SnapshotAny  SnapshotPolicy = -1
	SnapshotNone SnapshotPolicy = 0
	SnapshotDM   SnapshotPolicy = 1
)

// InUse is a bit set describing why a blob cannot currently be purged
// or deleted.
type InUse uint32

const (
	// InUseOpened is set when some process holds the blob's blocks
	// file locked for writing.
	InUseOpened InUse = 1 << iota
	// InUseMapped is set when other blobs map or snapshot this
	// blob, i.e. its refs sidecar is non-empty.
	InUseMapped
	// InUseBacked is set when this blob maps or snapshots other
	// blobs, i.e. its deps sidecar is non-empty.
	InUseBacked
)

// String returns a compact representation of the bit set, for use in
// listings.
func (u InUse) String() string {
	b := []byte("---")
	if u&InUseOpened != 0 {
		b[0] = 'O'
	}
	if u&InUseMapped != 0 {
		b[1] = 'M'
	}
	if u&InUseBacked != 0 {
		b[2] = 'B'
	}
	return string(b)
}
