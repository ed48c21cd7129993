package blobstore

import (
	"sort"

	"github.com/eucalyptus-cloud/blockblob/pkg/eviction"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// reserveBlocks ensures that the store has room for a blob of the
// requested size. When free space falls short and the store's
// revocation policy permits it, blobs that are not in use are purged
// in order of least recent modification until enough blocks have been
// reclaimed. The caller must hold the store-wide lock.
func (s *Store) reserveBlocks(requestedBlocks int64) error {
	blobs, err := s.scan()
	if err != nil {
		return err
	}

	var blocksInUse, blocksAllocated int64
	var purgeable []BlobInfo
	for _, blob := range blobs {
		if blob.InUse&^InUseBacked != 0 {
			// Opened or mapped blobs cannot be reclaimed.
			blocksInUse += blob.SizeBlocks
		} else {
			blocksAllocated += blob.SizeBlocks
			purgeable = append(purgeable, blob)
		}
	}

	blocksFree := s.limitBlocks - (blocksAllocated + blocksInUse)
	if blocksFree >= requestedBlocks {
		return nil
	}
	if s.revocationPolicy != RevocationLRU || blocksFree+blocksAllocated < requestedBlocks {
		return status.Errorf(codes.ResourceExhausted, "Store in %#v has %d blocks free, %d requested", s.path, blocksFree, requestedBlocks)
	}

	// Feed the purgeable blobs through an LRU replacement set, so
	// that the least recently modified ones are reclaimed first.
	sort.SliceStable(purgeable, func(i, j int) bool {
		return purgeable[i].LastModified.Before(purgeable[j].LastModified)
	})
	sizes := make(map[string]int64, len(purgeable))
	replacementSet := eviction.NewMetricsSet(eviction.NewLRUSet[string](), "store_purge")
	for _, blob := range purgeable {
		replacementSet.Insert(blob.ID)
		sizes[blob.ID] = blob.SizeBlocks
	}

	blocksNeeded := requestedBlocks - blocksFree
	var blocksPurged int64
	for i := 0; i < len(purgeable) && blocksPurged < blocksNeeded; i++ {
		blobID := replacementSet.Peek()
		replacementSet.Remove()
		if s.deleteBlobFiles(blobID) > 0 {
			blocksPurged += sizes[blobID]
			storeBlobsPurgedTotal.Inc()
			storeBlocksPurgedTotal.Add(float64(sizes[blobID]))
		}
	}
	if blocksPurged < blocksNeeded {
		return status.Errorf(codes.ResourceExhausted, "Could not purge enough from store in %#v: %d blocks reclaimed, %d needed", s.path, blocksPurged, blocksNeeded)
	}
	return nil
}
