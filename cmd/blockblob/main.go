package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/eucalyptus-cloud/blockblob/pkg/blobstore"
	"github.com/eucalyptus-cloud/blockblob/pkg/filelock"
	"github.com/eucalyptus-cloud/blockblob/pkg/program"
	"github.com/eucalyptus-cloud/blockblob/pkg/util"
)

type storeConfiguration struct {
	// Root directory of the store.
	Path string `json:"path"`
	// Global block budget of the store, in 512-byte blocks. Zero
	// accepts whatever an existing store was created with.
	LimitBlocks int64 `json:"limitBlocks"`
	// "files" or "directory"; empty accepts the existing layout.
	Format string `json:"format"`
	// "none" or "lru"; empty accepts the existing policy.
	RevocationPolicy string `json:"revocationPolicy"`
	// "none" or "dm"; empty accepts the existing policy.
	SnapshotPolicy string `json:"snapshotPolicy"`
	// Operation timeout in milliseconds. Zero means a single
	// attempt at every lock.
	TimeoutMilliseconds int64 `json:"timeoutMilliseconds"`
}

func (c *storeConfiguration) open() (*blobstore.Store, error) {
	format := blobstore.FormatAny
	switch c.Format {
	case "":
	case "files":
		format = blobstore.FormatFiles
	case "directory":
		format = blobstore.FormatDirectory
	default:
		return nil, fmt.Errorf("unknown format %#v", c.Format)
	}
	revocationPolicy := blobstore.RevocationAny
	switch c.RevocationPolicy {
	case "":
	case "none":
		revocationPolicy = blobstore.RevocationNone
	case "lru":
		revocationPolicy = blobstore.RevocationLRU
	default:
		return nil, fmt.Errorf("unknown revocation policy %#v", c.RevocationPolicy)
	}
	snapshotPolicy := blobstore.SnapshotAny
	switch c.SnapshotPolicy {
	case "":
	case "none":
		snapshotPolicy = blobstore.SnapshotNone
	case "dm":
		snapshotPolicy = blobstore.SnapshotDM
	default:
		return nil, fmt.Errorf("unknown snapshot policy %#v", c.SnapshotPolicy)
	}
	return blobstore.OpenStore(c.Path, c.LimitBlocks, format, revocationPolicy, snapshotPolicy, blobstore.StoreOptions{})
}

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s blockblob.jsonnet list|create|delete [arguments]", os.Args[0])
		}
		var configuration storeConfiguration
		if err := util.UnmarshalConfigurationFromFile(os.Args[1], &configuration); err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
		}
		store, err := configuration.open()
		if err != nil {
			return util.StatusWrap(err, "Failed to open store")
		}
		timeout := time.Duration(configuration.TimeoutMilliseconds) * time.Millisecond

		switch command := os.Args[2]; command {
		case "list":
			blobs, err := store.List(timeout)
			if err != nil {
				return util.StatusWrap(err, "Failed to list blobs")
			}
			for _, blob := range blobs {
				fmt.Printf("%s %10d %s %s %s\n", blob.InUse, blob.SizeBlocks, blob.LastModified.Format(time.RFC3339), blob.ID, blob.DevicePath)
			}

		case "create":
			if len(os.Args) != 5 {
				return fmt.Errorf("usage: %s blockblob.jsonnet create <blob ID> <size in blocks>", os.Args[0])
			}
			sizeBlocks, err := strconv.ParseInt(os.Args[4], 10, 64)
			if err != nil {
				return util.StatusWrap(err, "Invalid size")
			}
			blob, err := store.OpenBlob(os.Args[3], sizeBlocks, filelock.CreateExcl(0o600), "", timeout)
			if err != nil {
				return util.StatusWrap(err, "Failed to create blob")
			}
			log.Printf("Created blob %s, backed by %s", blob.ID(), blob.DevicePath())
			if err := blob.Close(); err != nil {
				return util.StatusWrap(err, "Failed to close blob")
			}

		case "delete":
			if len(os.Args) != 4 {
				return fmt.Errorf("usage: %s blockblob.jsonnet delete <blob ID>", os.Args[0])
			}
			blob, err := store.OpenBlob(os.Args[3], 0, filelock.DontCreate, "", timeout)
			if err != nil {
				return util.StatusWrap(err, "Failed to open blob")
			}
			if err := blob.Delete(timeout); err != nil {
				return util.StatusWrap(err, "Failed to delete blob")
			}

		default:
			return fmt.Errorf("unknown command %#v", command)
		}
		return nil
	})
}
