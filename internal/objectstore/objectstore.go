// Package objectstore is the checkpoint pipeline's upload/download/list/
// delete boundary (spec §6). The S3 implementation is the only
// out-of-pack dependency in this module: nothing in the retrieved
// examples imports aws-sdk-go-v2 directly, but it is the standard idiomatic
// Go client for the object-storage backend spec §6 names, so it is named
// here rather than grounded on a pack file.
package objectstore

import (
	"context"
	"io"
)

// Object is a single stored blob's key and size, as returned by List.
type Object struct {
	Key  string
	Size int64
}

// Store is the checkpoint pipeline's abstraction over object storage. Keys
// follow spec §6's convention:
// {prefix}/{topic}_{partition}/{full|incremental}/{checkpoint_timestamp}/{file_name}.
type Store interface {
	// Put uploads body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Get opens the object at key for reading. Caller must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every object whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Delete removes a single object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
