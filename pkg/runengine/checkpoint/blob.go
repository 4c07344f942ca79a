package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// BlobStore keeps checkpoints in an object store bucket, one object per
// checkpoint under <prefix><runID>/<sequence>.json.
//
// The bucket URL selects the driver (mem://, file:///path). Cloud drivers
// such as s3blob or gcsblob become available once the binary imports them.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string
}

var _ Store = (*BlobStore)(nil)

// NewBlobStore opens the bucket at bucketURL.
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint bucket: %w", err)
	}
	return &BlobStore{bucket: bucket, prefix: prefix}, nil
}

// SaveCheckpoint implements Store.
func (s *BlobStore) SaveCheckpoint(ctx context.Context, runID string, sequence int, data []byte) error {
	if err := s.bucket.WriteAll(ctx, s.keyFor(runID, sequence), data, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint implements Store.
func (s *BlobStore) LatestCheckpoint(ctx context.Context, runID string) ([]byte, error) {
	infos, err := s.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	return s.LoadCheckpoint(ctx, runID, infos[len(infos)-1].Sequence)
}

// LoadCheckpoint implements Store.
func (s *BlobStore) LoadCheckpoint(ctx context.Context, runID string, sequence int) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.keyFor(runID, sequence))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// ListCheckpoints implements Store.
func (s *BlobStore) ListCheckpoints(ctx context.Context, runID string) ([]Info, error) {
	runPrefix := s.runPrefix(runID)
	iter := s.bucket.List(&blob.ListOptions{Prefix: runPrefix})

	infos := []Info{}
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, runPrefix), ".json")
		seq, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			RunID:     runID,
			Sequence:  seq,
			Timestamp: obj.ModTime,
			Size:      obj.Size,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Sequence < infos[j].Sequence
	})
	return infos, nil
}

// DeleteCheckpoints implements Store.
func (s *BlobStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	infos, err := s.ListCheckpoints(ctx, runID)
	if err != nil {
		return err
	}
	for _, info := range infos {
		err := s.bucket.Delete(ctx, s.keyFor(runID, info.Sequence))
		if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete checkpoint %d: %w", info.Sequence, err)
		}
	}
	return nil
}

// Close closes the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func (s *BlobStore) runPrefix(runID string) string {
	return s.prefix + runID + "/"
}

// keyFor zero-pads the sequence so lexical and numeric order agree.
func (s *BlobStore) keyFor(runID string, sequence int) string {
	return fmt.Sprintf("%s%010d.json", s.runPrefix(runID), sequence)
}
