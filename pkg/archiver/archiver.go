// Package archiver implements the disk and object-store sinks named in
// spec §6.4's `data_maintenance.archiver` configuration block: before
// retention deletes a closed segment, an optional Sink copies it somewhere
// durable first, and the segment is marked archived (pkg/segment.MarkArchived)
// so a restart doesn't try to archive it twice.
//
// Grounded on the teacher's persister.filePersister (pkg/persister) for the
// disk sink's copy-then-fsync discipline, and on the pack's HTTP-client
// idioms (EricLarwa-2t3-DEPS and Stars1233-sarama both wrap net/http with a
// timeout and context) for the object-store sink, since the pack carries no
// AWS/S3 SDK. The object-store sink speaks a minimal S3-compatible PUT API
// over stdlib net/http, documented as a stdlib exception in DESIGN.md.
package archiver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxorio/streamline/pkg/apperr"
)

// Sink archives a closed segment's log file, identified by its partition
// coordinates and on-disk source path, returning the sink-relative key it
// was stored under.
type Sink interface {
	Name() string
	Archive(ctx context.Context, streamID, topicID, partitionID uint32, startOffset uint64, srcPath string) (key string, err error)
}

// DiskSink copies segment log files into a flat archive directory
// (`data_maintenance.archiver.disk.path`).
type DiskSink struct {
	Dir string
}

func NewDiskSink(dir string) *DiskSink {
	return &DiskSink{Dir: dir}
}

func (d *DiskSink) Name() string { return "disk" }

func (d *DiskSink) Archive(ctx context.Context, streamID, topicID, partitionID uint32, startOffset uint64, srcPath string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "create archive directory", err)
	}
	key := fmt.Sprintf("%d/%d/%d/%020d.log", streamID, topicID, partitionID, startOffset)
	dstPath := filepath.Join(d.Dir, key)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "create archive subdirectory", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCannotReadFile, "open segment for archival", err)
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "create archive file", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "copy segment into archive", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "fsync archive file", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "close archive file", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "finalize archive file", err)
	}
	return key, nil
}

// ObjectStoreConfig names the S3-compatible bucket the object-store sink
// PUTs segment files to (spec §6.4's `data_maintenance.archiver.s3.*`).
type ObjectStoreConfig struct {
	KeyID     string
	KeySecret string
	Bucket    string
	Endpoint  string
	Region    string
	Timeout   time.Duration
}

// ObjectStoreSink PUTs segment files to an S3-compatible HTTP endpoint.
// No S3 SDK is wired (none exists in the reference pack); this is a
// direct stdlib net/http client speaking the minimal path-style PUT
// request (endpoint/bucket/key) a compatible store accepts.
type ObjectStoreSink struct {
	cfg    ObjectStoreConfig
	client *http.Client
}

func NewObjectStoreSink(cfg ObjectStoreConfig) *ObjectStoreSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ObjectStoreSink{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (o *ObjectStoreSink) Name() string { return "object-store" }

func (o *ObjectStoreSink) Archive(ctx context.Context, streamID, topicID, partitionID uint32, startOffset uint64, srcPath string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCannotReadFile, "read segment for archival", err)
	}

	key := fmt.Sprintf("%d/%d/%d/%020d.log", streamID, topicID, partitionID, startOffset)
	url := fmt.Sprintf("%s/%s/%s", o.cfg.Endpoint, o.cfg.Bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "build archive upload request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if o.cfg.KeyID != "" {
		req.SetBasicAuth(o.cfg.KeyID, o.cfg.KeySecret)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeCannotWriteFile, "upload segment to object store", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", apperr.New(apperr.CodeCannotWriteFile, fmt.Sprintf("object store rejected upload with status %d", resp.StatusCode))
	}
	return key, nil
}
