// Package storage fetches disk images hosted in S3 (s3://bucket/key) into a
// local cache so they can be flashed like local files.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/fly-io/multiflash/pkg/errors"
)

// Scheme prefixes remote image paths.
const Scheme = "s3://"

// ParseURI splits s3://bucket/key. ok is false for local paths.
func ParseURI(uri string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(uri, Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", false
	}
	return bucket, key, true
}

// IsRemote reports whether path names an S3 object.
func IsRemote(path string) bool {
	return strings.HasPrefix(path, Scheme)
}

// CachePath is where key from bucket is stored under dir.
func CachePath(dir, bucket, key string) string {
	return filepath.Join(dir, bucket, filepath.FromSlash(filepath.Clean("/" + key)))
}

// DigestSuffix names the sidecar file holding a cached image's sha256.
const DigestSuffix = ".sha256"

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// Bucket returns the default bucket.
func (c *Client) Bucket() string {
	return c.bucket
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
	Cached    bool
}

// ObjectInfo describes one remote image.
type ObjectInfo struct {
	Key          string    `json:"key" yaml:"key"`
	Size         int64     `json:"size" yaml:"size"`
	LastModified time.Time `json:"lastModified" yaml:"last_modified"`
}

// Fetch resolves uri into a local file under dir. A cached copy with the
// remote size is reused.
func (c *Client) Fetch(ctx context.Context, uri, dir string) (*DownloadResult, error) {
	bucket, key, ok := ParseURI(uri)
	if !ok {
		return nil, errors.Validation("not an s3 uri: %s", uri)
	}

	info, err := c.stat(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.Validation("image not found: %s", uri)
	}

	localPath := CachePath(dir, bucket, key)
	if fi, err := os.Stat(localPath); err == nil && fi.Size() == info.Size {
		digest, err := CachedSHA256(localPath)
		if err != nil {
			return nil, err
		}
		slog.Info("s3_cache_hit", "uri", uri, "local_path", localPath)
		return &DownloadResult{LocalPath: localPath, SHA256: digest, Size: fi.Size(), Cached: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		slog.Error("download_dir_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create download dir")
	}
	return c.download(ctx, bucket, key, localPath)
}

// download writes the object to a temp file and renames it into place so a
// partial download is never mistaken for a cached image.
func (c *Client) download(ctx context.Context, bucket, key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close local file")
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if err := os.WriteFile(localPath+DigestSuffix, []byte(checksum+"\n"), 0644); err != nil {
		slog.Warn("digest_write_failed", "path", localPath, "error", err)
	}
	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// CachedSHA256 returns the sha256 of a cached image. It reads the sidecar
// written at download time and rebuilds it by hashing the file when it is
// missing or malformed.
func CachedSHA256(localPath string) (string, error) {
	if data, err := os.ReadFile(localPath + DigestSuffix); err == nil {
		digest := strings.TrimSpace(string(data))
		if _, err := hex.DecodeString(digest); err == nil && len(digest) == sha256.Size*2 {
			return digest, nil
		}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open cached image")
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", errors.Wrap(err, "failed to hash cached image")
	}
	digest := hex.EncodeToString(hash.Sum(nil))
	if err := os.WriteFile(localPath+DigestSuffix, []byte(digest+"\n"), 0644); err != nil {
		slog.Warn("digest_write_failed", "path", localPath, "error", err)
	}
	return digest, nil
}

// List lists the images in the client's bucket under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			objects = append(objects, ObjectInfo{
				Key:          *obj.Key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(objects))
	return objects, nil
}

// stat returns nil without error when the object does not exist.
func (c *Client) stat(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			slog.Info("s3_object_not_found", "bucket", bucket, "s3_key", key)
			return nil, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to check object existence")
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}
