package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// mtimeKey is the user metadata key holding a client-set modification time.
const mtimeKey = "mtime"

// API is the subset of *s3.Client the gateway uses.
type API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Gateway exposes an S3 bucket as a remote store. Object keys are entry ids,
// directories are key prefixes ending in "/" and the configured prefix is the
// root. S3 has no change feed: GetAllChanges always reports nothing.
type Gateway struct {
	client   API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
}

var _ types.Gateway = (*Gateway)(nil)

// NewGateway loads AWS configuration and checks that the bucket is reachable.
func NewGateway(ctx context.Context, cfg *Config, logger *zap.Logger) (*Gateway, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "bucket name cannot be empty").WithComponent("s3")
	}
	cfg.applyDefaults()

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	g := New(client, cfg, logger)
	if err := g.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// New wraps an existing client.
func New(client API, cfg *Config, logger *zap.Logger) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.UploadConcurrency
		}),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logging.OrNop(logger).With(zap.String("component", "s3"), zap.String("bucket", cfg.Bucket)),
		now:    time.Now,
	}
}

// HealthCheck verifies the bucket is reachable.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(g.bucket)})
	if err != nil {
		return translateError(err, "HeadBucket", g.bucket)
	}
	return nil
}

// StartRevision returns a constant token; the bucket has no change feed.
func (g *Gateway) StartRevision(ctx context.Context) (types.Revision, error) {
	return 1, nil
}

// GetAllChanges never reports changes.
func (g *Gateway) GetAllChanges(ctx context.Context, since types.Revision) ([]*types.Change, error) {
	return nil, nil
}

// GetFile returns the object or directory identified by id.
func (g *Gateway) GetFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	if id == types.RootID {
		return g.rootEntry(), nil
	}
	if !isDirKey(id) {
		return g.head(ctx, id)
	}

	// A directory exists when its marker or any object below it exists.
	marker, err := g.head(ctx, id)
	if err == nil {
		return marker, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}
	out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(g.bucket),
		Prefix:  aws.String(id),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, translateError(err, "ListObjectsV2", id)
	}
	if len(out.Contents) == 0 {
		return nil, errors.NotFound(id)
	}
	return g.dirEntry(id, time.Time{}), nil
}

// List returns the objects and sub-prefixes directly below folderID.
func (g *Gateway) List(ctx context.Context, folderID string) ([]*types.RemoteEntry, error) {
	prefix := g.keyOf(folderID)
	if folderID != types.RootID && !isDirKey(prefix) {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithContext("id", folderID)
	}

	var (
		children []*types.RemoteEntry
		token    *string
		found    = folderID == types.RootID
	)
	for {
		out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, translateError(err, "ListObjectsV2", prefix)
		}

		for _, p := range out.CommonPrefixes {
			found = true
			children = append(children, g.dirEntry(aws.ToString(p.Prefix), time.Time{}))
		}
		for _, obj := range out.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // directory marker
			}
			children = append(children, g.fileEntry(key, aws.ToInt64(obj.Size), aws.ToString(obj.ETag), aws.ToTime(obj.LastModified), nil))
		}

		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	if !found {
		return nil, errors.NotFound(folderID)
	}
	return children, nil
}

// UploadFile streams content to entry.ID, or to a new key below the first
// parent when the entry has no id yet.
func (g *Gateway) UploadFile(ctx context.Context, entry *types.Entry, content io.Reader) (*types.RemoteEntry, error) {
	key := entry.ID
	if key == "" {
		if len(entry.Parents) == 0 {
			return nil, errors.NewError(errors.ErrCodeInvalidPatch, "new file needs a parent")
		}
		var err error
		if key, err = g.childKey(entry.Parents[0], entry.Name, false); err != nil {
			return nil, err
		}
	}
	if isDirKey(key) || key == g.prefix {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot upload over a directory").WithContext("id", key)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String(detectContentType(key)),
	}
	if entry.MimeType != "" {
		input.ContentType = aws.String(entry.MimeType)
	}

	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return nil, errors.NewError(errors.ErrCodeUploadFailed, "upload failed").
			WithComponent("s3").
			WithContext("key", key).
			WithCause(translateError(err, "Upload", key))
	}
	return g.head(ctx, key)
}

// PatchFile renames and/or sets the modification time of a file. Renaming
// copies the object to a new key, so the returned entry has a new id.
func (g *Gateway) PatchFile(ctx context.Context, id string, patch types.Patch) (*types.RemoteEntry, error) {
	current, err := g.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsDir {
		if patch.Name != nil && *patch.Name != current.Name {
			return nil, errors.NewError(errors.ErrCodeUnsupported, "directories cannot be renamed in S3").WithContext("id", id)
		}
		return current, nil
	}

	target := id
	if patch.Name != nil && *patch.Name != current.Name {
		if target, err = g.childKey(current.Parents[0], *patch.Name, false); err != nil {
			return nil, err
		}
	}
	if target == id && patch.Modified == nil {
		return current, nil
	}

	input := &s3.CopyObjectInput{
		Bucket:            aws.String(g.bucket),
		Key:               aws.String(target),
		CopySource:        aws.String(copySource(g.bucket, id)),
		MetadataDirective: s3types.MetadataDirectiveCopy,
	}
	if patch.Modified != nil {
		input.MetadataDirective = s3types.MetadataDirectiveReplace
		input.ContentType = aws.String(current.MimeType)
		input.Metadata = map[string]string{mtimeKey: strconv.FormatInt(patch.Modified.UnixMilli(), 10)}
	}
	if _, err := g.client.CopyObject(ctx, input); err != nil {
		return nil, translateError(err, "CopyObject", id)
	}

	if target != id {
		if _, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(g.bucket), Key: aws.String(id)}); err != nil {
			g.logger.Warn("renamed object left behind", zap.String("key", id), zap.Error(err))
		}
	}
	return g.head(ctx, target)
}

// TrashFile deletes the object. Directories must be empty.
func (g *Gateway) TrashFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	if id == types.RootID {
		return nil, errors.NewError(errors.ErrCodeUnsupported, "cannot trash the root directory")
	}
	current, err := g.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.IsDir {
		out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(g.bucket),
			Prefix:  aws.String(id),
			MaxKeys: aws.Int32(2),
		})
		if err != nil {
			return nil, translateError(err, "ListObjectsV2", id)
		}
		for _, obj := range out.Contents {
			if aws.ToString(obj.Key) != id {
				return nil, errors.NewError(errors.ErrCodeNotEmpty, "directory not empty").WithContext("id", id)
			}
		}
	}

	if _, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(g.bucket), Key: aws.String(id)}); err != nil {
		return nil, translateError(err, "DeleteObject", id)
	}
	current.Trashed = true
	return current, nil
}

// Mkdir writes an empty directory marker.
func (g *Gateway) Mkdir(ctx context.Context, parentID, name string) (*types.RemoteEntry, error) {
	key, err := g.childKey(parentID, name, true)
	if err != nil {
		return nil, err
	}
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(g.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String("application/x-directory"),
	})
	if err != nil {
		return nil, translateError(err, "PutObject", key)
	}
	return g.dirEntry(key, g.now()), nil
}

// DownloadFile opens a ranged read of the object.
func (g *Gateway) DownloadFile(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error) {
	if entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot download a directory").WithContext("id", entry.ID)
	}
	if offset > 0 && offset >= entry.Size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(entry.ID),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := g.client.GetObject(ctx, input)
	if err != nil {
		return nil, translateError(err, "GetObject", entry.ID)
	}
	return out.Body, nil
}

func (g *Gateway) head(ctx context.Context, key string) (*types.RemoteEntry, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(err, "HeadObject", key)
	}
	if isDirKey(key) {
		return g.dirEntry(key, aws.ToTime(out.LastModified)), nil
	}
	return g.fileEntry(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ETag), aws.ToTime(out.LastModified), out.Metadata), nil
}

func (g *Gateway) rootEntry() *types.RemoteEntry {
	return &types.RemoteEntry{Entry: types.Entry{
		ID:       types.RootID,
		IsDir:    true,
		MimeType: types.FolderMimeType,
	}}
}

func (g *Gateway) dirEntry(key string, modified time.Time) *types.RemoteEntry {
	var version int64
	if !modified.IsZero() {
		version = modified.UnixNano()
	}
	return &types.RemoteEntry{
		Entry: types.Entry{
			ID:       key,
			Name:     baseName(key),
			IsDir:    true,
			MimeType: types.FolderMimeType,
			Modified: modified.UTC(),
			Parents:  []string{g.parentOf(key)},
		},
		Version: version,
	}
}

func (g *Gateway) fileEntry(key string, size int64, etag string, modified time.Time, metadata map[string]string) *types.RemoteEntry {
	if ms, ok := metadata[mtimeKey]; ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			modified = time.UnixMilli(v)
		}
	}
	etag = strings.Trim(etag, `"`)
	md5 := ""
	if !strings.Contains(etag, "-") {
		md5 = etag
	}
	return &types.RemoteEntry{
		Entry: types.Entry{
			ID:       key,
			Name:     baseName(key),
			Size:     size,
			MimeType: detectContentType(key),
			MD5:      md5,
			Modified: modified.UTC(),
			Parents:  []string{g.parentOf(key)},
		},
		Version: modified.UnixNano(),
	}
}

// keyOf maps an entry id to its key or prefix.
func (g *Gateway) keyOf(id string) string {
	if id == types.RootID {
		return g.prefix
	}
	return id
}

// parentOf returns the id of the directory containing key.
func (g *Gateway) parentOf(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return types.RootID
	}
	parent := trimmed[:i+1]
	if len(parent) <= len(g.prefix) {
		return types.RootID
	}
	return parent
}

func (g *Gateway) childKey(parentID, name string, dir bool) (string, error) {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "", errors.NewError(errors.ErrCodePathInvalid, "invalid object name").WithContext("name", name)
	}
	parent := g.keyOf(parentID)
	if parentID != types.RootID && !isDirKey(parent) {
		return "", errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").WithContext("id", parentID)
	}
	key := parent + name
	if dir {
		key += "/"
	}
	return key, nil
}

func isDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

func baseName(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

func detectContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".xml"):
		return "application/xml"
	case strings.HasSuffix(key, ".html"):
		return "text/html"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain"
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".pdf"):
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
