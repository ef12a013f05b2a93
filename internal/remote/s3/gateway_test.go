package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

func newTestGateway(t *testing.T, prefix string) (*Gateway, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return New(fake, &Config{Bucket: "bucket", Prefix: prefix}, nil), fake
}

func names(entries []*types.RemoteEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{Prefix: "/data"}
	cfg.applyDefaults()

	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, int64(16*1024*1024), cfg.PartSize)
	assert.Equal(t, "data/", cfg.Prefix)
}

func TestNewGateway_EmptyBucket(t *testing.T) {
	g, err := NewGateway(context.Background(), &Config{}, nil)
	assert.Nil(t, g)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestListRoot(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "")
	fake.put("a.txt", []byte("aaa"))
	fake.put("docs/", nil)
	fake.put("docs/b.txt", []byte("b"))
	fake.put("pics/c.png", []byte("c"))

	children, err := g.List(ctx, types.RootID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "docs", "pics"}, names(children))

	for _, c := range children {
		assert.Equal(t, []string{types.RootID}, c.Parents)
		switch c.Name {
		case "a.txt":
			assert.False(t, c.IsDir)
			assert.Equal(t, int64(3), c.Size)
			assert.Equal(t, "47bce5c74f589f4867dbd57e9ca9f808", c.MD5)
		case "docs", "pics":
			assert.True(t, c.IsDir)
			assert.Equal(t, c.Name+"/", c.ID)
		}
	}

	docs, err := g.List(ctx, "docs/")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "docs/b.txt", docs[0].ID)
	assert.Equal(t, []string{"docs/"}, docs[0].Parents)

	_, err = g.List(ctx, "nope/")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetFile(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "")
	fake.put("pics/c.png", []byte("c"))

	root, err := g.GetFile(ctx, types.RootID)
	require.NoError(t, err)
	assert.True(t, root.IsDir)

	implicit, err := g.GetFile(ctx, "pics/")
	require.NoError(t, err)
	assert.True(t, implicit.IsDir)
	assert.Equal(t, "pics", implicit.Name)

	_, err = g.GetFile(ctx, "gone/")
	assert.True(t, errors.IsNotFound(err))
	_, err = g.GetFile(ctx, "x.txt")
	assert.True(t, errors.IsNotFound(err))
}

func TestUploadAndDownload(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "")
	fake.put("docs/", nil)

	created, err := g.UploadFile(ctx, &types.Entry{Name: "new.txt", Parents: []string{"docs/"}}, bytes.NewBufferString("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, "docs/new.txt", created.ID)
	assert.Equal(t, int64(10), created.Size)
	assert.Equal(t, "781e5e245d69b566979b86e28d23f2c7", created.MD5)

	rc, err := g.DownloadFile(ctx, &created.Entry, 6)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(data))

	rc, err = g.DownloadFile(ctx, &created.Entry, 10)
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	assert.Empty(t, data)

	_, err = g.UploadFile(ctx, &types.Entry{Name: "a/b", Parents: []string{types.RootID}}, bytes.NewBufferString("x"))
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
}

func TestUploadFailureIsReported(t *testing.T) {
	g, fake := newTestGateway(t, "")
	fake.failNext = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}

	_, err := g.UploadFile(context.Background(), &types.Entry{Name: "a.txt", Parents: []string{types.RootID}}, bytes.NewBufferString("x"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeUploadFailed))
}

func TestPatchRenameAndTouch(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "")
	fake.put("a.txt", []byte("hello"))

	name := "b.txt"
	renamed, err := g.PatchFile(ctx, "a.txt", types.Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "b.txt", renamed.ID)
	assert.Equal(t, "b.txt", renamed.Name)

	_, err = g.GetFile(ctx, "a.txt")
	assert.True(t, errors.IsNotFound(err))

	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	touched, err := g.PatchFile(ctx, "b.txt", types.Patch{Modified: &mtime})
	require.NoError(t, err)
	assert.Equal(t, "b.txt", touched.ID)
	assert.True(t, mtime.Equal(touched.Modified))

	fake.put("dir/", nil)
	_, err = g.PatchFile(ctx, "dir/", types.Patch{Name: &name})
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnsupported))
}

func TestTrashAndMkdir(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "")

	dir, err := g.Mkdir(ctx, types.RootID, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs/", dir.ID)
	assert.True(t, dir.IsDir)

	fake.put("docs/a.txt", []byte("a"))
	_, err = g.TrashFile(ctx, "docs/")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotEmpty))

	trashed, err := g.TrashFile(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.True(t, trashed.Trashed)

	trashed, err = g.TrashFile(ctx, "docs/")
	require.NoError(t, err)
	assert.True(t, trashed.IsDir)

	_, err = g.GetFile(ctx, "docs/")
	assert.True(t, errors.IsNotFound(err))
}

func TestPrefixIsRoot(t *testing.T) {
	ctx := context.Background()
	g, fake := newTestGateway(t, "home")
	fake.put("home/x.txt", []byte("x"))
	fake.put("home/sub/y.txt", []byte("y"))
	fake.put("other/z.txt", []byte("z"))

	children, err := g.List(ctx, types.RootID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x.txt", "sub"}, names(children))
	for _, c := range children {
		assert.Equal(t, []string{types.RootID}, c.Parents)
	}

	dir, err := g.Mkdir(ctx, types.RootID, "new")
	require.NoError(t, err)
	assert.Equal(t, "home/new/", dir.ID)
}

func TestFeedIsEmpty(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t, "")

	rev, err := g.StartRevision(ctx)
	require.NoError(t, err)
	assert.True(t, rev.IsSet())

	changes, err := g.GetAllChanges(ctx, rev)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"no such key", &s3types.NoSuchKey{}, errors.ErrCodeNotFound},
		{"head not found", &s3types.NotFound{}, errors.ErrCodeNotFound},
		{"no such bucket", &s3types.NoSuchBucket{}, errors.ErrCodeInvalidConfig},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, errors.ErrCodeRateLimited},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, errors.ErrCodeAccessDenied},
		{"internal", &smithy.GenericAPIError{Code: "InternalError"}, errors.ErrCodeTransient},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), errors.ErrCodeOperationCanceled},
		{"other", fmt.Errorf("boom"), errors.ErrCodeRemoteProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err, "GetObject", "k")
			assert.Equal(t, tt.want, errors.CodeOf(got))
		})
	}

	assert.True(t, errors.IsRetryable(translateError(&smithy.GenericAPIError{Code: "SlowDown"}, "op", "k")))
	assert.False(t, errors.IsRetryable(translateError(&s3types.NoSuchKey{}, "op", "k")))
}
