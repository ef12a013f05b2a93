package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	drive "google.golang.org/api/drive/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

func fileJSON(id, title, mimeType, parent string, isRoot bool) map[string]any {
	return map[string]any{
		"id":           id,
		"title":        title,
		"mimeType":     mimeType,
		"fileSize":     "5",
		"md5Checksum":  "5d41402abc4b2a76b9719d911017c592",
		"modifiedDate": "2024-01-02T03:04:05.678Z",
		"labels":       map[string]any{"trashed": false},
		"parents":      []map[string]any{{"id": parent, "isRoot": isRoot}},
		"version":      "7",
	}
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGateway(context.Background(), Config{Endpoint: srv.URL + "/", PageSize: 2}, nil, option.WithoutAuthentication())
	require.NoError(t, err)
	return g
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestToRemoteEntry(t *testing.T) {
	f := &drive.File{
		Id:           "f1",
		Title:        "a.txt",
		MimeType:     "text/plain",
		FileSize:     5,
		Md5Checksum:  "abc",
		ModifiedDate: "2024-01-02T03:04:05.678Z",
		Labels:       &drive.FileLabels{Trashed: true},
		Parents:      []*drive.ParentReference{{Id: "0AAroot", IsRoot: true}, {Id: "d1"}},
		Version:      9,
	}

	e := toRemoteEntry(f)
	assert.Equal(t, "f1", e.ID)
	assert.Equal(t, "a.txt", e.Name)
	assert.False(t, e.IsDir)
	assert.Equal(t, int64(5), e.Size)
	assert.True(t, e.Trashed)
	assert.Equal(t, int64(9), e.Version)
	assert.Equal(t, []string{types.RootID, "d1"}, e.Parents)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC), e.Modified)

	dir := toRemoteEntry(&drive.File{Id: "d1", MimeType: types.FolderMimeType})
	assert.True(t, dir.IsDir)
	assert.False(t, dir.Trashed)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorCode
	}{
		{"not found", &googleapi.Error{Code: 404}, errors.ErrCodeNotFound},
		{"too many requests", &googleapi.Error{Code: 429}, errors.ErrCodeRateLimited},
		{"rate limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, errors.ErrCodeRateLimited},
		{"forbidden", &googleapi.Error{Code: 403}, errors.ErrCodeAccessDenied},
		{"server error", &googleapi.Error{Code: 503}, errors.ErrCodeTransient},
		{"bad request", &googleapi.Error{Code: 400}, errors.ErrCodeRemoteProtocol},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), errors.ErrCodeOperationTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.CodeOf(translateError(tt.err, "files.get", "f1")))
		})
	}
}

func TestListFollowsPages(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		assert.Equal(t, "'root' in parents and trashed = false", r.URL.Query().Get("q"))

		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(w, map[string]any{
				"items": []any{
					fileJSON("f1", "a.txt", "text/plain", "0AAroot", true),
					fileJSON("d1", "docs", types.FolderMimeType, "0AAroot", true),
				},
				"nextPageToken": "page2",
			})
		case "page2":
			writeJSON(w, map[string]any{
				"items": []any{fileJSON("f2", "b.txt", "text/plain", "0AAroot", true)},
			})
		}
	})

	children, err := g.List(context.Background(), types.RootID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "f1", children[0].ID)
	assert.True(t, children[1].IsDir)
	assert.Equal(t, "f2", children[2].ID)
	assert.Equal(t, []string{types.RootID}, children[2].Parents)
}

func TestChangeFeed(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/about":
			writeJSON(w, map[string]any{"largestChangeId": "41"})
		case "/changes":
			assert.Equal(t, "42", r.URL.Query().Get("startChangeId"))
			writeJSON(w, map[string]any{
				"items": []any{
					map[string]any{"id": "42", "fileId": "f1", "deleted": true},
					map[string]any{"id": "43", "fileId": "f2", "file": fileJSON("f2", "b.txt", "text/plain", "d1", false)},
				},
				"largestChangeId": "43",
			})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	start, err := g.StartRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Revision(41), start)

	changes, err := g.GetAllChanges(ctx, start+1)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Removes())
	assert.Equal(t, types.Revision(42), changes[0].Revision)
	assert.Equal(t, "b.txt", changes[1].Snapshot.Name)
	assert.Equal(t, []string{"d1"}, changes[1].Snapshot.Parents)
}

func TestGetFile(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/root":
			writeJSON(w, fileJSON("0AAroot", "My Drive", types.FolderMimeType, "", false))
		case "/files/gone":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found: gone"}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	root, err := g.GetFile(ctx, types.RootID)
	require.NoError(t, err)
	assert.Equal(t, types.RootID, root.ID)
	assert.Empty(t, root.Name)
	assert.Empty(t, root.Parents)
	assert.True(t, root.IsDir)

	_, err = g.GetFile(ctx, "gone")
	assert.True(t, errors.IsNotFound(err))
}
