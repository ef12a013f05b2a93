// Package gdrive implements the remote gateway on the Google Drive v2 API.
package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	drive "google.golang.org/api/drive/v2"
	"google.golang.org/api/option"

	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

const fileFields = "id,title,mimeType,fileSize,md5Checksum,modifiedDate,labels/trashed,parents(id,isRoot),version"

// Config represents Google Drive gateway configuration
type Config struct {
	CredentialsFile string `yaml:"credentials_file"`
	PageSize        int64  `yaml:"page_size"`

	// Endpoint overrides the API base URL.
	Endpoint string `yaml:"endpoint"`
}

// Gateway talks to Google Drive. Drive ids are used as entry ids, with the
// user's root folder aliased to types.RootID.
type Gateway struct {
	service  *drive.Service
	pageSize int64
	logger   *zap.Logger
}

var _ types.Gateway = (*Gateway)(nil)

// NewGateway builds a Drive client from cfg. Extra options are appended
// after the ones derived from cfg.
func NewGateway(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Gateway, error) {
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(drive.DriveScope))
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}
	clientOpts = append(clientOpts, opts...)

	service, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create drive service").
			WithComponent("gdrive").
			WithCause(err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Gateway{
		service:  service,
		pageSize: pageSize,
		logger:   logging.OrNop(logger).With(zap.String("component", "gdrive")),
	}, nil
}

// StartRevision returns the newest change id of the account.
func (g *Gateway) StartRevision(ctx context.Context) (types.Revision, error) {
	about, err := g.service.About.Get().Fields("largestChangeId").Context(ctx).Do()
	if err != nil {
		return 0, translateError(err, "about.get", "")
	}
	return types.Revision(about.LargestChangeId), nil
}

// GetAllChanges returns one page of changes starting at since.
func (g *Gateway) GetAllChanges(ctx context.Context, since types.Revision) ([]*types.Change, error) {
	list, err := g.service.Changes.List().
		StartChangeId(int64(since)).
		IncludeDeleted(true).
		IncludeSubscribed(true).
		MaxResults(g.pageSize).
		Fields("items(id,fileId,deleted,file(" + fileFields + ")),largestChangeId").
		Context(ctx).
		Do()
	if err != nil {
		return nil, translateError(err, "changes.list", "")
	}

	changes := make([]*types.Change, 0, len(list.Items))
	for _, item := range list.Items {
		change := &types.Change{
			Revision: types.Revision(item.Id),
			FileID:   item.FileId,
			Deleted:  item.Deleted,
		}
		if item.File != nil && !item.Deleted {
			change.Snapshot = toRemoteEntry(item.File)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// GetFile returns the metadata of id, trashed or not.
func (g *Gateway) GetFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	f, err := g.service.Files.Get(id).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "files.get", id)
	}
	entry := toRemoteEntry(f)
	if id == types.RootID {
		entry.ID = types.RootID
		entry.Name = ""
		entry.Parents = nil
	}
	return entry, nil
}

// List returns every non-trashed child of folderID.
func (g *Gateway) List(ctx context.Context, folderID string) ([]*types.RemoteEntry, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))

	var children []*types.RemoteEntry
	call := g.service.Files.List().
		Q(query).
		MaxResults(g.pageSize).
		Fields("items(" + fileFields + "),nextPageToken")
	err := call.Pages(ctx, func(page *drive.FileList) error {
		for _, f := range page.Items {
			children = append(children, toRemoteEntry(f))
		}
		return nil
	})
	if err != nil {
		return nil, translateError(err, "files.list", folderID)
	}
	return children, nil
}

// UploadFile inserts a new file when entry has no id, otherwise replaces
// the content of the existing file.
func (g *Gateway) UploadFile(ctx context.Context, entry *types.Entry, content io.Reader) (*types.RemoteEntry, error) {
	var (
		f   *drive.File
		err error
	)
	if entry.ID == "" {
		meta := &drive.File{Title: entry.Name, MimeType: entry.MimeType}
		for _, p := range entry.Parents {
			meta.Parents = append(meta.Parents, &drive.ParentReference{Id: p})
		}
		f, err = g.service.Files.Insert(meta).Media(content).Fields(fileFields).Context(ctx).Do()
	} else {
		f, err = g.service.Files.Update(entry.ID, &drive.File{}).Media(content).Fields(fileFields).Context(ctx).Do()
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeUploadFailed, "upload failed").
			WithComponent("gdrive").
			WithContext("name", entry.Name).
			WithCause(translateError(err, "files.upload", entry.ID))
	}
	return toRemoteEntry(f), nil
}

// PatchFile renames and/or sets the modification date of id.
func (g *Gateway) PatchFile(ctx context.Context, id string, patch types.Patch) (*types.RemoteEntry, error) {
	meta := &drive.File{}
	call := g.service.Files.Patch(id, meta).Fields(fileFields)
	if patch.Name != nil {
		meta.Title = *patch.Name
	}
	if patch.Modified != nil {
		meta.ModifiedDate = patch.Modified.UTC().Format(time.RFC3339Nano)
		call = call.SetModifiedDate(true)
	}
	f, err := call.Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "files.patch", id)
	}
	return toRemoteEntry(f), nil
}

// TrashFile moves id to the trash.
func (g *Gateway) TrashFile(ctx context.Context, id string) (*types.RemoteEntry, error) {
	f, err := g.service.Files.Trash(id).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "files.trash", id)
	}
	return toRemoteEntry(f), nil
}

// Mkdir creates a folder under parentID.
func (g *Gateway) Mkdir(ctx context.Context, parentID, name string) (*types.RemoteEntry, error) {
	meta := &drive.File{
		Title:    name,
		MimeType: types.FolderMimeType,
		Parents:  []*drive.ParentReference{{Id: parentID}},
	}
	f, err := g.service.Files.Insert(meta).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, translateError(err, "files.insert", parentID)
	}
	return toRemoteEntry(f), nil
}

// DownloadFile streams the content of entry from offset.
func (g *Gateway) DownloadFile(ctx context.Context, entry *types.Entry, offset int64) (io.ReadCloser, error) {
	if entry.IsDir {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot download a directory").WithContext("id", entry.ID)
	}
	if offset > 0 && offset >= entry.Size {
		return io.NopCloser(strings.NewReader("")), nil
	}
	call := g.service.Files.Get(entry.ID).Context(ctx)
	if offset > 0 {
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := call.Download()
	if err != nil {
		return nil, translateError(err, "files.download", entry.ID)
	}
	return resp.Body, nil
}

func toRemoteEntry(f *drive.File) *types.RemoteEntry {
	e := &types.RemoteEntry{
		Entry: types.Entry{
			ID:       f.Id,
			Name:     f.Title,
			IsDir:    f.MimeType == types.FolderMimeType,
			Size:     f.FileSize,
			MimeType: f.MimeType,
			MD5:      f.Md5Checksum,
		},
		Version: f.Version,
	}
	if f.Labels != nil {
		e.Trashed = f.Labels.Trashed
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedDate); err == nil {
		e.Modified = t.UTC()
	}
	for _, p := range f.Parents {
		if p.IsRoot {
			e.Parents = append(e.Parents, types.RootID)
		} else {
			e.Parents = append(e.Parents, p.Id)
		}
	}
	return e
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
