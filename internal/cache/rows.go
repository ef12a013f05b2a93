package cache

import (
	"time"

	"zombiezen.com/go/sqlite"

	"github.com/objectfs/driveftp/pkg/types"
)

// encodeEntry returns the bind arguments for entryColumns.
func encodeEntry(e *types.Entry) []any {
	var md5 any
	if e.MD5 != "" {
		md5 = e.MD5
	}
	var revision any
	if e.Revision.IsSet() {
		revision = int64(e.Revision)
	}
	return []any{
		e.ID,
		e.Name,
		e.IsDir,
		e.Size,
		e.MimeType,
		md5,
		e.Modified.UnixMilli(),
		revision,
	}
}

// decodeEntry reads a row selected with entryColumns. Parents are filled in
// by the caller.
func decodeEntry(stmt *sqlite.Stmt) *types.Entry {
	e := &types.Entry{
		ID:       stmt.ColumnText(0),
		Name:     stmt.ColumnText(1),
		IsDir:    stmt.ColumnInt(2) != 0,
		Size:     stmt.ColumnInt64(3),
		MimeType: stmt.ColumnText(4),
		Modified: time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	}
	if !stmt.ColumnIsNull(5) {
		e.MD5 = stmt.ColumnText(5)
	}
	if !stmt.ColumnIsNull(7) {
		e.Revision = types.Revision(stmt.ColumnInt64(7))
	}
	return e
}
