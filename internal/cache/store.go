package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/objectfs/driveftp/internal/logging"
	"github.com/objectfs/driveftp/internal/metrics"
	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// Config configures the metadata store.
type Config struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// Store is the transactional metadata cache. Reads run concurrently; writes
// are serialized and each public mutator is one transaction.
type Store struct {
	pool    *pool
	writeMu sync.Mutex
	logger  *zap.Logger
	metrics *metrics.Collector
}

// Open opens (creating if needed) the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, collector *metrics.Collector) (*Store, error) {
	logger = logging.OrNop(logger).With(zap.String("component", "cache"))

	p, err := openPool(PoolConfig{Path: cfg.Path, PoolSize: cfg.PoolSize}, logger)
	if err != nil {
		return nil, errors.CacheUnavailable("open", err)
	}

	s := &Store{pool: p, logger: logger, metrics: collector}
	if err := s.write(ctx, "migrate", func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	}); err != nil {
		_ = p.close()
		return nil, err
	}
	return s, nil
}

// Close releases every connection.
func (s *Store) Close() error {
	return s.pool.close()
}

// GetEntry returns the entry with the given id and its parents.
func (s *Store) GetEntry(ctx context.Context, id string) (*types.Entry, error) {
	var entry *types.Entry
	err := s.read(ctx, "get_entry", func(conn *sqlite.Conn) error {
		var err error
		entry, err = loadEntry(conn, id)
		return err
	})
	return entry, err
}

// GetChildren returns every entry with an edge to parentID, ordered by name.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]*types.Entry, error) {
	var children []*types.Entry
	err := s.read(ctx, "get_children", func(conn *sqlite.Conn) error {
		byID := make(map[string]*types.Entry)
		err := sqlitex.Execute(conn, queryChildren, &sqlitex.ExecOptions{
			Args: []any{parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e := decodeEntry(stmt)
				byID[e.ID] = e
				children = append(children, e)
				return nil
			},
		})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn, queryChildrenParents, &sqlitex.ExecOptions{
			Args: []any{parentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if e, ok := byID[stmt.ColumnText(0)]; ok {
					e.Parents = append(e.Parents, stmt.ColumnText(1))
				}
				return nil
			},
		})
	})
	return children, err
}

// GetEntryByName returns the child of parentID called name. It fails with
// AMBIGUOUS_NAME when several children share the name.
func (s *Store) GetEntryByName(ctx context.Context, parentID, name string) (*types.Entry, error) {
	var entry *types.Entry
	err := s.read(ctx, "get_entry_by_name", func(conn *sqlite.Conn) error {
		var matches []*types.Entry
		err := sqlitex.Execute(conn, queryChildByName, &sqlitex.ExecOptions{
			Args: []any{parentID, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				matches = append(matches, decodeEntry(stmt))
				return nil
			},
		})
		if err != nil {
			return err
		}
		switch len(matches) {
		case 0:
			return errors.NewError(errors.ErrCodeEntryNotFound, "no such child").
				WithContext("parent", parentID).
				WithContext("name", name)
		case 1:
			entry = matches[0]
			entry.Parents, err = loadParents(conn, entry.ID)
			return err
		default:
			return errors.NewError(errors.ErrCodeAmbiguousName, "several children share the name").
				WithContext("parent", parentID).
				WithContext("name", name)
		}
	})
	return entry, err
}

// UpsertEntry inserts or replaces the entry and replaces its parent edges.
func (s *Store) UpsertEntry(ctx context.Context, e *types.Entry) error {
	return s.write(ctx, "upsert_entry", func(conn *sqlite.Conn) error {
		return putEntry(conn, upsertEntry, e, e.Parents)
	})
}

// ReplaceChildren atomically swaps the child set of parent: edges to the old
// children are dropped, parent is upserted with its new revision, and every
// child is upserted with its edges.
func (s *Store) ReplaceChildren(ctx context.Context, parent *types.Entry, children []*types.Entry) error {
	return s.write(ctx, "replace_children", func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, deleteChildEdges, &sqlitex.ExecOptions{Args: []any{parent.ID}}); err != nil {
			return err
		}
		if err := putEntry(conn, upsertEntry, parent, parent.Parents); err != nil {
			return err
		}
		for _, child := range children {
			parents := child.Parents
			if !child.HasParent(parent.ID) {
				parents = append(append([]string(nil), parents...), parent.ID)
			}
			if err := putEntry(conn, upsertListedChild, child, parents); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEntry removes the entry and every edge where it is parent or child.
// It returns the number of entries removed (0 or 1).
func (s *Store) DeleteEntry(ctx context.Context, id string) (int, error) {
	var removed int
	err := s.write(ctx, "delete_entry", func(conn *sqlite.Conn) error {
		var err error
		removed, err = removeEntry(conn, id)
		return err
	})
	return removed, err
}

// ApplyChanges applies a batch of feed changes in order and advances the
// revision cursor to cursor, all in one transaction. Changes that remove an
// entry delete it; the others upsert their snapshot as given.
func (s *Store) ApplyChanges(ctx context.Context, changes []*types.Change, cursor types.Revision) error {
	return s.write(ctx, "apply_changes", func(conn *sqlite.Conn) error {
		for _, change := range changes {
			if change.Removes() {
				if _, err := removeEntry(conn, change.FileID); err != nil {
					return err
				}
				continue
			}
			snapshot := &change.Snapshot.Entry
			if err := putEntry(conn, upsertEntry, snapshot, snapshot.Parents); err != nil {
				return err
			}
		}
		return storeCursor(conn, cursor)
	})
}

// GetRevisionCursor returns the last fully applied change token, if any.
func (s *Store) GetRevisionCursor(ctx context.Context) (types.Revision, bool, error) {
	var (
		cursor types.Revision
		found  bool
	)
	err := s.read(ctx, "get_cursor", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queryCursor, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cursor = types.Revision(stmt.ColumnInt64(0))
				found = true
				return nil
			},
		})
	})
	return cursor, found, err
}

// SetRevisionCursor advances the cursor. Lower values are ignored.
func (s *Store) SetRevisionCursor(ctx context.Context, cursor types.Revision) error {
	return s.write(ctx, "set_cursor", func(conn *sqlite.Conn) error {
		return storeCursor(conn, cursor)
	})
}

// ListFoldersPendingBootstrap returns the ids of directories without a revision.
func (s *Store) ListFoldersPendingBootstrap(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.read(ctx, "list_pending", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queryPendingFolders, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnText(0))
				return nil
			},
		})
	})
	return ids, err
}

// Stats returns row counts and the current cursor.
func (s *Store) Stats(ctx context.Context) (types.CacheStats, error) {
	var stats types.CacheStats
	err := s.read(ctx, "stats", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, queryStats, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Entries = stmt.ColumnInt64(0)
				stats.Edges = stmt.ColumnInt64(1)
				stats.PendingFolders = stmt.ColumnInt64(2)
				stats.Cursor = types.Revision(stmt.ColumnInt64(3))
				return nil
			},
		})
	})
	return stats, err
}

// read runs fn inside a savepoint so multi-statement reads see one snapshot.
func (s *Store) read(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordCacheOperation(op, time.Since(start), err)
	}()

	conn, err := s.pool.take(ctx)
	if err != nil {
		return errors.CacheUnavailable(op, err)
	}
	defer s.pool.put(conn)

	err = s.readTx(conn, fn)
	return s.classify(op, err)
}

func (s *Store) readTx(conn *sqlite.Conn, fn func(conn *sqlite.Conn) error) (err error) {
	defer sqlitex.Save(conn)(&err)
	return fn(conn)
}

// write runs fn inside a BEGIN IMMEDIATE transaction.
func (s *Store) write(ctx context.Context, op string, fn func(conn *sqlite.Conn) error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordCacheOperation(op, time.Since(start), err)
	}()

	conn, err := s.pool.take(ctx)
	if err != nil {
		return errors.CacheUnavailable(op, err)
	}
	defer s.pool.put(conn)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.writeTx(conn, fn)
	return s.classify(op, err)
}

func (s *Store) writeTx(conn *sqlite.Conn, fn func(conn *sqlite.Conn) error) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

// classify passes domain errors through and turns storage failures into
// CACHE_UNAVAILABLE.
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var driveErr *errors.DriveError
	if stderrors.As(err, &driveErr) {
		return err
	}
	s.logger.Error("cache operation failed", zap.String("operation", op), zap.Error(err))
	return errors.CacheUnavailable(op, err)
}

func loadEntry(conn *sqlite.Conn, id string) (*types.Entry, error) {
	var entry *types.Entry
	err := sqlitex.Execute(conn, queryEntryByID, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entry = decodeEntry(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.NewError(errors.ErrCodeEntryNotFound, "entry not cached").WithContext("id", id)
	}
	entry.Parents, err = loadParents(conn, id)
	return entry, err
}

func loadParents(conn *sqlite.Conn, id string) ([]string, error) {
	var parents []string
	err := sqlitex.Execute(conn, queryParentsOf, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			parents = append(parents, stmt.ColumnText(0))
			return nil
		},
	})
	return parents, err
}

// putEntry upserts the row with query and replaces its parent edges.
func putEntry(conn *sqlite.Conn, query string, e *types.Entry, parents []string) error {
	if e.ID == "" {
		return errors.NewError(errors.ErrCodeInternalError, "cannot store an entry without id").
			WithContext("name", e.Name)
	}
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: encodeEntry(e)}); err != nil {
		return fmt.Errorf("upsert %s: %w", e.ID, err)
	}
	if err := sqlitex.Execute(conn, deleteParentEdges, &sqlitex.ExecOptions{Args: []any{e.ID}}); err != nil {
		return fmt.Errorf("clear edges of %s: %w", e.ID, err)
	}
	for _, parentID := range parents {
		if parentID == "" || parentID == e.ID {
			continue
		}
		if err := sqlitex.Execute(conn, insertEdge, &sqlitex.ExecOptions{Args: []any{e.ID, parentID}}); err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", e.ID, parentID, err)
		}
	}
	return nil
}

func removeEntry(conn *sqlite.Conn, id string) (int, error) {
	if err := sqlitex.Execute(conn, deleteEntryRow, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, fmt.Errorf("delete %s: %w", id, err)
	}
	removed := conn.Changes()
	if err := sqlitex.Execute(conn, deleteEdgesOfEntry, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return 0, fmt.Errorf("delete edges of %s: %w", id, err)
	}
	return removed, nil
}

func storeCursor(conn *sqlite.Conn, cursor types.Revision) error {
	if !cursor.IsSet() {
		return nil
	}
	return sqlitex.Execute(conn, upsertCursor, &sqlitex.ExecOptions{Args: []any{int64(cursor)}})
}
