package cache

// schema creates the metadata tables. entries.revision is NULL for a
// directory whose children have not been listed and for a file not yet
// confirmed by a processed change. sync_state holds a single row with the
// revision cursor.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	is_dir    INTEGER NOT NULL,
	size      INTEGER NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	md5       TEXT,
	modified  INTEGER NOT NULL,
	revision  INTEGER
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS entries_name ON entries (name);
CREATE INDEX IF NOT EXISTS entries_pending ON entries (is_dir) WHERE revision IS NULL;

CREATE TABLE IF NOT EXISTS edges (
	child_id  TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	PRIMARY KEY (child_id, parent_id)
) WITHOUT ROWID;

CREATE INDEX IF NOT EXISTS edges_parent ON edges (parent_id, child_id);

CREATE TABLE IF NOT EXISTS sync_state (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
);
`

const entryColumns = `id, name, is_dir, size, mime_type, md5, modified, revision`

const (
	queryEntryByID = `SELECT ` + entryColumns + ` FROM entries WHERE id = ?`

	queryParentsOf = `SELECT parent_id FROM edges WHERE child_id = ? ORDER BY parent_id`

	queryChildren = `
		SELECT e.id, e.name, e.is_dir, e.size, e.mime_type, e.md5, e.modified, e.revision
		FROM entries e JOIN edges g ON g.child_id = e.id
		WHERE g.parent_id = ?
		ORDER BY e.name, e.id`

	queryChildrenParents = `
		SELECT p.child_id, p.parent_id
		FROM edges p JOIN edges g ON g.child_id = p.child_id
		WHERE g.parent_id = ?
		ORDER BY p.child_id, p.parent_id`

	queryChildByName = `
		SELECT e.id, e.name, e.is_dir, e.size, e.mime_type, e.md5, e.modified, e.revision
		FROM entries e JOIN edges g ON g.child_id = e.id
		WHERE g.parent_id = ? AND e.name = ?
		LIMIT 2`

	queryPendingFolders = `SELECT id FROM entries WHERE is_dir = 1 AND revision IS NULL ORDER BY id`

	upsertEntry = `
		INSERT INTO entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_dir = excluded.is_dir,
			size = excluded.size,
			mime_type = excluded.mime_type,
			md5 = excluded.md5,
			modified = excluded.modified,
			revision = excluded.revision`

	// upsertListedChild keeps the revision of a directory that was already
	// bootstrapped when its parent is listed again.
	upsertListedChild = `
		INSERT INTO entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_dir = excluded.is_dir,
			size = excluded.size,
			mime_type = excluded.mime_type,
			md5 = excluded.md5,
			modified = excluded.modified,
			revision = CASE
				WHEN excluded.is_dir = 1 AND excluded.revision IS NULL THEN entries.revision
				ELSE excluded.revision
			END`

	deleteEntryRow     = `DELETE FROM entries WHERE id = ?`
	deleteEdgesOfEntry = `DELETE FROM edges WHERE child_id = ?1 OR parent_id = ?1`
	deleteParentEdges  = `DELETE FROM edges WHERE child_id = ?`
	deleteChildEdges   = `DELETE FROM edges WHERE parent_id = ?`
	insertEdge         = `INSERT OR IGNORE INTO edges (child_id, parent_id) VALUES (?, ?)`

	queryCursor = `SELECT revision FROM sync_state WHERE id = 1`

	// The cursor never moves backwards.
	upsertCursor = `
		INSERT INTO sync_state (id, revision) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET revision = max(revision, excluded.revision)`

	queryStats = `
		SELECT
			(SELECT count(*) FROM entries),
			(SELECT count(*) FROM edges),
			(SELECT count(*) FROM entries WHERE is_dir = 1 AND revision IS NULL),
			(SELECT coalesce(max(revision), 0) FROM sync_state)`
)
