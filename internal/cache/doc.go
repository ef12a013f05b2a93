/*
Package cache provides the transactional metadata cache that answers every
filesystem request.

The remote store is only reachable through a polled change feed, while the
file-transfer protocol expects consistent listings on every command. This
package keeps a local copy of the remote tree in SQLite (zombiezen.com/go/sqlite)
and exposes the small set of atomic operations the synchronization engine and
the controller need.

# Schema

	entries     (id, name, is_dir, size, mime_type, md5, modified, revision)
	edges       (child_id, parent_id)        many-to-many, unique pairs
	sync_state  (revision)                   single row: the revision cursor

A NULL entries.revision on a directory means its children have not been listed
yet; ListFoldersPendingBootstrap returns exactly those directories. On a file
it means no processed change has confirmed the row.

# Transactions

Every public mutator is one BEGIN IMMEDIATE transaction. Writers are serialized
inside the process and readers run concurrently thanks to WAL mode:

	UpsertEntry      row + replacement of the entry's own parent edges
	ReplaceChildren  drop edges to old children, upsert parent, upsert children
	DeleteEntry      row + every edge where it is parent or child
	ApplyChanges     a whole feed batch + the cursor advance

The cursor is stored with max(old, new) so it never moves backwards, and
applying the same batch twice leaves the cache unchanged.

# Errors

Storage failures surface as CACHE_UNAVAILABLE. Lookups report
ENTRY_NOT_FOUND for a missing row and AMBIGUOUS_NAME when several children of
a directory share a name.

# Usage

	store, err := cache.Open(ctx, cache.Config{Path: "driveftp.db"}, logger, collector)
	if err != nil {
		return err
	}
	defer store.Close()

	children, err := store.GetChildren(ctx, types.RootID)
*/
package cache
