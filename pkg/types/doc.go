/*
Package types provides the core data structures and the remote gateway contract for driveftp.

# Architecture Overview

driveftp serves a remote, eventually-consistent file store as a hierarchical
filesystem. Every request is answered from a local metadata cache that a
synchronization engine keeps converging to the remote state:

	┌─────────────────────────────────────────────┐
	│      Protocol sessions / FUSE mount         │
	│         (internal/vfs, internal/fuse)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Controller                    │
	│          (internal/controller)              │
	└─────────────────────────────────────────────┘
	          │                  │            │
	┌─────────┴───┐ ┌────────────┴──┐ ┌───────┴───────┐
	│    Cache    │ │  Sync engine  │ │ Remote gateway│
	│  (SQLite)   │ │(internal/sync)│ │ (Drive, S3)   │
	└─────────────┘ └───────────────┘ └───────────────┘

# Data Structures

Entry:
Cached metadata of a file or directory. A directory whose Revision is unset
has not had its children listed yet; the synchronization engine bootstraps it.

RemoteEntry:
An Entry as reported by a gateway, with the trashed flag and a version
number used for race detection.

Change:
One item of the remote change feed, ordered by Revision.

Patch:
A rename and/or modification-time update.

# Gateway

Gateway is implemented by internal/remote/gdrive, internal/remote/s3 and the
in-memory internal/remote/memory. internal/remote wraps any of them with
retries, rate limiting and a circuit breaker.
*/
package types
