/*
Package fuse mounts a driveftp session as a local filesystem.

The package translates kernel FUSE requests into operations on a vfs.View,
so a mounted tree shows the same sanitized and collision-encoded names as
every other session. It is built on github.com/hanwen/go-fuse/v2.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Kernel VFS / FUSE driver             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     Node, readHandle, writeHandle           │  ← This Package
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│       vfs.View → controller → cache         │
	└─────────────────────────────────────────────┘

# File Content

Reads are streamed from the remote store. A read at an offset other than the
end of the previous read reopens the download at that offset.

Writes replace the whole file. Data must arrive sequentially from offset zero
and is piped into a single upload that commits on the first flush; the upload
result is reported to close(2). Random writes fail with ENOTSUP.

# Limitations

  - Rename only works inside one directory (EXDEV otherwise).
  - Truncation is only supported to size zero.
  - Permissions are fixed per mount (UID, GID, FileMode, DirMode).

# Usage

	fsys := fuse.NewFileSystem(view, &fuse.Config{UID: uid, GID: gid}, logger)
	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: "/mnt/drive"})
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
*/
package fuse
