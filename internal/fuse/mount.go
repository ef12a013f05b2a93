package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/driveftp/pkg/errors"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string `yaml:"mount_point"`
	AllowOther bool   `yaml:"allow_other"`
	Debug      bool   `yaml:"debug"`
	FSName     string `yaml:"fsname"`
	MaxWrite   int    `yaml:"max_write"`
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "driveftp"
	}
	if config.MaxWrite == 0 {
		config.MaxWrite = 128 * 1024
	}

	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     filesystem.logger,
	}
}

// Mount mounts the filesystem at the configured mount point and serves it
// in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return m.mountError("filesystem is already mounted", nil)
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	root, err := m.filesystem.Root(ctx)
	if err != nil {
		return m.mountError("failed to resolve home directory", err)
	}

	server, err := fs.Mount(m.config.MountPoint, root, m.buildFUSEOptions())
	if err != nil {
		return m.mountError("failed to mount filesystem", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("filesystem mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped", zap.String("mount_point", m.config.MountPoint))
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return m.mountError("filesystem is not mounted", nil)
	}

	m.logger.Info("unmounting filesystem", zap.String("mount_point", m.config.MountPoint))
	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return m.mountError("unmount failed", err).WithDetail("force_error", forceErr.Error())
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted checks if the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server stops.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return m.mountError("mount point cannot be empty", nil)
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return m.mountError("mount point does not exist", nil)
		}
		return m.mountError("cannot access mount point", err)
	}
	if !info.IsDir() {
		return m.mountError("mount point is not a directory", nil)
	}
	if m.isAlreadyMounted() {
		return m.mountError("mount point is already in use", nil)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	cfg := m.filesystem.config
	attrTimeout := cfg.AttrTimeout
	entryTimeout := cfg.EntryTimeout
	negativeTimeout := time.Duration(0)

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: m.config.AllowOther,
			Debug:      m.config.Debug,
			FsName:     m.config.FSName,
			Name:       "driveftp",
			MaxWrite:   m.config.MaxWrite,
		},
		AttrTimeout:     &attrTimeout,
		EntryTimeout:    &entryTimeout,
		NegativeTimeout: &negativeTimeout,
		UID:             cfg.UID,
		GID:             cfg.GID,
	}
	if cfg.ReadOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	return opts
}

// isAlreadyMounted looks for the mount point in /proc/mounts. An unreadable
// mounts table counts as not mounted.
func (m *MountManager) isAlreadyMounted() bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	mountPoint := filepath.Clean(m.config.MountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH
	return syscall.Unmount(m.config.MountPoint, 2)
}

func (m *MountManager) mountError(msg string, cause error) *errors.DriveError {
	err := errors.NewError(errors.ErrCodeMountFailed, msg).
		WithComponent("fuse").
		WithContext("mount_point", m.config.MountPoint)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// String describes the mount for logs.
func (m *MountManager) String() string {
	return fmt.Sprintf("%s on %s", m.config.FSName, m.config.MountPoint)
}
