package controller

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/driveftp/pkg/errors"
	"github.com/objectfs/driveftp/pkg/types"
)

// downloadStream reports a finished download when it is closed.
type downloadStream struct {
	ctrl  *Controller
	entry *types.Entry
	body  io.ReadCloser

	bytes   int64
	readErr error
	once    sync.Once
}

func newDownloadStream(ctrl *Controller, entry *types.Entry, body io.ReadCloser) *downloadStream {
	return &downloadStream{ctrl: ctrl, entry: entry, body: body}
}

func (s *downloadStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	s.bytes += int64(n)
	if err != nil && err != io.EOF {
		s.readErr = err
	}
	return n, err
}

func (s *downloadStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		result := s.readErr
		if result == nil {
			result = err
		}
		s.ctrl.metrics.RecordTransfer("download", s.bytes, result)
		s.ctrl.logger.Debug("download closed",
			zap.String("id", s.entry.ID),
			zap.Int64("bytes", s.bytes),
			zap.Error(result))
	})
	return err
}

type uploadResult struct {
	remote *types.RemoteEntry
	err    error
}

// uploadStream feeds an in-flight upload through a pipe. Close joins the
// upload and caches its result.
type uploadStream struct {
	ctrl   *Controller
	entry  *types.Entry
	pipe   *io.PipeWriter
	result chan uploadResult
	cancel context.CancelFunc

	bytes     int64
	once      sync.Once
	closeErr  error
	committed *types.Entry
}

func newUploadStream(ctx context.Context, ctrl *Controller, entry *types.Entry) *uploadStream {
	uploadCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	s := &uploadStream{
		ctrl:   ctrl,
		entry:  entry,
		pipe:   pw,
		result: make(chan uploadResult, 1),
		cancel: cancel,
	}

	go func() {
		remote, err := ctrl.gateway.UploadFile(uploadCtx, entry, pr)
		// Unblock the writer if the upload stopped reading early.
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		s.result <- uploadResult{remote: remote, err: err}
	}()
	return s
}

func (s *uploadStream) Write(p []byte) (int, error) {
	n, err := s.pipe.Write(p)
	s.bytes += int64(n)
	if err != nil {
		return n, errors.NewError(errors.ErrCodeUploadFailed, "upload aborted").
			WithComponent("controller").
			WithContext("name", s.entry.Name).
			WithCause(err)
	}
	return n, nil
}

// Close ends the stream, waits up to the upload timeout for the remote
// store to commit it and caches the committed snapshot.
func (s *uploadStream) Close() error {
	s.once.Do(func() {
		s.closeErr = s.finish()
		s.cancel()
		s.ctrl.metrics.RecordTransfer("upload", s.bytes, s.closeErr)
	})
	return s.closeErr
}

// Committed returns the cached entry of a successfully closed upload.
func (s *uploadStream) Committed() *types.Entry {
	return s.committed
}

func (s *uploadStream) finish() error {
	_ = s.pipe.Close()

	timer := time.NewTimer(s.ctrl.config.UploadTimeout)
	defer timer.Stop()

	var res uploadResult
	select {
	case res = <-s.result:
	case <-timer.C:
		return errors.NewError(errors.ErrCodeOperationTimeout, "upload did not complete in time").
			WithComponent("controller").
			WithContext("name", s.entry.Name).
			WithDetail("timeout", s.ctrl.config.UploadTimeout.String())
	}

	if res.err != nil {
		s.ctrl.logger.Warn("upload failed", zap.String("name", s.entry.Name), zap.Error(res.err))
		if errors.HasCode(res.err, errors.ErrCodeUploadFailed) {
			return res.err
		}
		return errors.NewError(errors.ErrCodeUploadFailed, "upload failed").
			WithComponent("controller").
			WithContext("name", s.entry.Name).
			WithCause(res.err)
	}

	ctx := context.Background()
	committed, err := s.ctrl.confirmed(ctx, res.remote, s.entry)
	if err != nil {
		return err
	}
	if err := s.ctrl.cache.UpsertEntry(ctx, committed); err != nil {
		return err
	}
	s.committed = committed

	s.ctrl.logger.Debug("upload committed",
		zap.String("id", committed.ID),
		zap.String("name", committed.Name),
		zap.Int64("size", committed.Size))
	return nil
}
