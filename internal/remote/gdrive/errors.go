package gdrive

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/objectfs/driveftp/pkg/errors"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"userRateLimitExceeded":    true,
	"sharingRateLimitExceeded": true,
}

// translateError maps Drive API errors onto driveftp error codes.
func translateError(err error, operation, id string) error {
	if err == nil {
		return nil
	}

	wrap := func(code errors.ErrorCode, message string) error {
		e := errors.NewError(code, message).
			WithComponent("gdrive").
			WithOperation(operation).
			WithCause(err)
		if id != "" {
			e = e.WithContext("id", id)
		}
		return e
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return wrap(errors.ErrCodeOperationCanceled, "request canceled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return wrap(errors.ErrCodeOperationTimeout, "request timed out")
	}

	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return errors.NotFound(id).WithComponent("gdrive").WithOperation(operation)
		case apiErr.Code == http.StatusTooManyRequests:
			return wrap(errors.ErrCodeRateLimited, apiErr.Message)
		case apiErr.Code == http.StatusForbidden && hasRateLimitReason(apiErr):
			return wrap(errors.ErrCodeRateLimited, apiErr.Message)
		case apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusForbidden:
			return wrap(errors.ErrCodeAccessDenied, apiErr.Message)
		case apiErr.Code >= 500:
			return wrap(errors.ErrCodeTransient, apiErr.Message)
		default:
			return wrap(errors.ErrCodeRemoteProtocol, apiErr.Message)
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return wrap(errors.ErrCodeTransient, "network error")
	}
	return wrap(errors.ErrCodeRemoteProtocol, operation+" failed")
}

func hasRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return false
}
