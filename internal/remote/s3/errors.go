package s3

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/driveftp/pkg/errors"
)

// translateError maps SDK errors onto driveftp error codes.
func translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}

	wrap := func(code errors.ErrorCode, message string) error {
		return errors.NewError(code, message).
			WithComponent("s3").
			WithOperation(operation).
			WithContext("key", key).
			WithCause(err)
	}

	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.NotFound(key).WithComponent("s3").WithOperation(operation)
	case isErrorType[*s3types.NoSuchBucket](err):
		return wrap(errors.ErrCodeInvalidConfig, "bucket not found")
	case stderrors.Is(err, context.Canceled):
		return wrap(errors.ErrCodeOperationCanceled, "request canceled")
	case stderrors.Is(err, context.DeadlineExceeded):
		return wrap(errors.ErrCodeOperationTimeout, "request timed out")
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.NotFound(key).WithComponent("s3").WithOperation(operation)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return wrap(errors.ErrCodeRateLimited, apiErr.ErrorMessage())
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return wrap(errors.ErrCodeAccessDenied, apiErr.ErrorMessage())
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return wrap(errors.ErrCodeTransient, apiErr.ErrorMessage())
		}
	}

	var status interface{ HTTPStatusCode() int }
	if stderrors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return errors.NotFound(key).WithComponent("s3").WithOperation(operation)
		case code == http.StatusTooManyRequests:
			return wrap(errors.ErrCodeRateLimited, "too many requests")
		case code == http.StatusForbidden:
			return wrap(errors.ErrCodeAccessDenied, "access denied")
		case code >= 500:
			return wrap(errors.ErrCodeTransient, http.StatusText(code))
		}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return wrap(errors.ErrCodeTransient, "network error")
	}

	return wrap(errors.ErrCodeRemoteProtocol, operation+" failed")
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
