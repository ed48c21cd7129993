package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeFromOSError maps the errno contained in an error returned by the
// operating system to a gRPC status code. Errors that carry no errno,
// or an errno without an obvious counterpart, map to codes.Unknown.
func CodeFromOSError(err error) codes.Code {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return codes.Unknown
	}
	switch errno {
	case unix.ENOENT, unix.ENOTDIR:
		return codes.NotFound
	case unix.EEXIST:
		return codes.AlreadyExists
	case unix.EACCES, unix.EPERM:
		return codes.PermissionDenied
	case unix.EINVAL, unix.EBADF:
		return codes.InvalidArgument
	case unix.EAGAIN:
		return codes.Unavailable
	case unix.ENOSPC, unix.EDQUOT, unix.EMFILE, unix.ENFILE, unix.ENOMEM:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}

// StatusFromOSError converts an error returned by the operating system
// to a gRPC status, attaching a formatted message. The conversion is
// performed close to the failing system call, so that the errno is
// still available for inspection.
func StatusFromOSError(err error, format string, args ...interface{}) error {
	return status.Errorf(CodeFromOSError(err), "%s: %s", fmt.Sprintf(format, args...), err)
}
