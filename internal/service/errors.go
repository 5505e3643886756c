package service

import (
	"context"
	"errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"pkt.systems/docstore/internal/storage"
)

// lockRetryHint is the back-off suggested to callers that lost the race for
// the index lock.
const lockRetryHint = time.Second

var errTenantRequired = status.Error(codes.InvalidArgument, "tenant_id is required")

// toStatus maps storage error kinds onto gRPC status codes. Errors that
// already carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	msg := err.Error()
	switch {
	case errors.Is(err, storage.ErrLockContended):
		st := status.New(codes.Unavailable, msg)
		if detailed, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(lockRetryHint)}); derr == nil {
			st = detailed
		}
		return st.Err()
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case storage.IsTransient(err):
		return status.Error(codes.Unavailable, msg)
	}
	switch storage.KindOf(err) {
	case storage.KindInvalidArgument:
		return status.Error(codes.InvalidArgument, msg)
	case storage.KindNotFound:
		return status.Error(codes.NotFound, msg)
	case storage.KindLock:
		return status.Error(codes.FailedPrecondition, msg)
	case storage.KindSerialization:
		return status.Error(codes.DataLoss, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

// RetryDelay extracts the RetryInfo hint from a status error.
func RetryDelay(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}
