package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	minio "github.com/minio/minio-go/v7"

	"pkt.systems/docstore/internal/storage"
)

type objectReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// notFoundAwareObject maps lazily surfaced 404s from minio onto
// storage.ErrNotFound.
type notFoundAwareObject struct {
	object objectReader
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	return n, translateReadError(err)
}

func (o *notFoundAwareObject) ReadAt(p []byte, offset int64) (int, error) {
	n, err := o.object.ReadAt(p, offset)
	return n, translateReadError(err)
}

func (o *notFoundAwareObject) Seek(offset int64, whence int) (int64, error) {
	pos, err := o.object.Seek(offset, whence)
	return pos, translateReadError(err)
}

func (o *notFoundAwareObject) Close() error {
	return o.object.Close()
}

func translateReadError(err error) error {
	if err != nil && isNotFound(err) {
		return storage.ErrNotFound
	}
	return err
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		return false
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
