package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/snapcache/internal/store"
)

// Kind classifies a failed resolution.
type Kind int

const (
	KindStoreUnavailable Kind = iota + 1
	KindQueryFailed
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindQueryFailed:
		return "query_failed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQueryFailed      = errors.New("query failed")
	ErrTimeout          = errors.New("timeout")
)

// FetchError is returned by Resolve when the dataset could not be produced.
// errors.Is matches both the kind sentinel and the underlying cause.
type FetchError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("resolve %s: %s: %v", e.Key, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// Retryable reports whether the same call may succeed later.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindStoreUnavailable
}

func (k Kind) sentinel() error {
	switch k {
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	case KindTimeout:
		return ErrTimeout
	default:
		return ErrQueryFailed
	}
}

// IsRetryable reports whether err is a retryable FetchError.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

// KindOf returns the kind of a FetchError, or zero for other errors.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func classify(key string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindQueryFailed
	switch {
	case errors.Is(err, store.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		kind = KindTimeout
	case errors.Is(err, store.ErrUnavailable):
		kind = KindStoreUnavailable
	}
	return &FetchError{Kind: kind, Key: key, Err: err}
}

func timeoutError(ctx context.Context, key string) *FetchError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return &FetchError{Kind: KindTimeout, Key: key, Err: cause}
}
