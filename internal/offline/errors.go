package offline

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrPrecacheFailure matches any install failure caused by a manifest
	// resource that could not be fetched.
	ErrPrecacheFailure = errors.New("precache failure")

	// ErrNetworkUnavailable matches transport failures seen during fetch
	// interception.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotIntercepted is returned by Worker.Fetch for excluded URLs; the
	// host must send the request to the network itself.
	ErrNotIntercepted = errors.New("request not intercepted")

	// ErrOfflinePageMissing is joined with the network error when a
	// navigation fails and the generation holds no offline page.
	ErrOfflinePageMissing = errors.New("offline page not cached")
)

// PrecacheError reports which manifest path failed during install.
type PrecacheError struct {
	Path string
	Err  error
}

func (e *PrecacheError) Error() string {
	return fmt.Sprintf("precache %s: %v", e.Path, e.Err)
}

func (e *PrecacheError) Unwrap() error { return e.Err }

func (e *PrecacheError) Is(target error) bool { return target == ErrPrecacheFailure }

// NetworkError wraps a transport failure for one URL.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v: %v", e.URL, ErrNetworkUnavailable, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnavailable }
