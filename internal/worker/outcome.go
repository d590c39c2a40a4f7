package worker

import (
	"errors"
	"net/http"
)

// ErrNetwork marks failures to obtain any response from the network.
var ErrNetwork = errors.New("worker: network failure")

// FetchOutcome is the result of one network attempt: Success or
// NetworkFailure. The interface is sealed.
type FetchOutcome interface {
	fetchOutcome()
}

// Success carries the status and body kind of a response that arrived.
type Success struct {
	Status int
	Kind   BodyKind
}

// NetworkFailure means no response arrived at all.
type NetworkFailure struct {
	Err error
}

func (Success) fetchOutcome()        {}
func (NetworkFailure) fetchOutcome() {}

// Classify turns a network result into a FetchOutcome.
func Classify(resp Response, err error) FetchOutcome {
	if err != nil {
		return NetworkFailure{Err: err}
	}
	kind := resp.Kind
	if kind == "" {
		kind = KindBasic
	}
	return Success{Status: resp.Status, Kind: kind}
}

// Cacheable is true only for Success{200, Basic}.
func Cacheable(o FetchOutcome) bool {
	s, ok := o.(Success)
	return ok && s.Status == http.StatusOK && s.Kind == KindBasic
}

// NeedsFallback is true only for a NetworkFailure on a navigation request.
func NeedsFallback(o FetchOutcome, req Request) bool {
	_, failed := o.(NetworkFailure)
	return failed && req.IsNavigation()
}
