package worker

import (
	"net/http"
	"time"

	"github.com/l0p7/shellcache/internal/worker/storage"
)

// BodyKind is the kind of a fetched response body.
type BodyKind string

const (
	// KindBasic is a same-origin response with a readable body.
	KindBasic BodyKind = "basic"
	// KindOpaque is a response whose redirect left the origin; its body is
	// not exposed.
	KindOpaque BodyKind = "opaque"
	// KindError is a response whose body could not be read.
	KindError BodyKind = "error"
)

// Response is a fully buffered HTTP response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
	Kind   BodyKind
}

// Clone deep-copies the response so a stored copy and the returned copy never
// share buffers.
func (r Response) Clone() Response {
	out := r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// entry is the stored form of the response. Cookies set for the client that
// triggered the fetch are dropped.
func (r Response) entry() storage.Entry {
	header := r.Header.Clone()
	for _, name := range userHeaders {
		header.Del(name)
	}
	return storage.Entry{
		URL:      r.URL,
		Status:   r.Status,
		Header:   map[string][]string(header),
		Body:     append([]byte(nil), r.Body...),
		Kind:     string(r.Kind),
		StoredAt: time.Now().UTC(),
	}
}

func responseFromEntry(e storage.Entry) Response {
	return Response{
		URL:    e.URL,
		Status: e.Status,
		Header: http.Header(e.Header).Clone(),
		Body:   e.Body,
		Kind:   BodyKind(e.Kind),
	}
}
