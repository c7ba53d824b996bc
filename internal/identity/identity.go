// Package identity decides who is voting.
package identity

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tierd/tierd/internal/domain"
)

const (
	// HeaderClientID carries the anonymous browser id.
	HeaderClientID = "X-Client-ID"
	// HeaderUserID carries the authenticated user id set by the auth proxy.
	HeaderUserID = "X-User-ID"

	// SynthesizedPrefix marks ids minted by the server.
	SynthesizedPrefix = "fallback-"
)

// Sources are the places a request may carry an identity, highest priority
// first within each kind.
type Sources struct {
	UserID string

	QueryClientID  string
	BodyClientID   string
	HeaderClientID string
}

// FromRequest fills the query and header sources from r. Body fields are
// supplied by the caller after decoding.
func FromRequest(r *http.Request, bodyUserID, bodyClientID string) Sources {
	return Sources{
		UserID:         firstValid(bodyUserID, r.Header.Get(HeaderUserID)),
		QueryClientID:  r.URL.Query().Get("clientId"),
		BodyClientID:   bodyClientID,
		HeaderClientID: r.Header.Get(HeaderClientID),
	}
}

// Resolver turns request sources into a voter identity.
type Resolver struct {
	newID func() string
}

// NewResolver returns a resolver that mints uuid based fallback ids.
func NewResolver() *Resolver {
	return &Resolver{newID: uuid.NewString}
}

// Resolve prefers the user id, then the query, body and header client ids.
// When nothing usable was sent it synthesizes a fallback id, which is not
// stable across requests.
func (r *Resolver) Resolve(src Sources) domain.Identity {
	id := domain.Identity{
		UserID:   clean(src.UserID),
		ClientID: firstValid(src.QueryClientID, src.BodyClientID, src.HeaderClientID),
	}
	if id.IsZero() {
		id.ClientID = SynthesizedPrefix + r.newID()
		id.Synthesized = true
	}
	return id
}

// Lookup is Resolve without synthesis. It is used by reads, where a random id
// could never match a stored vote.
func (r *Resolver) Lookup(src Sources) (domain.Identity, bool) {
	id := domain.Identity{
		UserID:   clean(src.UserID),
		ClientID: firstValid(src.QueryClientID, src.BodyClientID, src.HeaderClientID),
	}
	return id, !id.IsZero()
}

func firstValid(values ...string) string {
	for _, v := range values {
		if c := clean(v); c != "" {
			return c
		}
	}
	return ""
}

// clean trims v and drops the placeholder strings some clients send instead
// of omitting the field.
func clean(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "undefined", "null", "server-side":
		return ""
	}
	return v
}
