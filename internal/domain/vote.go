package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidVote is returned for vote values other than +1 and -1.
	ErrInvalidVote = errors.New("domain: vote value must be 1 or -1")
	// ErrMissingProduct is returned when a vote carries no product id.
	ErrMissingProduct = errors.New("domain: product id is required")
	// ErrMissingIdentity is returned when a vote carries no voter identity.
	ErrMissingIdentity = errors.New("domain: voter identity is required")
	// ErrUnknownProduct is returned by maintenance operations on a product
	// the ledger has never seen.
	ErrUnknownProduct = errors.New("domain: unknown product")
)

// VoteValue is the direction of a single vote.
type VoteValue int8

const (
	Up   VoteValue = 1
	Down VoteValue = -1
)

// ParseVoteValue validates a raw vote value coming from a client.
func ParseVoteValue(raw int) (VoteValue, error) {
	switch raw {
	case int(Up):
		return Up, nil
	case int(Down):
		return Down, nil
	default:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidVote, raw)
	}
}

// Valid reports whether v is one of Up or Down.
func (v VoteValue) Valid() bool {
	return v == Up || v == Down
}

func (v VoteValue) String() string {
	switch v {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("VoteValue(%d)", int8(v))
	}
}

// Ptr returns a pointer to a copy of v.
func (v VoteValue) Ptr() *VoteValue {
	return &v
}

// Aggregate is the cached upvote/downvote counters attached to a product.
type Aggregate struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
}

// Score is always derived, never stored.
func (a Aggregate) Score() int64 {
	return a.Upvotes - a.Downvotes
}

// Apply moves a between two vote states of a single voter. It is used by
// stores that keep counters incrementally rather than recounting.
func (a Aggregate) Apply(prev, next *VoteValue) Aggregate {
	a = a.adjust(prev, -1)
	a = a.adjust(next, 1)
	return a
}

func (a Aggregate) adjust(v *VoteValue, delta int64) Aggregate {
	if v == nil {
		return a
	}
	switch *v {
	case Up:
		a.Upvotes = max(a.Upvotes+delta, 0)
	case Down:
		a.Downvotes = max(a.Downvotes+delta, 0)
	}
	return a
}

// Action describes what a cast did to the voter's vote.
type Action string

const (
	ActionCreated   Action = "created"
	ActionRemoved   Action = "removed"
	ActionSwitched  Action = "switched"
	ActionUnchanged Action = "unchanged"
)

// Transition is the one mutation rule shared by every vote store.
//
// requested == nil is an explicit removal and is idempotent. Requesting the
// value the voter already holds toggles the vote off.
func Transition(existing, requested *VoteValue) (*VoteValue, Action) {
	switch {
	case requested == nil && existing == nil:
		return nil, ActionUnchanged
	case requested == nil:
		return nil, ActionRemoved
	case existing == nil:
		return requested.Ptr(), ActionCreated
	case *existing == *requested:
		return nil, ActionRemoved
	default:
		return requested.Ptr(), ActionSwitched
	}
}

// CastResult is returned by every successful vote mutation.
type CastResult struct {
	ProductID string
	Aggregate Aggregate
	Vote      *VoteValue
	Action    Action
	// Store names the ledger that served the cast.
	Store string
}

// VoteEvent is an append-only audit entry written on every mutation.
type VoteEvent struct {
	ProductID string `json:"productId"`
	Voter     string `json:"voterIdentity"`
	// ClientID is the client the vote was cast from, if known.
	ClientID  string     `json:"clientId,omitempty"`
	Value     *VoteValue `json:"voteType"`
	Timestamp time.Time  `json:"timestamp"`
}

// VoteKey is the composite key used by the file ledger: "{product}:{voter}".
func VoteKey(productID, voter string) string {
	return productID + ":" + voter
}

// SplitVoteKey reverses VoteKey. Product ids never contain ':' but voter
// identities may, so the first separator wins.
func SplitVoteKey(key string) (productID, voter string, ok bool) {
	productID, voter, ok = strings.Cut(key, ":")
	if !ok || productID == "" || voter == "" {
		return "", "", false
	}
	return productID, voter, true
}

// NormalizeProductID trims a client supplied product id and rejects empty ids.
func NormalizeProductID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrMissingProduct
	}
	if strings.Contains(id, ":") {
		return "", fmt.Errorf("%w: must not contain ':'", ErrMissingProduct)
	}
	return id, nil
}
