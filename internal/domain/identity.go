package domain

// Identity is the subject of a vote: an authenticated user or an anonymous
// browser client.
type Identity struct {
	UserID   string
	ClientID string
	// Synthesized marks identities minted by the server because the caller
	// supplied none. They are not stable across requests.
	Synthesized bool
}

// Key is the half of the vote key that identifies the voter. User ids win
// over client ids.
func (i Identity) Key() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.ClientID
}

// IsZero reports whether neither id is set.
func (i Identity) IsZero() bool {
	return i.Key() == ""
}
