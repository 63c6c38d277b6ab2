package domain

import "errors"

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// SessionID identifies one transport connection for its lifetime.
// It is the tie-break key for offer glare, so it must be stable and
// comparable across both peers.
type SessionID string

// Member is a session's room-facing identity: the session id plus the
// display name declared at join time. The name is a label, not an
// authenticated identity.
type Member struct {
	ID   SessionID `json:"id"`
	Name string    `json:"name"`
}

func NewMember(id SessionID, name string) (Member, error) {
	if name == "" {
		return Member{}, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return Member{}, ErrDisplayNameTooLong
	}
	return Member{ID: id, Name: name}, nil
}
