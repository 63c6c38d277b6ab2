package core

import "github.com/ilyakh/castroom/internal/domain"

type session struct {
	member domain.Member
	signal SignalConnection
}

// NewSession binds a member identity to its signaling endpoint.
func NewSession(m domain.Member, sc SignalConnection) Session {
	return &session{member: m, signal: sc}
}

func (s *session) Member() domain.Member    { return s.member }
func (s *session) Signal() SignalConnection { return s.signal }
