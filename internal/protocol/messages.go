package protocol

import "github.com/ilyakh/castroom/internal/domain"

// Server-to-client message shapes. These never arrive inbound, so they
// live outside the Decode switch.

// RoomState is sent to a session right after it joins, carrying the
// membership snapshot so a UI can render the member list immediately.
type RoomState struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	Self    string          `json:"self"`
	Members []domain.Member `json:"members"`
}

const TypeRoomState = "room_state"

// ErrorMessage notifies a sender that its envelope was rejected.
// Never fatal to the connection.
type ErrorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

const TypeError = "error"
