// Package domain contains entity types without logic, just meta-data.
package domain

// RoomID is an opaque room identifier. Rooms are created on first join
// and destroyed when the last member leaves; the id itself carries no
// structure the relay inspects.
type RoomID string
