package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a signaling message.
type MessageType string

const (
	TypeJoin        MessageType = "join"
	TypeLeave       MessageType = "leave"
	TypeChat        MessageType = "chat"
	TypeMediaUpdate MessageType = "media:update"
	TypeState       MessageType = "state"
	TypeEvent       MessageType = "event"
)

// MediaFlags carries a user's declared media state. Video and screen are
// mutually exclusive for the local user; the wire format does not enforce
// that for remote peers.
type MediaFlags struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// Envelope is the signaling message frame, both inbound and outbound.
// Which fields are populated depends on Type.
type Envelope struct {
	Type  MessageType     `json:"type"`
	User  string          `json:"user,omitempty"`
	Text  string          `json:"text,omitempty"`
	Event string          `json:"event,omitempty"`
	Media *MediaFlags     `json:"media,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the authoritative room state carried by a "state" message.
// It fully replaces participant-derived state; it is never merged.
type Snapshot struct {
	Participants []string              `json:"participants"`
	MediaStates  map[string]MediaFlags `json:"media_states"`
}

// ParseSnapshot decodes the snapshot payload of a "state" envelope.
func ParseSnapshot(env Envelope) (*Snapshot, error) {
	if env.Type != TypeState {
		return nil, fmt.Errorf("envelope is %q, not %q", env.Type, TypeState)
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	return &snap, nil
}

// Join builds the outbound join announcement.
func Join(user string) Envelope {
	return Envelope{Type: TypeJoin, User: user}
}

// Leave builds the outbound leave notification.
func Leave(user string) Envelope {
	return Envelope{Type: TypeLeave, User: user}
}

// Chat builds an outbound chat line.
func Chat(user, text string) Envelope {
	return Envelope{Type: TypeChat, User: user, Text: text}
}

// MediaUpdate builds the outbound broadcast of the local media flags.
// The broadcast is a presentation hint only; media bytes flow over the relay.
func MediaUpdate(user string, media MediaFlags) Envelope {
	return Envelope{Type: TypeMediaUpdate, User: user, Media: &media}
}
