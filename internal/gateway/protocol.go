package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server events.
const (
	EventAuthenticate = "authenticate"
	EventCreateRoom   = "create_room"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventDisconnect   = "disconnect"
)

// Server to client events.
const (
	EventAck            = "ack"
	EventConnected      = "connected"
	EventConnectError   = "connect_error"
	EventReceiveMessage = "receive_message"
	EventError          = "error"
)

// Reply and error texts visible to clients.
const (
	MsgAuthError      = "Authentication error"
	MsgRoomNotFound   = "Room not found"
	MsgInvalidPayload = "Invalid payload"
	MsgRoomNotCreated = "Room could not be created"
	MsgRateLimited    = "rate limit exceeded"
	MsgInvalidFrame   = "invalid frame"
	MsgFrameTooLarge  = "frame too large"
)

// ErrInvalidFrame is returned by DecodeFrame for input that is not a frame.
var ErrInvalidFrame = errors.New("invalid frame")

// Frame is the envelope of every message in both directions. Ack correlates a
// reply with the request that asked for one.
type Frame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses one inbound frame.
//
// Postcondition: Returns a Frame with a non-empty Event, or an error wrapping ErrInvalidFrame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	return f, nil
}

// EncodeFrame marshals an outbound frame. data may be nil.
func EncodeFrame(event string, ack *int64, data any) ([]byte, error) {
	f := Frame{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

// AuthenticatePayload carries the credential when the transport did not
// supply one at connect time.
type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

// CreateRoomPayload is the data of create_room. Any name is accepted,
// including the empty string; gateway.max_frame_bytes bounds its size.
type CreateRoomPayload struct {
	RoomName string `json:"roomName"`
}

// RoomPayload is the data of join_room and leave_room. An id that names no
// live room, empty or oversized ones included, is simply not found.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// SendMessagePayload is the data of send_message. Empty messages are relayed.
type SendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// CreateRoomReply answers create_room.
type CreateRoomReply struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JoinRoomReply answers join_room.
type JoinRoomReply struct {
	Success  bool   `json:"success"`
	RoomName string `json:"roomName,omitempty"`
	Error    string `json:"error,omitempty"`
}

// User is the public view of an Identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ConnectedPayload is sent once authentication succeeds.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	User         User   `json:"user"`
}

// MessagePayload is the data of connect_error and error.
type MessagePayload struct {
	Message string `json:"message"`
}

// ReceiveMessagePayload is fanned out to room members on send_message.
type ReceiveMessagePayload struct {
	RoomID    string `json:"roomId"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
