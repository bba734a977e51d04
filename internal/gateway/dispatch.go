package gateway

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatgate/internal/room"
)

// dispatch handles one inbound event for an authenticated connection.
//
// Postcondition: Returns false when the connection should close.
func (g *Gateway) dispatch(c *connection, frame Frame) bool {
	switch frame.Event {
	case EventCreateRoom:
		g.handleCreateRoom(c, frame)
	case EventJoinRoom:
		g.handleJoinRoom(c, frame)
	case EventLeaveRoom:
		g.handleLeaveRoom(c, frame)
	case EventSendMessage:
		g.handleSendMessage(c, frame)
	case EventDisconnect:
		c.log.Debug("client requested disconnect")
		return false
	case EventAuthenticate:
		c.log.Debug("ignoring authenticate on authenticated connection")
	default:
		c.log.Debug("unknown event dropped", zap.String("event", frame.Event))
	}
	return true
}

func (g *Gateway) handleCreateRoom(c *connection, frame Frame) {
	var p CreateRoomPayload
	if err := g.decode(frame, &p); err != nil {
		c.log.Debug("invalid create_room", zap.Error(err))
		g.reply(c, frame, CreateRoomReply{Success: false, Error: MsgInvalidPayload})
		return
	}

	roomID, err := g.rooms.CreateRoom(p.RoomName, c.sess)
	if err != nil {
		if errors.Is(err, room.ErrIDSpaceExhausted) {
			c.log.Error("room creation failed", zap.Error(err))
		} else {
			c.log.Warn("room creation failed", zap.Error(err))
		}
		g.reply(c, frame, CreateRoomReply{Success: false, Error: MsgRoomNotCreated})
		return
	}
	c.log.Info("room created", zap.String("room_id", roomID), zap.String("room_name", p.RoomName))
	g.reply(c, frame, CreateRoomReply{Success: true, RoomID: roomID})
}

func (g *Gateway) handleJoinRoom(c *connection, frame Frame) {
	var p RoomPayload
	if err := g.decode(frame, &p); err != nil {
		c.log.Debug("invalid join_room", zap.Error(err))
		g.reply(c, frame, JoinRoomReply{Success: false, Error: MsgInvalidPayload})
		return
	}

	name, err := g.rooms.JoinRoom(p.RoomID, c.sess)
	if err != nil {
		c.log.Debug("join failed", zap.String("room_id", p.RoomID), zap.Error(err))
		g.reply(c, frame, JoinRoomReply{Success: false, Error: MsgRoomNotFound})
		return
	}
	c.log.Debug("joined room", zap.String("room_id", p.RoomID))
	g.reply(c, frame, JoinRoomReply{Success: true, RoomName: name})
}

func (g *Gateway) handleLeaveRoom(c *connection, frame Frame) {
	var p RoomPayload
	if err := g.decode(frame, &p); err != nil {
		c.log.Debug("invalid leave_room", zap.Error(err))
		g.sendError(c, MsgInvalidPayload)
		return
	}
	g.rooms.LeaveRoom(p.RoomID, c.sess)
	c.log.Debug("left room", zap.String("room_id", p.RoomID))
}

func (g *Gateway) handleSendMessage(c *connection, frame Frame) {
	var p SendMessagePayload
	if err := g.decode(frame, &p); err != nil {
		c.log.Debug("invalid send_message", zap.Error(err))
		g.sendError(c, MsgInvalidPayload)
		return
	}
	if g.cfg.RequireMembership && !g.rooms.IsMember(p.RoomID, c.sess) {
		c.log.Debug("send_message from non-member dropped", zap.String("room_id", p.RoomID))
		return
	}

	// Sender comes from the bound identity, never from the payload.
	frameOut, err := EncodeFrame(EventReceiveMessage, nil, ReceiveMessagePayload{
		RoomID:    p.RoomID,
		Sender:    c.sess.Identity.DisplayName,
		Message:   p.Message,
		Timestamp: g.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		c.log.Error("encoding receive_message", zap.Error(err))
		return
	}
	delivered := g.rooms.Broadcast(p.RoomID, c.sess, frameOut)
	c.log.Debug("message broadcast",
		zap.String("room_id", p.RoomID),
		zap.Int("delivered", delivered),
	)
}
