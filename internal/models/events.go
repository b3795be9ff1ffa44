package models

import "encoding/json"

// Inbound websocket events.
const (
	EventSendMessage = "sendMessage"
	EventTyping      = "typing"
	EventStopTyping  = "stopTyping"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventDisconnect  = "disconnect"
	EventMarkSeen    = "markSeen"
)

// Outbound websocket events.
const (
	EventReceiveMessage    = "receiveMessage"
	EventGetOnlineUsers    = "getOnlineUsers"
	EventUpdateUnseenCount = "updateUnseenCount"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventMessageSent       = "messageSent"
	EventError             = "error"
)

// Envelope is the inbound frame: the payload is decoded once the event is known.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is the outbound frame written to a connection.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SendMessagePayload is the body of a sendMessage event.
type SendMessagePayload struct {
	SenderID   int64  `json:"senderId,omitempty"`
	ReceiverID int64  `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
	ClientRef  string `json:"clientRef,omitempty"`
}

// TypingPayload is the body of typing and stopTyping events.
type TypingPayload struct {
	SenderID   int64 `json:"senderId,omitempty"`
	ReceiverID int64 `json:"receiverId"`
	IsTyping   bool  `json:"isTyping"`
}

// RoomPayload is the body of joinRoom and leaveRoom events.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// MarkSeenPayload asks to mark everything from SenderID as seen.
type MarkSeenPayload struct {
	SenderID int64 `json:"senderId"`
}

// TypingNotice is pushed to the receiver of a typing indicator.
type TypingNotice struct {
	SenderID int64 `json:"senderId"`
	IsTyping bool  `json:"isTyping"`
}

// MessageSent acknowledges a sendMessage to the originating connection.
type MessageSent struct {
	ClientRef string  `json:"clientRef,omitempty"`
	Message   Message `json:"message"`
}

// ErrorPayload reports a rejected request to the originating connection.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"clientRef,omitempty"`
}
