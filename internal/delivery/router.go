// Package delivery decides which live connections receive each outbound
// event. Every push is best effort: an offline target or a full queue is a
// no-op for the caller, since the message store stays the fallback.
package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/telemetry"
)

// Registry is the part of the presence registry the router reads.
type Registry interface {
	Lookup(userID int64) (presence.Conn, bool)
	Connections() []presence.Conn
}

// Counter recomputes derived unseen state after a write.
type Counter interface {
	MarkSeen(ctx context.Context, senderID, receiverID int64) (int64, error)
	UnseenCountFrom(ctx context.Context, receiverID, senderID int64) (int64, error)
}

// Emitter publishes domain events.
type Emitter interface {
	Emit(ctx context.Context, eventName string, userID int64, payload any)
}

type Router struct {
	registry Registry
	store    Counter
	events   Emitter
	log      zerolog.Logger
}

func NewRouter(registry Registry, store Counter, events Emitter) *Router {
	return &Router{
		registry: registry,
		store:    store,
		events:   events,
		log:      observability.Component("delivery"),
	}
}

// RouteNewMessage pushes a persisted message to both parties and refreshes
// the receiver's unseen counter for this sender. It must only be called
// once the message is durably stored.
func (r *Router) RouteNewMessage(ctx context.Context, msg models.Message) {
	r.push(msg.ReceiverID, models.EventReceiveMessage, msg)
	if msg.SenderID != msg.ReceiverID {
		r.push(msg.SenderID, models.EventReceiveMessage, msg)
	}

	if _, online := r.registry.Lookup(msg.ReceiverID); online {
		count, err := r.store.UnseenCountFrom(ctx, msg.ReceiverID, msg.SenderID)
		if err != nil {
			r.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("unseen count after send failed")
		} else {
			r.push(msg.ReceiverID, models.EventUpdateUnseenCount, models.UnseenCount{SenderID: msg.SenderID, UnseenCount: count})
		}
	}

	r.emit(ctx, telemetry.EventMessageCreated, msg.SenderID, msg)
}

// RouteTyping forwards a typing indicator to the receiver when online.
// Indicators are never queued.
func (r *Router) RouteTyping(senderID, receiverID int64, isTyping bool) {
	event := models.EventUserStoppedTyping
	if isTyping {
		event = models.EventUserTyping
	}
	r.push(receiverID, event, models.TypingNotice{SenderID: senderID, IsTyping: isTyping})
}

// RoutePresenceChange sends the full online snapshot to every registered
// connection.
func (r *Router) RoutePresenceChange(snapshot []int64) {
	observability.SetOnlineUsers(len(snapshot))
	for _, conn := range r.registry.Connections() {
		r.send(conn, models.EventGetOnlineUsers, snapshot)
	}
	r.emit(context.Background(), telemetry.EventPresenceChanged, 0, map[string]any{"online": snapshot})
}

// PresenceChanged makes the router the registry's notifier.
func (r *Router) PresenceChanged(snapshot []int64) {
	r.RoutePresenceChange(snapshot)
}

// RouteReadReceipt marks everything from senderID to receiverID as seen and
// pushes the receiver's refreshed counter to the receiver. The sender is
// never sent a counter update.
func (r *Router) RouteReadReceipt(ctx context.Context, receiverID, senderID int64) (int64, error) {
	updated, err := r.store.MarkSeen(ctx, senderID, receiverID)
	if err != nil {
		return 0, err
	}

	count, err := r.store.UnseenCountFrom(ctx, receiverID, senderID)
	if err != nil {
		return updated, err
	}
	r.push(receiverID, models.EventUpdateUnseenCount, models.UnseenCount{SenderID: senderID, UnseenCount: count})

	if updated > 0 {
		r.emit(ctx, telemetry.EventMessageSeen, receiverID, map[string]int64{
			"senderId":   senderID,
			"receiverId": receiverID,
			"updated":    updated,
		})
	}
	return updated, nil
}

func (r *Router) push(userID int64, event string, payload any) {
	conn, ok := r.registry.Lookup(userID)
	if !ok {
		observability.IncDelivery(event, "offline")
		return
	}
	r.send(conn, event, payload)
}

func (r *Router) send(conn presence.Conn, event string, payload any) {
	if err := conn.Send(event, payload); err != nil {
		observability.IncDelivery(event, "dropped")
		lvl := r.log.Debug()
		if errors.Is(err, apperr.ErrConnectionOverflow) {
			lvl = r.log.Warn()
		}
		lvl.Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("live push dropped")
		return
	}
	observability.IncDelivery(event, "pushed")
}

func (r *Router) emit(ctx context.Context, name string, userID int64, payload any) {
	if r.events == nil {
		return
	}
	r.events.Emit(ctx, name, userID, payload)
}
