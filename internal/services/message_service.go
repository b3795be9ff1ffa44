package services

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dm-service/internal/apperr"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// Directory answers whether a user id exists.
type Directory interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
}

// Deliverer fans out persisted state changes to live connections.
type Deliverer interface {
	RouteNewMessage(ctx context.Context, msg models.Message)
	RouteReadReceipt(ctx context.Context, receiverID, senderID int64) (int64, error)
}

// MessageService is what the REST handlers and the gateway call.
type MessageService interface {
	Send(ctx context.Context, in models.NewMessage) (models.Message, error)
	MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error)
	Conversation(ctx context.Context, userID, peerID, beforeID int64, limit int) ([]models.Message, error)
	UnseenCount(ctx context.Context, userID int64) (int64, error)
	UnseenFrom(ctx context.Context, receiverID, senderID int64) (int64, error)
	UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error)
}

const pairShards = 64

// Messages validates, persists and routes direct messages.
type Messages struct {
	store        repositories.MessageRepository
	directory    Directory
	delivery     Deliverer
	storeTimeout time.Duration

	seed  maphash.Seed
	pairs [pairShards]sync.Mutex
}

// NewMessages builds the message service. directory may be nil, in which
// case user existence is not checked.
func NewMessages(store repositories.MessageRepository, directory Directory, delivery Deliverer, storeTimeout time.Duration) *Messages {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Messages{
		store:        store,
		directory:    directory,
		delivery:     delivery,
		storeTimeout: storeTimeout,
		seed:         maphash.MakeSeed(),
	}
}

// Send stores a message and, once stored, pushes it to whoever is online.
// A store failure is returned and nothing is pushed. The write is not
// cancelled when the caller goes away.
func (s *Messages) Send(ctx context.Context, in models.NewMessage) (models.Message, error) {
	in = in.Normalize()
	if err := validate(in); err != nil {
		return models.Message{}, err
	}

	if err := s.checkUsers(ctx, in.SenderID, in.ReceiverID); err != nil {
		return models.Message{}, err
	}

	// Hold the pair lock across persist and route so live order matches store order.
	mu := s.pairLock(in.SenderID, in.ReceiverID)
	mu.Lock()
	defer mu.Unlock()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	msg, err := s.store.Create(storeCtx, in)
	if err != nil {
		observability.IncMessageStored("error")
		return models.Message{}, err
	}
	observability.IncMessageStored("ok")

	s.delivery.RouteNewMessage(storeCtx, msg)
	return msg, nil
}

// MarkRead marks everything peer sent to the caller as seen.
func (s *Messages) MarkRead(ctx context.Context, receiverID, senderID int64) (int64, error) {
	if senderID <= 0 {
		return 0, fmt.Errorf("%w: invalid peer id", apperr.ErrValidation)
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()
	return s.delivery.RouteReadReceipt(storeCtx, receiverID, senderID)
}

func (s *Messages) Conversation(ctx context.Context, userID, peerID, beforeID int64, limit int) ([]models.Message, error) {
	if peerID <= 0 {
		return nil, fmt.Errorf("%w: invalid user id", apperr.ErrValidation)
	}
	if beforeID == 0 && limit <= 0 {
		return s.store.History(ctx, userID, peerID)
	}
	return s.store.HistoryPage(ctx, userID, peerID, beforeID, limit)
}

func (s *Messages) UnseenCount(ctx context.Context, userID int64) (int64, error) {
	return s.store.UnseenCount(ctx, userID)
}

func (s *Messages) UnseenFrom(ctx context.Context, receiverID, senderID int64) (int64, error) {
	return s.store.UnseenCountFrom(ctx, receiverID, senderID)
}

func (s *Messages) UnseenBySender(ctx context.Context, receiverID int64) ([]models.UnseenCount, error) {
	return s.store.UnseenBySender(ctx, receiverID)
}

func (s *Messages) checkUsers(ctx context.Context, ids ...int64) error {
	if s.directory == nil {
		return nil
	}
	for _, id := range ids {
		ok, err := s.directory.UserExists(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return err
			}
			log.Warn().Err(err).Int64("user_id", id).Msg("user directory lookup failed")
			return fmt.Errorf("%w: user lookup: %v", apperr.ErrUpstream, err)
		}
		if !ok {
			return fmt.Errorf("%w: user %d", apperr.ErrNotFound, id)
		}
	}
	return nil
}

// pairLock returns the shard guarding the ordered (sender, receiver) pair.
func (s *Messages) pairLock(senderID, receiverID int64) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(s.seed)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(senderID >> (8 * i))
		buf[8+i] = byte(receiverID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return &s.pairs[h.Sum64()%pairShards]
}

func validate(in models.NewMessage) error {
	if in.ReceiverID <= 0 {
		return fmt.Errorf("%w: receiver is required", apperr.ErrValidation)
	}
	if in.SenderID <= 0 {
		return fmt.Errorf("%w: sender is required", apperr.ErrValidation)
	}
	if in.SenderID == in.ReceiverID {
		return fmt.Errorf("%w: cannot message yourself", apperr.ErrValidation)
	}
	if !in.HasBody() {
		return fmt.Errorf("%w: message needs text or image", apperr.ErrValidation)
	}
	if in.Image != "" {
		u, err := url.Parse(in.Image)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: image must be an http(s) url", apperr.ErrValidation)
		}
	}
	return nil
}
