// Package chat implements the ingress operations of the relay: sending
// messages, reading conversations, managing members and applying batch
// imports, with every write published to live subscribers after it is stored.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/conversation"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/model"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Broadcaster delivers an encoded event to every connection subscribed to
// a conversation.
type Broadcaster interface {
	Publish(ctx context.Context, conversationID string, payload []byte) error
}

// Repository is the persistence the service needs.
type Repository interface {
	store.MessageStore
	store.MemberStore
}

// Service coordinates the store and the realtime router. Writes for one
// conversation are serialized so that publishes leave in store order;
// writes for different conversations do not wait on each other.
type Service struct {
	repo          Repository
	conversations *conversation.Aggregator
	hub           Broadcaster
	locks         *keyedMutex
	logger        zerolog.Logger
}

// NewService wires a service. A nil hub means there are no live connections
// to notify, which is the case for offline imports.
func NewService(repo Repository, hub Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		conversations: conversation.NewAggregator(repo),
		hub:           hub,
		locks:         newKeyedMutex(),
		logger:        logger.With().Str("component", "chat").Logger(),
	}
}

// Send stores a new message and pushes it to the conversation's subscribers.
// The server assigns the timestamp and the initial sent status.
func (s *Service) Send(ctx context.Context, draft model.Message) (*model.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	draft.Timestamp = time.Now().UnixMilli()
	draft.Status = model.StatusSent
	draft.StatusTimestamp = nil

	unlock := s.locks.Lock(draft.ConversationID)
	defer unlock()

	stored, err := s.repo.Append(ctx, &draft)
	if err != nil {
		return nil, err
	}
	metrics.MessagesSent.Inc()
	s.logger.Debug().
		Str("id", stored.ID).
		Str("conversation_id", stored.ConversationID).
		Msg("message stored")

	s.publish(ctx, EventNewMessage, stored)
	return stored, nil
}

// Messages returns one conversation in ascending timestamp order.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	return s.repo.Messages(ctx, conversationID)
}

// Conversations returns every conversation sorted by id.
func (s *Service) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return s.conversations.List(ctx)
}

// Members lists registered members.
func (s *Service) Members(ctx context.Context) ([]model.Member, error) {
	return s.repo.Members(ctx)
}

// AddMember registers a member. Missing fields are a validation error and
// an existing wa_id is a conflict; neither changes the store.
func (s *Service) AddMember(ctx context.Context, member model.Member) (*model.Member, error) {
	member.WaID = strings.TrimSpace(member.WaID)
	member.Name = strings.TrimSpace(member.Name)
	if err := member.Validate(); err != nil {
		return nil, err
	}
	return s.repo.CreateMember(ctx, member)
}

// ImportMessage stores an externally produced message unless its id is
// already known. New messages are pushed like sent ones.
func (s *Service) ImportMessage(ctx context.Context, msg model.Message) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(msg.ConversationID)
	defer unlock()

	inserted, err := s.repo.Import(ctx, &msg)
	if err != nil || !inserted {
		return false, err
	}
	if s.hub != nil {
		stored, err := s.repo.FindByID(ctx, msg.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", msg.ID).Msg("imported message not readable for push")
			return true, nil
		}
		s.publish(ctx, EventNewMessage, stored)
	}
	return true, nil
}

// ApplyReceipt records a delivery or read receipt. A receipt for an unknown
// message reports Matched=false and is not an error. Matched receipts are
// pushed to subscribers as message_status events.
func (s *Service) ApplyReceipt(ctx context.Context, receipt model.Receipt) (model.MatchResult, error) {
	if strings.TrimSpace(receipt.ID) == "" {
		return model.MatchResult{}, fmt.Errorf("%w: receipt id is required", model.ErrValidation)
	}
	status, err := model.ParseStatus(receipt.Status)
	if err != nil {
		return model.MatchResult{}, err
	}
	statusTimestamp := receipt.Timestamp
	if statusTimestamp == 0 {
		statusTimestamp = time.Now().UnixMilli()
	}

	current, err := s.repo.FindByID(ctx, receipt.ID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.MatchResult{}, nil
		}
		return model.MatchResult{}, err
	}

	unlock := s.locks.Lock(current.ConversationID)
	defer unlock()

	res, err := s.repo.UpdateStatus(ctx, receipt.ID, status, statusTimestamp)
	if err != nil || !res.Matched {
		return res, err
	}
	if s.hub != nil {
		updated, err := s.repo.FindByID(ctx, receipt.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("id", receipt.ID).Msg("updated message not readable for push")
			return res, nil
		}
		s.publish(ctx, EventMessageStatus, updated)
	}
	return res, nil
}

// publish pushes msg to its conversation. Delivery is best effort: a failed
// publish is logged and never undoes the store write.
func (s *Service) publish(ctx context.Context, event string, msg *model.Message) {
	if s.hub == nil {
		return
	}
	payload, err := EncodeEvent(event, msg)
	if err != nil {
		s.logger.Error().Err(err).Str("id", msg.ID).Msg("encoding push event")
		return
	}
	if err := s.hub.Publish(ctx, msg.ConversationID, payload); err != nil {
		s.logger.Warn().Err(err).
			Str("event", event).
			Str("conversation_id", msg.ConversationID).
			Msg("push failed")
	}
}
