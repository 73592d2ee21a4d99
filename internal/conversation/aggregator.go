// Package conversation derives the conversation list from stored messages.
package conversation

import (
	"context"
	"sort"

	"github.com/Tyrowin/chatrelay/internal/model"
)

// Source is the part of the message store the aggregator scans.
type Source interface {
	All(ctx context.Context) ([]model.Message, error)
}

// Aggregator groups messages into conversations on every call. Nothing is
// cached, so the view always reflects the latest store state.
type Aggregator struct {
	source Source
}

// NewAggregator returns an Aggregator reading from source.
func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source}
}

// List returns every conversation sorted by id, each holding its messages in
// ascending timestamp order.
func (a *Aggregator) List(ctx context.Context) ([]model.Conversation, error) {
	msgs, err := a.source.All(ctx)
	if err != nil {
		return nil, err
	}
	return Group(msgs), nil
}

// Group performs the group-by and sort over an arbitrary slice of messages.
// Messages with equal timestamps keep their relative input order.
func Group(msgs []model.Message) []model.Conversation {
	groups := make(map[string][]model.Message)
	for _, msg := range msgs {
		groups[msg.ConversationID] = append(groups[msg.ConversationID], msg)
	}

	conversations := make([]model.Conversation, 0, len(groups))
	for id, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp < group[j].Timestamp
		})
		conversations = append(conversations, model.Conversation{ID: id, Messages: group})
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].ID < conversations[j].ID
	})
	return conversations
}
