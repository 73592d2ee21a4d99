// Package store persists messages and members.
//
// Three backends implement Store: an in-process sharded memory store, a
// SQLite store built on sqlx, and a MongoDB store that keeps messages and
// members in separate collections.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Tyrowin/chatrelay/internal/model"
)

// MessageStore is the durable, append-only collection of messages.
type MessageStore interface {
	// Append stores a message created through the send path. Missing id,
	// timestamp and status are assigned.
	Append(ctx context.Context, msg *model.Message) (*model.Message, error)
	// Import stores an externally produced message, keeping its id. It
	// reports inserted=false when a message with the same id exists.
	Import(ctx context.Context, msg *model.Message) (bool, error)
	// Messages returns one conversation ordered by ascending timestamp.
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	// All returns every stored message.
	All(ctx context.Context) ([]model.Message, error)
	// UpdateStatus sets the status of the message with the given id.
	UpdateStatus(ctx context.Context, id string, status model.Status, statusTimestamp int64) (model.MatchResult, error)
	// FindByID returns model.ErrNotFound when no message has the id.
	FindByID(ctx context.Context, id string) (*model.Message, error)
}

// MemberStore holds member identities.
type MemberStore interface {
	Members(ctx context.Context) ([]model.Member, error)
	// CreateMember returns model.ErrConflict when wa_id is already taken.
	CreateMember(ctx context.Context, member model.Member) (*model.Member, error)
}

// Store is a complete persistence backend.
type Store interface {
	MessageStore
	MemberStore
	Ping(ctx context.Context) error
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Options selects and configures a backend.
type Options struct {
	Driver        string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

// Open connects the backend named by opts.Driver and verifies it is reachable.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case DriverMongo:
		return NewMongoStore(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// prepareAppend validates a send-path message and fills in server-assigned fields.
func prepareAppend(msg *model.Message) (model.Message, error) {
	if msg == nil {
		return model.Message{}, fmt.Errorf("%w: message is required", model.ErrValidation)
	}
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}
	out := *msg
	if out.ID == "" {
		out.ID = ulid.Make().String()
	}
	applyDefaults(&out)
	return out, nil
}

// prepareImport validates an imported message. Imported ids are never generated.
func prepareImport(msg *model.Message) (model.Message, error) {
	if msg == nil {
		return model.Message{}, fmt.Errorf("%w: message is required", model.ErrValidation)
	}
	if strings.TrimSpace(msg.ID) == "" {
		return model.Message{}, fmt.Errorf("%w: id is required for imported messages", model.ErrValidation)
	}
	if err := msg.Validate(); err != nil {
		return model.Message{}, err
	}
	out := *msg
	applyDefaults(&out)
	return out, nil
}

func applyDefaults(msg *model.Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if msg.Status == "" {
		msg.Status = model.StatusSent
	}
}

// sortByTimestamp orders messages by ascending timestamp, keeping insertion
// order for equal timestamps.
func sortByTimestamp(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
