// Package mediacache keeps the fragments of recently seen media groups so
// that a handler triggered by one fragment can find its siblings.
package mediacache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
)

const (
	DefaultMaxEntries = 1024
	DefaultTTL        = 10 * time.Minute
)

// Key identifies one logical submission inside a conversation.
type Key struct {
	ChatID  int64
	GroupID string
}

// KeyOf derives the cache key of a fragment. Fragments outside a media group
// are singleton groups keyed by their message id.
func KeyOf(f domain.Fragment) Key {
	if f.InGroup() {
		return Key{ChatID: f.ChatID, GroupID: f.MediaGroupID}
	}
	return Key{ChatID: f.ChatID, GroupID: "msg:" + strconv.Itoa(f.MessageID)}
}

func (k Key) String() string {
	return strconv.FormatInt(k.ChatID, 10) + "/" + k.GroupID
}

// Store is an append-only-per-key fragment store. Record is idempotent by
// message id and preserves receipt order.
type Store interface {
	// Record stores f under KeyOf(f) and returns the fragment count for that key.
	Record(ctx context.Context, f domain.Fragment) (int, error)
	Count(ctx context.Context, key Key) (int, error)
	// Fragments returns the fragments for key in receipt order.
	Fragments(ctx context.Context, key Key) ([]domain.Fragment, error)
	Close() error
}

// Config selects and sizes a Store.
type Config struct {
	Backend    string // "memory" | "sqlite"
	MaxEntries int
	TTL        time.Duration
	DSN        string // sqlite only
	Logger     *slog.Logger
}

// Open builds the Store described by cfg.
func Open(cfg Config) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.MaxEntries, cfg.TTL), nil
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, cfg.MaxEntries, cfg.TTL, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
