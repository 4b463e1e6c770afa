// Package aggregator rebuilds one logical request from the separate messages
// of a Telegram media group.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/mediacache"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/metrics"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultDebounce is how long a first observer waits for sibling fragments.
const DefaultDebounce = 800 * time.Millisecond

const resolveConcurrency = 4

// Resolver downloads a platform file to a local path.
type Resolver interface {
	ResolveMedia(ctx context.Context, chatID int64, ref domain.MediaRef) (string, error)
}

// Config configures an Aggregator.
type Config struct {
	Cache    mediacache.Store
	Resolver Resolver
	Debounce time.Duration
	Logger   *slog.Logger
}

// Aggregator merges the fragments of a media group (and of the group the
// trigger replies to) into one Result.
type Aggregator struct {
	cache    mediacache.Store
	resolver Resolver
	debounce time.Duration
	logger   *slog.Logger
	flight   singleflight.Group
	sleep    func(time.Duration)
}

// Result is the merged request: the prompt and local media paths per kind.
type Result struct {
	Prompt    string
	Media     map[domain.MediaKind][]string
	Fragments int // fragments merged, trigger and reply groups combined
}

// HasMedia reports whether any media kind has at least one path.
func (r *Result) HasMedia() bool {
	for _, paths := range r.Media {
		if len(paths) > 0 {
			return true
		}
	}
	return false
}

// Paths returns the paths for kind, or nil.
func (r *Result) Paths(kind domain.MediaKind) []string {
	return r.Media[kind]
}

// groupMedia is one group's resolved media. It may be shared between
// coalesced callers and must not be mutated.
type groupMedia struct {
	media     map[domain.MediaKind][]string
	fragments int
}

func New(cfg Config) *Aggregator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		cache:    cfg.Cache,
		resolver: cfg.Resolver,
		debounce: cfg.Debounce,
		logger:   cfg.Logger,
		sleep:    time.Sleep,
	}
}

// Record stores a fragment without collecting it. The generic message path
// uses it so that a command handler racing on the same group can see it.
func (a *Aggregator) Record(ctx context.Context, f domain.Fragment) (int, error) {
	return a.cache.Record(ctx, f)
}

// Collect returns the media that trigger shares its submission with, followed
// by the media of the message it replies to. Partial groups are not an error.
func (a *Aggregator) Collect(ctx context.Context, prompt string, trigger domain.Fragment) (*Result, error) {
	res := &Result{Prompt: prompt, Media: make(map[domain.MediaKind][]string)}

	own, err := a.collectGroup(ctx, trigger)
	if err != nil {
		return nil, err
	}
	res.merge(own)

	if trigger.ReplyTo != nil {
		reply, err := a.collectGroup(ctx, *trigger.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("collect replied-to group: %w", err)
		}
		res.merge(reply)
	}

	metrics.FragmentsMerged.Add(int64(res.Fragments))
	return res, nil
}

func (a *Aggregator) collectGroup(ctx context.Context, f domain.Fragment) (*groupMedia, error) {
	if _, err := a.cache.Record(ctx, f); err != nil {
		return nil, fmt.Errorf("record fragment: %w", err)
	}
	if !f.InGroup() {
		return a.resolve(ctx, []domain.Fragment{f}), nil
	}

	key := mediacache.KeyOf(f)
	v, err, shared := a.flight.Do(key.String(), func() (any, error) {
		return a.gather(ctx, key, f)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		a.logger.Debug("media group merged by concurrent handler", "group", key.String())
	}
	return v.(*groupMedia), nil
}

// gather waits for siblings when this caller looks like the first observer,
// then resolves everything the cache holds for key.
func (a *Aggregator) gather(ctx context.Context, key mediacache.Key, trigger domain.Fragment) (*groupMedia, error) {
	count, err := a.cache.Count(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("count fragments: %w", err)
	}
	if count <= 1 {
		a.logger.Debug("media group incomplete, waiting for siblings",
			"group", key.String(), "count", count, "wait", a.debounce)
		metrics.DebounceWaits.Inc()
		a.sleep(a.debounce)
	}

	frags, err := a.cache.Fragments(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load fragments: %w", err)
	}
	if !containsMessage(frags, trigger.MessageID) {
		// Evicted between record and read; the trigger still belongs to its own group.
		frags = append(frags, trigger)
	}

	a.logger.Info("processing media group", "group", key.String(), "fragments", len(frags))
	return a.resolve(ctx, frags), nil
}

// resolve downloads all media of frags, keeping fragment order within each
// kind. Files that fail to resolve are skipped.
func (a *Aggregator) resolve(ctx context.Context, frags []domain.Fragment) *groupMedia {
	type slot struct {
		kind domain.MediaKind
		path string
	}
	var refs []domain.MediaRef
	var chats []int64
	for _, f := range frags {
		for _, ref := range f.Media {
			refs = append(refs, ref)
			chats = append(chats, f.ChatID)
		}
	}

	slots := make([]slot, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			path, err := a.resolver.ResolveMedia(gctx, chats[i], ref)
			if err != nil {
				a.logger.Warn("media download failed", "kind", ref.Kind, "file_id", ref.FileID, "err", err)
				return nil
			}
			slots[i] = slot{kind: ref.Kind, path: path}
			return nil
		})
	}
	_ = g.Wait()

	out := &groupMedia{media: make(map[domain.MediaKind][]string), fragments: len(frags)}
	for _, s := range slots {
		if s.path != "" {
			out.media[s.kind] = append(out.media[s.kind], s.path)
		}
	}
	return out
}

// merge appends g's media after what r already holds, kind by kind.
func (r *Result) merge(g *groupMedia) {
	for kind, paths := range g.media {
		r.Media[kind] = append(r.Media[kind], paths...)
	}
	r.Fragments += g.fragments
}

func containsMessage(frags []domain.Fragment, messageID int) bool {
	for _, f := range frags {
		if f.MessageID == messageID {
			return true
		}
	}
	return false
}
