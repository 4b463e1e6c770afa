package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"
	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/mediacache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeResolver maps a file id to "/local/<file id>".
type fakeResolver struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (r *fakeResolver) ResolveMedia(_ context.Context, _ int64, ref domain.MediaRef) (string, error) {
	r.calls.Add(1)
	if r.fail[ref.FileID] {
		return "", errors.New("telegram file unavailable")
	}
	return "/local/" + ref.FileID, nil
}

type harness struct {
	agg      *Aggregator
	resolver *fakeResolver
	waits    []time.Duration
	mu       sync.Mutex
	onSleep  func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{resolver: &fakeResolver{fail: map[string]bool{}}}
	h.agg = New(Config{
		Cache:    mediacache.NewMemoryStore(100, time.Minute),
		Resolver: h.resolver,
		Debounce: 800 * time.Millisecond,
		Logger:   testLogger(),
	})
	h.agg.sleep = func(d time.Duration) {
		h.mu.Lock()
		h.waits = append(h.waits, d)
		fn := h.onSleep
		h.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return h
}

func (h *harness) waitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waits)
}

func photo(msgID int, group string) domain.Fragment {
	return domain.Fragment{
		ChatID:       42,
		MessageID:    msgID,
		MediaGroupID: group,
		Media:        []domain.MediaRef{{Kind: domain.MediaPhoto, FileID: fmt.Sprintf("p%d", msgID)}},
	}
}

func TestCollect_SingleFragmentWithoutGroupDoesNotWait(t *testing.T) {
	h := newHarness(t)
	trigger := domain.Fragment{ChatID: 42, MessageID: 1, Text: "/imagine a red fox"}

	res, err := h.agg.Collect(context.Background(), "a red fox", trigger)
	require.NoError(t, err)

	assert.Equal(t, "a red fox", res.Prompt)
	assert.Equal(t, 1, res.Fragments)
	assert.False(t, res.HasMedia())
	assert.Empty(t, res.Media)
	assert.Zero(t, h.waitCount())
}

func TestCollect_FirstObserverWaitsForSiblings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trigger := photo(10, "g1")
	trigger.Caption = "/imagine"

	// Siblings land while the trigger's handler is inside the debounce window.
	h.onSleep = func() {
		_, _ = h.agg.Record(ctx, photo(11, "g1"))
		_, _ = h.agg.Record(ctx, photo(12, "g1"))
	}

	res, err := h.agg.Collect(ctx, "", trigger)
	require.NoError(t, err)

	require.Equal(t, 1, h.waitCount())
	assert.Equal(t, 800*time.Millisecond, h.waits[0])
	assert.Equal(t, 3, res.Fragments)
	assert.Equal(t, []string{"/local/p10", "/local/p11", "/local/p12"}, res.Paths(domain.MediaPhoto))
}

func TestCollect_SkipsWaitWhenGroupAlreadyAccumulated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.agg.Record(ctx, photo(11, "g1"))
	_, _ = h.agg.Record(ctx, photo(12, "g1"))

	res, err := h.agg.Collect(ctx, "", photo(13, "g1"))
	require.NoError(t, err)

	assert.Zero(t, h.waitCount())
	assert.Equal(t, []string{"/local/p11", "/local/p12", "/local/p13"}, res.Paths(domain.MediaPhoto))
}

func TestCollect_MergesWholeGroupInReceiptOrderWhicheverFragmentTriggers(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for k := 0; k < n; k++ {
			t.Run(fmt.Sprintf("n=%d/trigger=%d", n, k), func(t *testing.T) {
				h := newHarness(t)
				ctx := context.Background()

				frags := make([]domain.Fragment, n)
				want := make([]string, n)
				for i := range frags {
					frags[i] = photo(100+i, "album")
					want[i] = fmt.Sprintf("/local/p%d", 100+i)
					_, err := h.agg.Record(ctx, frags[i])
					require.NoError(t, err)
				}

				res, err := h.agg.Collect(ctx, "", frags[k])
				require.NoError(t, err)
				assert.Equal(t, want, res.Paths(domain.MediaPhoto))
				assert.Equal(t, n, res.Fragments)
			})
		}
	}
}

func TestCollect_AppendsReplyMediaAfterTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	replied := photo(1, "old")
	_, _ = h.agg.Record(ctx, replied)
	_, _ = h.agg.Record(ctx, photo(2, "old"))

	trigger := domain.Fragment{
		ChatID:    42,
		MessageID: 9,
		Caption:   "/imagine blend these",
		Media: []domain.MediaRef{
			{Kind: domain.MediaPhoto, FileID: "t-photo"},
			{Kind: domain.MediaDocument, FileID: "t-doc"},
		},
		ReplyTo: &replied,
	}

	res, err := h.agg.Collect(ctx, "blend these", trigger)
	require.NoError(t, err)

	assert.Equal(t, []string{"/local/t-photo", "/local/p1", "/local/p2"}, res.Paths(domain.MediaPhoto))
	assert.Equal(t, []string{"/local/t-doc"}, res.Paths(domain.MediaDocument))
	assert.Equal(t, 3, res.Fragments)
}

func TestCollect_ReplyMediaIsNotDeduplicatedAgainstTrigger(t *testing.T) {
	h := newHarness(t)
	replied := domain.Fragment{ChatID: 42, MessageID: 1, Media: []domain.MediaRef{{Kind: domain.MediaPhoto, FileID: "same"}}}
	trigger := domain.Fragment{ChatID: 42, MessageID: 2, Media: []domain.MediaRef{{Kind: domain.MediaPhoto, FileID: "same"}}, ReplyTo: &replied}

	res, err := h.agg.Collect(context.Background(), "", trigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"/local/same", "/local/same"}, res.Paths(domain.MediaPhoto))
}

func TestCollect_PartialGroupIsNotAnError(t *testing.T) {
	h := newHarness(t)

	res, err := h.agg.Collect(context.Background(), "", photo(5, "late"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.waitCount())
	assert.Equal(t, []string{"/local/p5"}, res.Paths(domain.MediaPhoto))
}

func TestCollect_DropsMediaThatFailsToResolve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.resolver.fail["p21"] = true
	_, _ = h.agg.Record(ctx, photo(20, "g"))
	_, _ = h.agg.Record(ctx, photo(21, "g"))
	_, _ = h.agg.Record(ctx, photo(22, "g"))

	res, err := h.agg.Collect(ctx, "", photo(20, "g"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/local/p20", "/local/p22"}, res.Paths(domain.MediaPhoto))
}

func TestCollect_ConcurrentCallersShareOneMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.onSleep = func() { time.Sleep(150 * time.Millisecond) }

	first := photo(30, "shared")
	second := photo(31, "shared")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.agg.Collect(ctx, "", first)
		assert.NoError(t, err)
		results[0] = res
	}()

	// Let the first caller enter its debounce window.
	time.Sleep(30 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := h.agg.Collect(ctx, "", second)
		assert.NoError(t, err)
		results[1] = res
	}()
	wg.Wait()

	assert.Equal(t, 1, h.waitCount(), "only one caller may debounce a group")
	assert.EqualValues(t, 2, h.resolver.calls.Load(), "group media must be resolved once")
	want := []string{"/local/p30", "/local/p31"}
	assert.Equal(t, want, results[0].Paths(domain.MediaPhoto))
	assert.Equal(t, want, results[1].Paths(domain.MediaPhoto))
}

func TestNew_DefaultDebounce(t *testing.T) {
	a := New(Config{Cache: mediacache.NewMemoryStore(1, time.Minute), Resolver: &fakeResolver{}})
	assert.Equal(t, DefaultDebounce, a.debounce)
}
