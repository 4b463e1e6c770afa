package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f, err := New(Config{Dir: t.TempDir(), Timeout: 2 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	return f
}

func TestAssetName(t *testing.T) {
	assert.Equal(t, "cat.png", AssetName("https://cdn.example.com/out/cat.png?sig=abc"))
	assert.Equal(t, "Dog.JPG", AssetName("https://cdn.example.com/Dog.JPG"))
	assert.Equal(t, "x.webp", AssetName("https://cdn.example.com/a/b/x.webp"))

	for _, u := range []string{"https://cdn.example.com/render", "https://cdn.example.com/a.gif", "::bad"} {
		name := AssetName(u)
		assert.True(t, strings.HasSuffix(name, ".jpeg"), "expected random jpeg name for %q, got %q", u, name)
		assert.Len(t, name, 32+len(".jpeg"))
	}
}

func TestFetchAll_CapsAtTenAndPreservesOrder(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, r.URL.Path)
	}))
	defer srv.Close()

	urls := make([]string, 12)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/img-%02d.png", srv.URL, i)
	}

	f := newTestFetcher(t)
	assets, err := f.FetchAll(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, assets, MaxAssets)
	assert.EqualValues(t, MaxAssets, hits.Load(), "URLs past the tenth must never be requested")

	for i, a := range assets {
		assert.Equal(t, urls[i], a.URL)
		assert.Equal(t, fmt.Sprintf("img-%02d.png", i), filepath.Base(a.Path))
		data, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("/img-%02d.png", i), string(data))
	}
}

func TestFetchAll_DropsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	assets, err := f.FetchAll(context.Background(), []string{
		srv.URL + "/a.png", srv.URL + "/bad.png", srv.URL + "/c.png",
	})
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, srv.URL+"/a.png", assets[0].URL)
	assert.Equal(t, srv.URL+"/c.png", assets[1].URL)
}

func TestFetchAll_AllFailIsErrNoAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.FetchAll(context.Background(), []string{srv.URL + "/a.png", srv.URL + "/b.png"})
	assert.True(t, errors.Is(err, ErrNoAssets))

	_, err = f.FetchAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAssets)
}

func TestSave_NeverOverwritesExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "second")
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	existing := filepath.Join(f.Dir(), "same.png")
	require.NoError(t, os.WriteFile(existing, []byte("first"), 0o644))

	p, err := f.Save(context.Background(), srv.URL+"/same.png", "same.png")
	require.NoError(t, err)
	assert.NotEqual(t, existing, p)
	assert.Equal(t, ".png", filepath.Ext(p))

	data, _ := os.ReadFile(existing)
	assert.Equal(t, "first", string(data))
}

func TestSave_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	f, err := New(Config{Dir: t.TempDir(), MaxBytes: 16, Logger: testLogger()})
	require.NoError(t, err)

	_, err = f.Save(context.Background(), srv.URL+"/big.png", "big.png")
	require.Error(t, err)
	entries, _ := os.ReadDir(f.Dir())
	assert.Empty(t, entries, "partial file must be removed")
}

func TestSave_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f, err := New(Config{Dir: t.TempDir(), Timeout: 50 * time.Millisecond, Logger: testLogger()})
	require.NoError(t, err)

	_, err = f.Save(context.Background(), srv.URL+"/slow.png", "slow.png")
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.png")
	newFile := filepath.Join(dir, "new.png")
	require.NoError(t, os.WriteFile(oldFile, []byte("o"), 0o644))
	require.NoError(t, os.WriteFile(newFile, []byte("n"), 0o644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, past, past))

	removed, err := Sweep(dir, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newFile)
	assert.NoError(t, err)
}
