package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Snapier494/mediacache/internal/domain"
	"github.com/Snapier494/mediacache/internal/fingerprint"
	"github.com/Snapier494/mediacache/internal/imaging"
	artifactstore "github.com/Snapier494/mediacache/internal/infra/store/artifact"
)

type fakeStore struct {
	mu         sync.Mutex
	stats      map[string]*artifactstore.StatResult
	statErr    error
	persistErr error
	persisted  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stats:     make(map[string]*artifactstore.StatResult),
		persisted: make(map[string][]byte),
	}
}

func (s *fakeStore) Stat(ctx context.Context, key string) (*artifactstore.StatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statErr != nil {
		return nil, s.statErr
	}
	return s.stats[key], nil
}

func (s *fakeStore) Persist(ctx context.Context, key string, data []byte, meta artifactstore.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persistErr != nil {
		return s.persistErr
	}
	s.persisted[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) persistedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.persisted))
	for k := range s.persisted {
		keys = append(keys, k)
	}
	return keys
}

type fakeFetcher struct {
	calls   atomic.Int64
	resp    *Response
	err     error
	started chan struct{}
	release chan struct{}

	startOnce sync.Once
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *fingerprint.Request) (*Response, error) {
	f.calls.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type recordingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: make(map[string]int)}
}

func (s *recordingSink) Inc(ctx context.Context, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[status]++
}

func (s *recordingSink) count(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[status]
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func okResponse(t *testing.T, width, height int) *Response {
	return &Response{StatusCode: 200, Body: pngBytes(t, width, height)}
}

func newTestPipeline(store artifactstore.Store, fetcher Fetcher, sink StatusSink, cfg Config) *Pipeline {
	proc := imaging.NewProcessor(0, 0, []imaging.ThumbSpec{{Name: "small", Width: 50, Height: 50}}, 4)
	return New(store, fetcher, proc, sink, cfg)
}

func TestProcess_NewImage(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	sink := newRecordingSink()
	p := newTestPipeline(store, fetcher, sink, Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	require.Len(t, item.Images, 1)
	res := item.Images[0]
	assert.Equal(t, domain.StatusNew, res.Status)
	assert.Equal(t, FileKey("http://example.com/a.png"), res.Path)
	assert.Len(t, res.Checksum, 32)

	keys := store.persistedKeys()
	assert.Contains(t, keys, FileKey("http://example.com/a.png"))
	assert.Contains(t, keys, ThumbKey("http://example.com/a.png", "small"))
	assert.Equal(t, 1, sink.count("downloaded"))
}

func TestProcess_UptodateSkipsFetch(t *testing.T) {
	store := newFakeStore()
	key := FileKey("http://example.com/a.png")
	store.stats[key] = &artifactstore.StatResult{
		LastModified: time.Now().AddDate(0, 0, -10),
		Checksum:     "d41d8cd98f00b204e9800998ecf8427e",
	}

	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	sink := newRecordingSink()
	p := newTestPipeline(store, fetcher, sink, Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	require.Len(t, item.Images, 1)
	assert.Equal(t, domain.StatusUptodate, item.Images[0].Status)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", item.Images[0].Checksum)
	assert.Equal(t, int64(0), fetcher.calls.Load())
	assert.Empty(t, store.persistedKeys())
	assert.Equal(t, 1, sink.count("uptodate"))
}

func TestProcess_ExpiredRefetches(t *testing.T) {
	store := newFakeStore()
	key := FileKey("http://example.com/a.png")
	store.stats[key] = &artifactstore.StatResult{
		LastModified: time.Now().AddDate(0, 0, -100),
		Checksum:     "oldchecksum",
	}

	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	require.Len(t, item.Images, 1)
	assert.Equal(t, domain.StatusExpired, item.Images[0].Status)
	assert.NotEqual(t, "oldchecksum", item.Images[0].Checksum)
	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Contains(t, store.persistedKeys(), key)
}

func TestProcess_StatErrorForcesRefetch(t *testing.T) {
	store := newFakeStore()
	store.statErr = fmt.Errorf("connection reset")

	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	assert.Equal(t, domain.StatusNew, item.Images[0].Status)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestProcess_TooSmallNothingPersisted(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{resp: okResponse(t, 50, 50)}
	sink := newRecordingSink()

	proc := imaging.NewProcessor(100, 100, nil, 1)
	p := New(store, fetcher, proc, sink, Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/tiny.png"}}
	err := p.Process(context.Background(), item)
	assert.ErrorIs(t, err, domain.ErrNoImages)

	require.Len(t, item.Images, 1)
	assert.Equal(t, domain.StatusFailed, item.Images[0].Status)
	assert.Contains(t, item.Images[0].Error, "too small")
	assert.Empty(t, store.persistedKeys())
	assert.Equal(t, 1, sink.count("failed"))
}

func TestProcess_DownloadErrors(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		err  error
	}{
		{"http error status", &Response{StatusCode: 404, Body: []byte("nope")}, nil},
		{"empty body", &Response{StatusCode: 200}, nil},
		{"transport failure", nil, fmt.Errorf("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			fetcher := &fakeFetcher{resp: tt.resp, err: tt.err}
			p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

			item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
			err := p.Process(context.Background(), item)
			assert.ErrorIs(t, err, domain.ErrNoImages)

			require.Len(t, item.Images, 1)
			assert.Equal(t, domain.StatusFailed, item.Images[0].Status)
			assert.Contains(t, item.Images[0].Error, "download failed")
		})
	}
}

func TestProcess_DropPolicy(t *testing.T) {
	store := newFakeStore()
	fetcher := newPartialFetcher(t, "http://example.com/bad.png")
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90, DropOnFailure: true})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{
		"http://example.com/good.png",
		"http://example.com/bad.png",
	}}
	err := p.Process(context.Background(), item)
	assert.ErrorIs(t, err, domain.ErrItemDropped)
}

func TestProcess_OmitPolicyKeepsPartialResults(t *testing.T) {
	store := newFakeStore()
	fetcher := newPartialFetcher(t, "http://example.com/bad.png")
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{
		"http://example.com/good.png",
		"http://example.com/bad.png",
		"http://example.com/also-good.png",
	}}
	require.NoError(t, p.Process(context.Background(), item))

	require.Len(t, item.Images, 3)
	assert.Equal(t, "http://example.com/good.png", item.Images[0].URL)
	assert.Equal(t, domain.StatusNew, item.Images[0].Status)
	assert.Equal(t, "http://example.com/bad.png", item.Images[1].URL)
	assert.Equal(t, domain.StatusFailed, item.Images[1].Status)
	assert.Equal(t, "http://example.com/also-good.png", item.Images[2].URL)
	assert.Equal(t, domain.StatusNew, item.Images[2].Status)
}

// partialFetcher fails a single URL and serves a valid image otherwise.
type partialFetcher struct {
	good    []byte
	failURL string
}

func newPartialFetcher(t *testing.T, failURL string) *partialFetcher {
	return &partialFetcher{good: pngBytes(t, 120, 80), failURL: failURL}
}

func (f *partialFetcher) Fetch(ctx context.Context, req *fingerprint.Request) (*Response, error) {
	if req.URL == f.failURL {
		return &Response{StatusCode: 500}, nil
	}
	return &Response{StatusCode: 200, Body: f.good}, nil
}

func TestDedup_SingleFetchForConcurrentIdenticalRequests(t *testing.T) {
	const n = 8

	store := newFakeStore()
	fetcher := &fakeFetcher{
		resp:    okResponse(t, 120, 80),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	items := make([]*domain.Item, n)
	for i := range items {
		items[i] = &domain.Item{
			ID:        fmt.Sprintf("item-%d", i),
			ImageURLs: []string{"http://example.com/shared.png"},
		}
	}

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Process(context.Background(), item))
		}()
	}

	// Let the first entrant reach the fetch, give the rest time to
	// attach as waiters, then release.
	<-fetcher.started
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int64(1), fetcher.calls.Load())

	first := items[0].Images[0]
	for _, item := range items[1:] {
		require.Len(t, item.Images, 1)
		assert.Equal(t, first.Checksum, item.Images[0].Checksum)
		assert.Equal(t, first.Status, item.Images[0].Status)
	}
}

func TestDedup_EntryRemovedAfterFailure(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{err: fmt.Errorf("connection refused")}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	assert.Error(t, p.Process(context.Background(), item))

	p.mu.Lock()
	remaining := len(p.inflight)
	p.mu.Unlock()
	assert.Zero(t, remaining)

	// A later attempt fetches again rather than reusing the failure.
	item2 := &domain.Item{ID: "item-2", ImageURLs: []string{"http://example.com/a.png"}}
	assert.Error(t, p.Process(context.Background(), item2))
	assert.Equal(t, int64(2), fetcher.calls.Load())
}

func TestProcess_PersistFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	store.persistErr = fmt.Errorf("disk full")

	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	require.Len(t, item.Images, 1)
	assert.Equal(t, domain.StatusNew, item.Images[0].Status)
	assert.NotEmpty(t, item.Images[0].Checksum)
}

func TestProcess_CachedResponseCounted(t *testing.T) {
	store := newFakeStore()
	resp := okResponse(t, 120, 80)
	resp.FromCache = true
	fetcher := &fakeFetcher{resp: resp}
	sink := newRecordingSink()
	p := newTestPipeline(store, fetcher, sink, Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	assert.Equal(t, 1, sink.count("cached"))
	assert.Equal(t, 0, sink.count("downloaded"))
}

func TestProcess_NoURLsIsFine(t *testing.T) {
	p := newTestPipeline(newFakeStore(), &fakeFetcher{}, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1"}
	require.NoError(t, p.Process(context.Background(), item))
	assert.Empty(t, item.Images)
}

func TestProcess_RoundTripAgainstLocalStore(t *testing.T) {
	store, err := artifactstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	fetcher := &fakeFetcher{resp: okResponse(t, 120, 80)}
	p := newTestPipeline(store, fetcher, newRecordingSink(), Config{ExpiresDays: 90})

	item := &domain.Item{ID: "item-1", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item))

	res := item.Images[0]
	require.Equal(t, domain.StatusNew, res.Status)

	stat, err := store.Stat(context.Background(), res.Path)
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, res.Checksum, stat.Checksum)

	// Immediately statting again classifies the artifact as fresh.
	item2 := &domain.Item{ID: "item-2", ImageURLs: []string{"http://example.com/a.png"}}
	require.NoError(t, p.Process(context.Background(), item2))
	assert.Equal(t, domain.StatusUptodate, item2.Images[0].Status)
	assert.Equal(t, res.Checksum, item2.Images[0].Checksum)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}
