package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Snapier494/mediacache/internal/domain"
	"github.com/Snapier494/mediacache/internal/fingerprint"
	"github.com/Snapier494/mediacache/internal/imaging"
	artifactstore "github.com/Snapier494/mediacache/internal/infra/store/artifact"
)

// Response is what the transport hands back for a fetch. FromCache
// marks responses served by an upstream HTTP cache.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	FromCache  bool
}

// Fetcher performs the actual network transfer. Retries belong to the
// implementation, not to the pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req *fingerprint.Request) (*Response, error)
}

// StatusSink receives one increment per resolved image, keyed by how it
// was resolved: downloaded, cached, uptodate or failed.
type StatusSink interface {
	Inc(ctx context.Context, status string)
}

// Config tunes the orchestration around a single store.
type Config struct {
	// ExpiresDays is the freshness window for stored artifacts.
	ExpiresDays int

	// DropOnFailure fails the whole item when any image fails;
	// otherwise failures are recorded and the item moves on, unless
	// nothing succeeded at all.
	DropOnFailure bool

	Fingerprint fingerprint.Options
}

// Pipeline drives images through check → fetch → process → persist and
// enriches each item with one result per referenced URL. Concurrent
// references to the same resource share a single in-flight operation.
type Pipeline struct {
	store     artifactstore.Store
	fetcher   Fetcher
	processor *imaging.Processor
	stats     StatusSink
	cfg       Config

	now func() time.Time

	mu       sync.Mutex
	inflight map[fingerprint.Digest]*flight
}

// flight is one outstanding fetch-and-persist operation. Waiters block
// on done and read the shared terminal outcome.
type flight struct {
	done     chan struct{}
	checksum string
	err      error
}

func New(
	store artifactstore.Store,
	fetcher Fetcher,
	processor *imaging.Processor,
	stats StatusSink,
	cfg Config,
) *Pipeline {
	if stats == nil {
		stats = nopSink{}
	}

	return &Pipeline{
		store:     store,
		fetcher:   fetcher,
		processor: processor,
		stats:     stats,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[fingerprint.Digest]*flight),
	}
}

// Process resolves every image URL of the item and attaches the results
// in input order. It returns domain.ErrItemDropped (drop policy) or
// domain.ErrNoImages (nothing succeeded) when the item must be
// discarded; the item is otherwise ready to forward.
func (p *Pipeline) Process(ctx context.Context, item *domain.Item) error {
	results := make([]domain.ImageResult, len(item.ImageURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range item.ImageURLs {
		g.Go(func() error {
			results[i] = p.processResource(gctx, url)
			return nil
		})
	}
	_ = g.Wait()

	item.Images = results

	var succeeded int
	for _, res := range results {
		if res.Status == domain.StatusFailed {
			if p.cfg.DropOnFailure {
				return fmt.Errorf("%w: image %s: %s", domain.ErrItemDropped, res.URL, res.Error)
			}
			continue
		}
		succeeded++
	}

	if len(item.ImageURLs) > 0 && succeeded == 0 {
		return fmt.Errorf("%w: item %s", domain.ErrNoImages, item.ID)
	}

	return nil
}

func (p *Pipeline) processResource(ctx context.Context, url string) domain.ImageResult {
	key := FileKey(url)

	stat, err := p.store.Stat(ctx, key)
	if err != nil {
		// Unknown store state: force a refetch rather than trusting
		// a copy we cannot see.
		slog.Warn("stat failed, forcing refetch",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		stat = nil
	}

	status := domain.StatusNew
	switch classifyFreshness(stat, p.cfg.ExpiresDays, p.now()) {
	case freshnessFresh:
		slog.Debug("image uptodate", slog.String("url", url))
		p.stats.Inc(ctx, "uptodate")
		return domain.ImageResult{
			URL:      url,
			Path:     key,
			Checksum: stat.Checksum,
			Status:   domain.StatusUptodate,
		}
	case freshnessStale:
		status = domain.StatusExpired
	}

	req := &fingerprint.Request{Method: "GET", URL: url}
	checksum, err := p.fetchAndStore(ctx, req, key)
	if err != nil {
		slog.Warn("image failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		p.stats.Inc(ctx, "failed")
		return domain.ImageResult{
			URL:    url,
			Status: domain.StatusFailed,
			Error:  err.Error(),
		}
	}

	return domain.ImageResult{
		URL:      url,
		Path:     key,
		Checksum: checksum,
		Status:   status,
	}
}

// fetchAndStore deduplicates by request fingerprint: the first caller
// runs the network and storage work, everyone else arriving while it is
// in flight waits for the same terminal outcome. The entry is removed
// once the operation completes, success or failure.
func (p *Pipeline) fetchAndStore(ctx context.Context, req *fingerprint.Request, key string) (string, error) {
	digest := req.Fingerprint(p.cfg.Fingerprint)

	p.mu.Lock()
	if f, ok := p.inflight[digest]; ok {
		p.mu.Unlock()
		select {
		case <-f.done:
			return f.checksum, f.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	p.inflight[digest] = f
	p.mu.Unlock()

	f.checksum, f.err = p.download(ctx, req, key)

	p.mu.Lock()
	delete(p.inflight, digest)
	p.mu.Unlock()
	close(f.done)

	return f.checksum, f.err
}

func (p *Pipeline) download(ctx context.Context, req *fingerprint.Request, key string) (string, error) {
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDownload, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: http status %d", domain.ErrDownload, resp.StatusCode)
	}

	if len(resp.Body) == 0 {
		return "", fmt.Errorf("%w: empty body", domain.ErrDownload)
	}

	if resp.FromCache {
		p.stats.Inc(ctx, "cached")
	} else {
		p.stats.Inc(ctx, "downloaded")
	}

	res, err := p.processor.Process(ctx, resp.Body)
	if err != nil {
		return "", err
	}

	p.persist(ctx, key, res.Primary)
	for name, thumb := range res.Thumbs {
		p.persist(ctx, ThumbKey(req.URL, name), thumb)
	}

	return res.Checksum, nil
}

// persist favors at-least-attempted persistence: a failed write is
// logged but does not fail the resource.
func (p *Pipeline) persist(ctx context.Context, key string, art imaging.Artifact) {
	err := p.store.Persist(ctx, key, art.Data, artifactstore.Meta{
		Width:  art.Width,
		Height: art.Height,
	})
	if err != nil {
		slog.Error("persist failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

type nopSink struct{}

func (nopSink) Inc(context.Context, string) {}
