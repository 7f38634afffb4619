package artifactstore

import (
	"context"
	"log/slog"

	"github.com/Snapier494/mediacache/internal/infra/store/artifact/replicator"
)

// tieredStore persists locally and replicates to the bucket in the
// background; stat prefers the local copy and falls back to the remote
// one when the key is absent locally.
type tieredStore struct {
	local      *localStore
	remote     *minioStore
	replicator *replicator.Replicator
}

func NewTieredStore(
	ctx context.Context,
	local *localStore,
	remote *minioStore,
	queueSize,
	workerNum,
	maxRetries int,
) *tieredStore {
	repl := replicator.NewReplicator(remoteSink{remote}, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &tieredStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *tieredStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *tieredStore) Stat(ctx context.Context, key string) (*StatResult, error) {
	res, err := s.local.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	return s.remote.Stat(ctx, key)
}

func (s *tieredStore) Persist(ctx context.Context, key string, data []byte, meta Meta) error {
	if err := s.local.Persist(ctx, key, data, meta); err != nil {
		return err
	}

	ok := s.replicator.Enqueue(replicator.Job{
		Key:    key,
		Data:   data,
		Width:  meta.Width,
		Height: meta.Height,
	})
	if !ok {
		slog.Error("tieredStore: replication queue full, artifact saved only locally",
			slog.String("key", key),
			slog.Int("size", len(data)),
		)
	}

	return nil
}

type remoteSink struct {
	remote *minioStore
}

func (s remoteSink) Replicate(ctx context.Context, job replicator.Job) error {
	return s.remote.Persist(ctx, job.Key, job.Data, Meta{
		Width:  job.Width,
		Height: job.Height,
	})
}
