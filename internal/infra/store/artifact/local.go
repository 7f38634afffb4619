package artifactstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type localStore struct {
	baseDir string

	// created memoizes directories already ensured, so repeated
	// persists into the same prefix skip the mkdir round trip.
	mu      sync.Mutex
	created map[string]struct{}
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{
		baseDir: baseDir,
		created: make(map[string]struct{}),
	}, nil
}

func (s *localStore) Stat(ctx context.Context, key string) (*StatResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat file: %w", err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return nil, fmt.Errorf("checksum file: %w", err)
	}

	return &StatResult{
		LastModified: info.ModTime(),
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (s *localStore) Persist(ctx context.Context, key string, data []byte, meta Meta) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	fullPath, err := s.fullFilePath(key)
	if err != nil {
		return err
	}

	if err := s.ensureDir(filepath.Dir(fullPath)); err != nil {
		return err
	}

	tempPath := fullPath + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (s *localStore) ensureDir(dirname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.created[dirname]; ok {
		return nil
	}

	if err := os.MkdirAll(dirname, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	s.created[dirname] = struct{}{}
	return nil
}

func (s *localStore) fullFilePath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}

	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key: %s", key)
	}

	return filepath.Join(s.baseDir, clean), nil
}
