// Package storage is the object-storage boundary. Everything above it deals
// in opaque content refs (URLs); only executors and adapters touch bytes.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
)

// Store reads and writes content by opaque ref. Refs are afs locations
// (file://, mem://, s3://...), so the same code serves local dev and cloud.
type Store interface {
	Upload(ctx context.Context, ref string, data []byte) error
	Download(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
	Delete(ctx context.Context, ref string) error
	// Ref builds a content ref under the store's base location.
	Ref(elem ...string) string
	// DownloadTo materializes a ref as a local file for tools that need a
	// path (pdftoppm, tesseract).
	DownloadTo(ctx context.Context, ref, path string) error
}

type afsStore struct {
	svc  afs.Service
	base string
	log  *slog.Logger
}

// New builds a Store rooted at baseURL using the default AFS service.
func New(baseURL string, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	return &afsStore{svc: afs.New(), base: url.Normalize(baseURL, file.Scheme), log: log}
}

func (s *afsStore) Upload(ctx context.Context, ref string, data []byte) error {
	if err := s.svc.Upload(ctx, ref, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		s.log.Error("storage.upload_failed", "ref", ref, "err", err)
		return fmt.Errorf("upload %s: %w", ref, err)
	}
	s.log.Debug("storage.uploaded", "ref", ref, "bytes", len(data))
	return nil
}

func (s *afsStore) Download(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.svc.DownloadWithURL(ctx, ref)
	if err != nil {
		s.log.Error("storage.download_failed", "ref", ref, "err", err)
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	return data, nil
}

func (s *afsStore) Exists(ctx context.Context, ref string) (bool, error) {
	return s.svc.Exists(ctx, ref)
}

func (s *afsStore) Delete(ctx context.Context, ref string) error {
	return s.svc.Delete(ctx, ref)
}

func (s *afsStore) Ref(elem ...string) string {
	ref := s.base
	for _, e := range elem {
		ref = url.Join(ref, e)
	}
	return ref
}

func (s *afsStore) DownloadTo(ctx context.Context, ref, path string) error {
	reader, err := s.svc.OpenURL(ctx, ref)
	if err != nil {
		return fmt.Errorf("open %s: %w", ref, err)
	}
	defer reader.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, reader); err != nil {
		return fmt.Errorf("materialize %s: %w", ref, err)
	}
	return nil
}
