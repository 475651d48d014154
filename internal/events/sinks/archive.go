package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/events"
	"github.com/JakeFAU/scrape-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/scrape-scheduler/internal/jobs"
)

// ArchiveSink writes each batch of terminal events as one NDJSON object under
// prefix/YYYY/MM/DD/. Objects are named by content digest, so a re-flushed
// batch overwrites its earlier copy.
type ArchiveSink struct {
	store  jobs.BlobStore
	prefix string
	hasher *sha256.Hasher
	now    func() time.Time
}

// NewArchiveSink wraps a blob store.
func NewArchiveSink(store jobs.BlobStore, prefix string) (*ArchiveSink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if prefix == "" {
		prefix = "job-events"
	}
	return &ArchiveSink{store: store, prefix: prefix, hasher: sha256.New(16), now: time.Now}, nil
}

// Consume archives the terminal events in batch. Batches without any are skipped.
func (s *ArchiveSink) Consume(ctx context.Context, batch []events.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	n := 0
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		n++
	}
	if n == 0 {
		return nil
	}
	now := s.now().UTC()
	name := path.Join(s.prefix, now.Format("2006/01/02"),
		fmt.Sprintf("%s-%s.ndjson", now.Format("150405"), s.hasher.Hash(buf.Bytes())))
	if _, err := s.store.PutObject(ctx, name, "application/x-ndjson", &buf); err != nil {
		return fmt.Errorf("archive %d events: %w", n, err)
	}
	return nil
}

// Close implements events.Sink.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
