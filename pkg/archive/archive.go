// Package archive packs a sketch (metadata, sessions, artifacts, events)
// into a portable tarball and ships it to a backend: a local directory or
// an S3 bucket.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	"github.com/sketchflow/sketchflow/pkg/eventstore"
	"github.com/sketchflow/sketchflow/pkg/store"
)

// Backend stores finished archives.
type Backend interface {
	// Put stores an archive under key.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get retrieves an archive. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns the stored archive keys.
	List(ctx context.Context) ([]string, error)
}

// manifest is the top-level description inside an archive.
type manifest struct {
	Sketch     *model.Sketch            `json:"sketch"`
	Timelines  []*model.Timeline        `json:"timelines"`
	Sessions   []*model.AnalyzerSession `json:"sessions"`
	Artifacts  []*model.Artifact        `json:"artifacts"`
	ArchivedAt time.Time                `json:"archived_at"`
	EventFiles map[string]int           `json:"event_files"` // file -> event count
}

// Archiver builds and restores sketch archives.
type Archiver struct {
	store   store.Store
	events  eventstore.Store
	backend Backend
}

// New creates an Archiver.
func New(st store.Store, es eventstore.Store, backend Backend) *Archiver {
	return &Archiver{store: st, events: es, backend: backend}
}

// Key returns the backend key for a sketch archive.
func Key(sketchID string) string {
	return sketchID + ".tar.gz"
}

// Archive packs the sketch and stores it in the backend.
func (a *Archiver) Archive(ctx context.Context, sketchID string) (string, error) {
	sketch, err := a.store.GetSketch(ctx, sketchID)
	if err != nil {
		return "", err
	}
	timelines, err := a.store.ListTimelines(ctx, sketchID)
	if err != nil {
		return "", err
	}
	artifacts, err := a.store.ListArtifacts(ctx, sketchID)
	if err != nil {
		return "", err
	}

	m := manifest{
		Sketch:     sketch,
		Timelines:  timelines,
		Artifacts:  artifacts,
		ArchivedAt: time.Now().UTC(),
		EventFiles: make(map[string]int),
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, t := range timelines {
		sessions, err := a.store.ListSessions(ctx, t.ID, 0)
		if err != nil {
			return "", err
		}
		m.Sessions = append(m.Sessions, sessions...)

		events, err := a.events.Search(ctx, eventstore.Filter{
			TimelineID: t.ID,
			Generation: t.Generation,
		})
		if err != nil {
			return "", err
		}

		name := "events/" + t.ID + ".jsonl"
		var lines bytes.Buffer
		enc := json.NewEncoder(&lines)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return "", fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
		}
		if err := writeEntry(tw, name, lines.Bytes()); err != nil {
			return "", err
		}
		m.EventFiles[name] = len(events)
	}

	manifestData, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := writeEntry(tw, "manifest.json", manifestData); err != nil {
		return "", err
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	key := Key(sketchID)
	if err := a.backend.Put(ctx, key, &buf); err != nil {
		return "", err
	}
	return key, nil
}

// Restore loads an archive back into the stores. The sketch must not
// already exist.
func (a *Archiver) Restore(ctx context.Context, key string) (*model.Sketch, error) {
	rc, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer gz.Close()

	var m *manifest
	eventFiles := make(map[string][]*model.Event)

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}

		switch {
		case hdr.Name == "manifest.json":
			m = &manifest{}
			if err := json.NewDecoder(tr).Decode(m); err != nil {
				return nil, fmt.Errorf("failed to decode manifest: %w", err)
			}

		default:
			var events []*model.Event
			dec := json.NewDecoder(tr)
			for {
				ev := &model.Event{}
				if err := dec.Decode(ev); err == io.EOF {
					break
				} else if err != nil {
					return nil, fmt.Errorf("failed to decode events in %s: %w", hdr.Name, err)
				}
				events = append(events, ev)
			}
			eventFiles[hdr.Name] = events
		}
	}
	if m == nil {
		return nil, fmt.Errorf("archive has no manifest")
	}

	if err := a.store.CreateSketch(ctx, m.Sketch); err != nil {
		return nil, err
	}
	for _, t := range m.Timelines {
		restored := *t
		restored.Generation = 0
		if err := a.store.CreateTimeline(ctx, &restored); err != nil {
			return nil, err
		}
		if err := a.store.ApplyBatch(ctx, &model.IngestBatch{
			ID:         "restore:" + key + ":" + t.ID,
			TimelineID: t.ID,
			Generation: t.Generation,
			EventCount: m.EventFiles["events/"+t.ID+".jsonl"],
			AppliedAt:  time.Now().UTC(),
		}); err != nil {
			return nil, err
		}

		events := eventFiles["events/"+t.ID+".jsonl"]
		if len(events) > 0 {
			if err := a.events.BulkUpsert(ctx, t.ID, t.Generation, events); err != nil {
				return nil, err
			}
		}
	}
	if err := a.store.CreateArtifacts(ctx, m.Artifacts); err != nil {
		return nil, err
	}

	return m.Sketch, nil
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
