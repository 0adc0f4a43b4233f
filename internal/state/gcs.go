package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS stores the state document as a single object in a Google Cloud
// Storage bucket, mirroring the File backend's snapshot model for teams that
// share state remotely.
type GCS struct {
	mu     sync.Mutex
	object *storage.ObjectHandle
	cache  *Memory
}

func OpenGCS(ctx context.Context, client *storage.Client, bucket, object string) (*GCS, error) {
	g := &GCS{
		object: client.Bucket(bucket).Object(object),
		cache:  NewMemory(),
	}

	r, err := g.object.NewReader(ctx)
	if isNotFound(err) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read state object: %w", err)
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state object gs://%s/%s: %w", bucket, object, err)
	}
	g.cache.replace(doc.Records)

	return g, nil
}

func (g *GCS) Get(ctx context.Context, id string) (Record, bool, error) {
	return g.cache.Get(ctx, id)
}

func (g *GCS) Put(ctx context.Context, r Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.cache.Put(ctx, r); err != nil {
		return err
	}

	return g.flush(ctx)
}

func (g *GCS) Delete(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.cache.Delete(ctx, id); err != nil {
		return err
	}

	return g.flush(ctx)
}

func (g *GCS) List(ctx context.Context) ([]Record, error) {
	return g.cache.List(ctx)
}

func (g *GCS) Close() error { return nil }

func (g *GCS) flush(ctx context.Context) error {
	doc := stateDocument{Version: 1, Records: g.cache.snapshot()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	w := g.object.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write state object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write state object: %w", err)
	}

	return nil
}

func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}

	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
