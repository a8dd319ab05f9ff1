package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

// brokenFiles fails every read with a transport error.
type brokenFiles struct {
	storage.FileStore
}

func (brokenFiles) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("read tcp 10.0.0.2:443: connection reset by peer")
}

// slowUploader blocks each upload until release is closed or its ctx ends.
type slowUploader struct {
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	uploads int
}

func newSlowUploader() *slowUploader {
	return &slowUploader{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (u *slowUploader) UploadFile(ctx context.Context, filename string, r io.Reader) (string, error) {
	u.mu.Lock()
	u.uploads++
	u.mu.Unlock()
	select {
	case u.started <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-u.release:
		return "file-slow", nil
	}
}

func (u *slowUploader) DeleteFile(ctx context.Context, fileID string) error {
	return nil
}

func (u *slowUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploads
}

func TestEnsureRemoteReferenceUploadsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doc := env.addDocument(t, "%PDF-1.4 lecture bytes")

	first, err := env.ingestor.EnsureRemoteReference(ctx, &doc)
	if err != nil {
		t.Fatalf("ensure reference: %v", err)
	}
	second, err := env.ingestor.EnsureRemoteReference(ctx, &doc)
	if err != nil {
		t.Fatalf("ensure reference again: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("expected cached reference, got %q then %q", first, second)
	}

	stored, err := env.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if stored.AIFileRef != first {
		t.Fatalf("reference not persisted: %q", stored.AIFileRef)
	}
	if uploads, _, _, _ := env.ai.counts(); uploads != 1 {
		t.Fatalf("expected 1 upload, got %d", uploads)
	}
}

func TestEnsureRemoteReferenceConcurrentCallers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doc := env.addDocument(t, "%PDF-1.4 lecture bytes")

	var wg sync.WaitGroup
	refs := make([]string, 6)
	for i := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyDoc := doc
			ref, err := env.ingestor.EnsureRemoteReference(ctx, &copyDoc)
			if err != nil {
				t.Errorf("ensure reference: %v", err)
				return
			}
			refs[i] = ref
		}()
	}
	wg.Wait()

	for _, ref := range refs[1:] {
		if ref != refs[0] {
			t.Fatalf("callers saw different references: %v", refs)
		}
	}
	if uploads, _, _, _ := env.ai.counts(); uploads != 1 {
		t.Fatalf("expected 1 upload, got %d", uploads)
	}
}

func TestEnsureRemoteReferenceMissingBytes(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.addDocument(t, "")

	_, err := env.ingestor.EnsureRemoteReference(context.Background(), &doc)
	if !errors.Is(err, domain.ErrContentUnavailable) {
		t.Fatalf("expected content unavailable, got %v", err)
	}
	if uploads, _, _, _ := env.ai.counts(); uploads != 0 {
		t.Fatalf("expected no upload, got %d", uploads)
	}
}

func TestInvalidateReferenceForcesReupload(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	doc := env.addDocument(t, "%PDF-1.4 lecture bytes")

	first, err := env.ingestor.EnsureRemoteReference(ctx, &doc)
	if err != nil {
		t.Fatalf("ensure reference: %v", err)
	}
	if err := env.ingestor.InvalidateReference(ctx, &doc); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if doc.AIFileRef != "" {
		t.Fatalf("expected reference cleared, got %q", doc.AIFileRef)
	}

	second, err := env.ingestor.EnsureRemoteReference(ctx, &doc)
	if err != nil {
		t.Fatalf("ensure reference after invalidation: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh reference, got %q twice", first)
	}
	if uploads, _, _, _ := env.ai.counts(); uploads != 2 {
		t.Fatalf("expected 2 uploads, got %d", uploads)
	}

	env.ai.mu.Lock()
	deletes := env.ai.fileDeletes
	env.ai.mu.Unlock()
	if deletes != 1 {
		t.Fatalf("expected the old remote file deleted, got %d deletes", deletes)
	}
}

func TestEnsureRemoteReferenceStorageReadError(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.addDocument(t, "%PDF-1.4 lecture bytes")
	ingestor := NewIngestor(env.store, brokenFiles{FileStore: env.files}, env.openai, testLogger())

	_, err := ingestor.EnsureRemoteReference(context.Background(), &doc)
	if !errors.Is(err, domain.ErrUploadFailed) {
		t.Fatalf("expected upload failed, got %v", err)
	}
	if errors.Is(err, domain.ErrContentUnavailable) {
		t.Fatalf("a storage outage must not look like missing content: %v", err)
	}
	if kind := domain.ErrorKind(err); kind != "upload_failed" {
		t.Fatalf("expected upload_failed kind, got %s", kind)
	}
}

func TestEnsureRemoteReferenceSurvivesFirstCallerCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.addDocument(t, "%PDF-1.4 lecture bytes")
	uploader := newSlowUploader()
	ingestor := NewIngestor(env.store, env.files, uploader, testLogger())

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	firstErr := make(chan error, 1)
	go func() {
		first := doc
		_, err := ingestor.EnsureRemoteReference(shortCtx, &first)
		firstErr <- err
	}()

	select {
	case <-uploader.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("upload never started")
	}

	type result struct {
		ref string
		err error
	}
	second := make(chan result, 1)
	go func() {
		copyDoc := doc
		ref, err := ingestor.EnsureRemoteReference(context.Background(), &copyDoc)
		second <- result{ref, err}
	}()

	if err := <-firstErr; !errors.Is(err, domain.ErrUploadFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the first caller to give up on its deadline, got %v", err)
	}
	close(uploader.release)

	select {
	case res := <-second:
		if res.err != nil || res.ref != "file-slow" {
			t.Fatalf("expected the shared reference, got %q %v", res.ref, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second caller never returned")
	}

	if n := uploader.count(); n != 1 {
		t.Fatalf("expected a single upload, got %d", n)
	}
	stored, err := env.store.GetDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if stored.AIFileRef != "file-slow" {
		t.Fatalf("reference not persisted: %q", stored.AIFileRef)
	}
}
