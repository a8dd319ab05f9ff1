package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

const defaultUploadTimeout = 5 * time.Minute

type DocumentRepository interface {
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	UpdateDocument(ctx context.Context, doc *domain.Document, columns ...string) error
}

type FileUploader interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (string, error)
	DeleteFile(ctx context.Context, fileID string) error
}

// Ingestor makes sure a document has a file reference on the AI backend.
// References are cached on the document and reused until invalidated.
type Ingestor struct {
	docs          DocumentRepository
	files         storage.FileStore
	ai            FileUploader
	group         singleflight.Group
	uploadTimeout time.Duration
	log           *logrus.Logger
}

func NewIngestor(docs DocumentRepository, files storage.FileStore, ai FileUploader, log *logrus.Logger) *Ingestor {
	return &Ingestor{docs: docs, files: files, ai: ai, uploadTimeout: defaultUploadTimeout, log: log}
}

// EnsureRemoteReference returns the document's cached reference, uploading
// the bytes first when there is none. doc is updated in place.
//
// Concurrent callers for one document share a single upload. The upload runs
// detached from the callers and each caller waits only as long as its own ctx
// allows.
func (i *Ingestor) EnsureRemoteReference(ctx context.Context, doc *domain.Document) (string, error) {
	if doc.AIFileRef != "" {
		return doc.AIFileRef, nil
	}

	snapshot := *doc
	ch := i.group.DoChan(doc.ID, func() (any, error) {
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.uploadTimeout)
		defer cancel()

		// A concurrent job may have finished an upload since doc was loaded.
		if current, err := i.docs.GetDocument(uploadCtx, snapshot.ID); err == nil && current.AIFileRef != "" {
			return current.AIFileRef, nil
		}
		return i.upload(uploadCtx, snapshot)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: document %s: waiting for upload: %w", domain.ErrUploadFailed, doc.ID, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}

	ref := res.Val.(string)
	if res.Shared {
		i.log.WithFields(logrus.Fields{"document_id": doc.ID, "file_ref": ref}).Debug("shared in-flight upload")
	}
	doc.AIFileRef = ref
	return ref, nil
}

func (i *Ingestor) upload(ctx context.Context, doc domain.Document) (string, error) {
	if doc.StorageKey == "" {
		return "", fmt.Errorf("%w: document %s has no storage key", domain.ErrContentUnavailable, doc.ID)
	}

	rc, err := i.files.Open(ctx, doc.StorageKey)
	if errors.Is(err, storage.ErrFileNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		return "", fmt.Errorf("%w: document %s: %w", domain.ErrContentUnavailable, doc.ID, err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: document %s: read source: %w", domain.ErrUploadFailed, doc.ID, err)
	}
	defer rc.Close()

	name := doc.FileName
	if name == "" {
		name = doc.StorageKey
	}

	ref, err := i.ai.UploadFile(ctx, name, rc)
	if errors.Is(err, domain.ErrNotConfigured) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("%w: document %s: %w", domain.ErrUploadFailed, doc.ID, err)
	}

	// Two processes racing here both hold valid references; the last write wins.
	doc.AIFileRef = ref
	if err := i.docs.UpdateDocument(ctx, &doc, "ai_file_ref"); err != nil {
		return "", fmt.Errorf("cache file reference: %w", err)
	}

	i.log.WithFields(logrus.Fields{"document_id": doc.ID, "file_ref": ref}).Info("document uploaded to ai backend")
	return ref, nil
}

// InvalidateReference clears the cached reference so the next job uploads
// again. Deleting the remote file is best effort.
func (i *Ingestor) InvalidateReference(ctx context.Context, doc *domain.Document) error {
	old := doc.AIFileRef
	if old == "" {
		return nil
	}

	doc.AIFileRef = ""
	if err := i.docs.UpdateDocument(ctx, doc, "ai_file_ref"); err != nil {
		doc.AIFileRef = old
		return fmt.Errorf("clear file reference: %w", err)
	}

	if err := i.ai.DeleteFile(context.WithoutCancel(ctx), old); err != nil {
		i.log.WithError(err).WithFields(logrus.Fields{"document_id": doc.ID, "file_ref": old}).Warn("delete remote file failed")
	}
	return nil
}
