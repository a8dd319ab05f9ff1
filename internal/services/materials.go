package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

const pdfMIME = "application/pdf"

type DocumentCreator interface {
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
}

type UploadInput struct {
	UserID   string
	Title    string
	Subject  string
	FileName string
	MimeType string
	Body     io.Reader
}

// Materials stores uploaded study documents and rewards the uploader.
type Materials struct {
	docs     DocumentCreator
	files    storage.FileStore
	ledger   *Ledger
	reward   int
	maxBytes int64
	log      *logrus.Logger
}

func NewMaterials(cfg config.Config, docs DocumentCreator, files storage.FileStore, ledger *Ledger, log *logrus.Logger) *Materials {
	return &Materials{
		docs:     docs,
		files:    files,
		ledger:   ledger,
		reward:   cfg.UploadReward,
		maxBytes: cfg.MaxUploadBytes,
		log:      log,
	}
}

func (m *Materials) Upload(ctx context.Context, in UploadInput) (domain.Document, error) {
	data, err := io.ReadAll(io.LimitReader(in.Body, m.maxBytes+1))
	if err != nil {
		return domain.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return domain.Document{}, fmt.Errorf("%w: empty file", domain.ErrInvalidInput)
	}
	if int64(len(data)) > m.maxBytes {
		return domain.Document{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, storage.ErrFileTooLarge)
	}

	mimeType := strings.ToLower(strings.TrimSpace(in.MimeType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	var pages int
	if mimeType == pdfMIME || strings.EqualFold(filepath.Ext(in.FileName), ".pdf") {
		mimeType = pdfMIME
		pages, err = countPages(data)
		if err != nil {
			return domain.Document{}, fmt.Errorf("%w: unreadable pdf: %v", domain.ErrInvalidInput, err)
		}
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(in.FileName), filepath.Ext(in.FileName))
	}

	key := storage.NewStorageKey(in.FileName, mimeType)
	size, err := m.files.Save(ctx, key, bytes.NewReader(data))
	if errors.Is(err, storage.ErrFileTooLarge) {
		return domain.Document{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}

	doc, err := m.docs.CreateDocument(ctx, domain.Document{
		OwnerID:    in.UserID,
		Title:      title,
		Subject:    strings.TrimSpace(in.Subject),
		StorageKey: key,
		FileName:   filepath.Base(in.FileName),
		MimeType:   mimeType,
		FileSize:   size,
		PageCount:  pages,
	})
	if err != nil {
		_ = m.files.Delete(context.WithoutCancel(ctx), key)
		return domain.Document{}, err
	}

	entry := m.log.WithFields(logrus.Fields{"document_id": doc.ID, "user_id": in.UserID, "pages": pages, "bytes": size})
	entry.Info("document uploaded")

	if _, err := m.ledger.Reward(ctx, in.UserID, m.reward, domain.ReasonUploadReward, doc.ID); err != nil {
		entry.WithError(err).Warn("upload reward failed")
	}
	return doc, nil
}

func countPages(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}
