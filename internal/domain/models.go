package domain

import (
	"fmt"
	"strings"
	"time"
)

type ContentType string

const (
	ContentSummary    ContentType = "summary"
	ContentFlashcards ContentType = "flashcards"
	ContentBoth       ContentType = "both"
)

// ParseContentType accepts the request spelling of a content type.
func ParseContentType(raw string) (ContentType, error) {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(raw))); ct {
	case ContentSummary, ContentFlashcards, ContentBoth:
		return ct, nil
	}
	return "", fmt.Errorf("%w: unsupported content type %q", ErrInvalidInput, raw)
}

// Parts expands "both" into the individual generation steps.
func (c ContentType) Parts() []ContentType {
	if c == ContentBoth {
		return []ContentType{ContentSummary, ContentFlashcards}
	}
	return []ContentType{c}
}

func (c ContentType) Includes(part ContentType) bool {
	return c == part || c == ContentBoth
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

const (
	DocumentStatusUploaded  = "uploaded"
	DocumentStatusProcessed = "processed"
)

type User struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex"`
	Name      string    `json:"name"`
	Coins     int       `json:"coins"`
	CreatedAt time.Time `json:"createdAt"`
}

type Document struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	OwnerID        string    `json:"ownerId" gorm:"index"`
	Title          string    `json:"title"`
	Subject        string    `json:"subject,omitempty"`
	StorageKey     string    `json:"storageKey"`
	FileName       string    `json:"fileName"`
	MimeType       string    `json:"mimeType,omitempty"`
	FileSize       int64     `json:"fileSize"`
	PageCount      int       `json:"pageCount,omitempty"`
	AIFileRef      string    `json:"aiFileRef,omitempty" gorm:"column:ai_file_ref"`
	Summary        *string   `json:"summary,omitempty"`
	FlashcardsJSON *string   `json:"flashcards,omitempty" gorm:"column:flashcards_json"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (d Document) HasSummary() bool {
	return d.Summary != nil && strings.TrimSpace(*d.Summary) != ""
}

func (d Document) HasFlashcards() bool {
	return d.FlashcardsJSON != nil && strings.TrimSpace(*d.FlashcardsJSON) != ""
}

// Job is one generation attempt. It is mutated in place until it reaches a
// terminal status.
type Job struct {
	ID            string      `json:"jobId" gorm:"primaryKey"`
	UserID        string      `json:"userId" gorm:"index"`
	DocumentID    string      `json:"documentId" gorm:"index:idx_jobs_document_type"`
	Type          ContentType `json:"type" gorm:"index:idx_jobs_document_type"`
	Status        JobStatus   `json:"status"`
	Error         string      `json:"error"`
	Warning       string      `json:"warning,omitempty"`
	ChargeEntryID string      `json:"-"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty"`
}

const (
	ReasonGrant           = "grant"
	ReasonUploadReward    = "upload_reward"
	ReasonGenerationSpend = "ai_generation_spend"
	ReasonReversal        = "reversal"
)

type LedgerEntry struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"userId" gorm:"index"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	RefID     string    `json:"refId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type Flashcards struct {
	Cards []Flashcard `json:"cards"`
}
