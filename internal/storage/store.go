package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

var ErrAlreadyReversed = errors.New("ledger entry already reversed")

// Store is the relational repository for users, documents, jobs and the coin ledger.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	// sqlite allows a single writer; one connection keeps charge and
	// transition statements strictly serialised.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.User{}, &domain.Document{}, &domain.Job{}, &domain.LedgerEntry{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Users ----------------------------------------------------------------------

// CreateUser inserts user. A non-zero starting balance is booked as a grant
// entry in the same transaction, so balances always match the ledger.
func (s *Store) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createUser(tx, &user)
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, fmt.Errorf("user %s %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// EnsureUser returns the user with the given email, creating it from template
// when missing. The template balance is only granted on creation.
func (s *Store) EnsureUser(ctx context.Context, template domain.User) (domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("email = ?", template.Email).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		user = domain.User{Email: template.Email, Name: template.Name, Coins: template.Coins}
		return createUser(tx, &user)
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure user %s: %w", template.Email, err)
	}
	return user, nil
}

func createUser(tx *gorm.DB, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	opening := user.Coins
	user.Coins = 0
	if err := tx.Create(user).Error; err != nil {
		return err
	}
	if opening <= 0 {
		return nil
	}

	grant := domain.LedgerEntry{UserID: user.ID, Delta: opening, Reason: domain.ReasonGrant, RefID: user.ID}
	if err := applyEntry(tx, &grant); err != nil {
		return err
	}
	user.Coins = opening
	return nil
}

// Documents ------------------------------------------------------------------

func (s *Store) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = domain.DocumentStatusUploaded
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var doc domain.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Document{}, fmt.Errorf("document %s %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// UpdateDocument persists only the named columns so that concurrent jobs
// writing different fields of the same document do not clobber each other.
func (s *Store) UpdateDocument(ctx context.Context, doc *domain.Document, columns ...string) error {
	if len(columns) == 0 {
		return fmt.Errorf("update document %s: no columns given", doc.ID)
	}
	doc.UpdatedAt = time.Now()
	columns = append(columns, "updated_at")

	res := s.db.WithContext(ctx).Model(doc).Select(columns).Updates(doc)
	if res.Error != nil {
		return fmt.Errorf("update document %s: %w", doc.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document %s %w", doc.ID, domain.ErrNotFound)
	}
	return nil
}

// Jobs -----------------------------------------------------------------------

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, fmt.Errorf("job %s %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// TransitionJob writes job only if the stored row is still in status from.
func (s *Store) TransitionJob(ctx context.Context, job *domain.Job, from domain.JobStatus) error {
	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", job.ID, from).
		Updates(map[string]any{
			"status":      job.Status,
			"error":       job.Error,
			"warning":     job.Warning,
			"updated_at":  job.UpdatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("transition job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s %s -> %s: %w", job.ID, from, job.Status, domain.ErrIllegalTransition)
	}
	return nil
}

// FindActiveJob returns the newest queued or running job for a document and type.
func (s *Store) FindActiveJob(ctx context.Context, documentID string, ct domain.ContentType) (domain.Job, bool, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND type = ? AND status IN ?", documentID, ct, []domain.JobStatus{domain.JobQueued, domain.JobRunning}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("find active job: %w", err)
	}
	return job, true, nil
}

// UnfinishedJobs lists queued and running jobs, oldest first.
func (s *Store) UnfinishedJobs(ctx context.Context) ([]domain.Job, error) {
	jobs := []domain.Job{}
	err := s.db.WithContext(ctx).
		Where("status IN ?", []domain.JobStatus{domain.JobQueued, domain.JobRunning}).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	return jobs, nil
}

// Ledger ---------------------------------------------------------------------

// ApplyLedgerEntry changes the user's balance by entry.Delta and appends entry
// in one transaction. A negative delta that would overdraw the balance
// fails with ErrInsufficientFunds and leaves nothing behind. A second
// reversal of the same entry fails with ErrAlreadyReversed.
func (s *Store) ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyEntry(tx, entry)
	})
}

func applyEntry(tx *gorm.DB, entry *domain.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if entry.Reason == domain.ReasonReversal {
		var count int64
		err := tx.Model(&domain.LedgerEntry{}).
			Where("reason = ? AND ref_id = ?", domain.ReasonReversal, entry.RefID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("check reversal: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("entry %s: %w", entry.RefID, ErrAlreadyReversed)
		}
	}

	query := tx.Model(&domain.User{}).Where("id = ?", entry.UserID)
	if entry.Delta < 0 {
		query = query.Where("coins >= ?", -entry.Delta)
	}
	res := query.Update("coins", gorm.Expr("coins + ?", entry.Delta))
	if res.Error != nil {
		return fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&domain.User{}).Where("id = ?", entry.UserID).Count(&count).Error; err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("user %s %w", entry.UserID, domain.ErrNotFound)
		}
		return domain.ErrInsufficientFunds
	}

	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := s.db.WithContext(ctx).First(&entry, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LedgerEntry{}, fmt.Errorf("ledger entry %s %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	entries := []domain.LedgerEntry{}
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}
