package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

type LedgerRepository interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	ApplyLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
	GetLedgerEntry(ctx context.Context, id string) (domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, userID string) ([]domain.LedgerEntry, error)
}

// Ledger records coin movements. Every balance change goes through
// ApplyLedgerEntry, which writes the matching entry in the same transaction.
type Ledger struct {
	repo   LedgerRepository
	gating bool
	log    *logrus.Logger
}

func NewLedger(repo LedgerRepository, gating bool, log *logrus.Logger) *Ledger {
	return &Ledger{repo: repo, gating: gating, log: log}
}

func (l *Ledger) GatingEnabled() bool {
	return l.gating
}

// Charge takes amount coins from the user or fails with ErrInsufficientFunds
// without side effects. With gating disabled it does nothing and returns a
// zero entry.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int, reason, refID string) (domain.LedgerEntry, error) {
	if !l.gating || amount == 0 {
		return domain.LedgerEntry{}, nil
	}
	if amount < 0 {
		return domain.LedgerEntry{}, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	entry := domain.LedgerEntry{UserID: userID, Delta: -amount, Reason: reason, RefID: refID}
	if err := l.repo.ApplyLedgerEntry(ctx, &entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("charge %d coins: %w", amount, err)
	}

	l.log.WithFields(logrus.Fields{"user_id": userID, "delta": entry.Delta, "reason": reason, "ref_id": refID}).Info("coins charged")
	return entry, nil
}

func (l *Ledger) Reward(ctx context.Context, userID string, amount int, reason, refID string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, nil
	}

	entry := domain.LedgerEntry{UserID: userID, Delta: amount, Reason: reason, RefID: refID}
	if err := l.repo.ApplyLedgerEntry(ctx, &entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reward %d coins: %w", amount, err)
	}

	l.log.WithFields(logrus.Fields{"user_id": userID, "delta": entry.Delta, "reason": reason, "ref_id": refID}).Info("coins rewarded")
	return entry, nil
}

// Reverse books the opposite of an earlier entry. An entry can be reversed
// once, which the repository enforces inside the balance transaction;
// reversals themselves cannot be reversed.
func (l *Ledger) Reverse(ctx context.Context, entryID string) (domain.LedgerEntry, error) {
	original, err := l.repo.GetLedgerEntry(ctx, entryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if original.Reason == domain.ReasonReversal {
		return domain.LedgerEntry{}, fmt.Errorf("entry %s is itself a reversal", entryID)
	}

	entry := domain.LedgerEntry{UserID: original.UserID, Delta: -original.Delta, Reason: domain.ReasonReversal, RefID: entryID}
	if err := l.repo.ApplyLedgerEntry(ctx, &entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("reverse entry %s: %w", entryID, err)
	}

	l.log.WithFields(logrus.Fields{"user_id": entry.UserID, "delta": entry.Delta, "ref_id": entryID}).Info("ledger entry reversed")
	return entry, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	user, err := l.repo.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Coins, nil
}

func (l *Ledger) Entries(ctx context.Context, userID string) ([]domain.LedgerEntry, error) {
	return l.repo.ListLedgerEntries(ctx, userID)
}
