package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

// Results holds raw provider output per content type. A nil field was not
// produced and leaves the document field untouched.
type Results struct {
	Summary    *string
	Flashcards *string
}

// Outcome reports what Apply wrote. Warning wraps ErrMalformedResult when the
// flashcards were stored verbatim because they did not parse.
type Outcome struct {
	Applied []domain.ContentType
	Warning error
}

type Applier struct {
	docs DocumentRepository
}

func NewApplier(docs DocumentRepository) *Applier {
	return &Applier{docs: docs}
}

// Apply writes the results that match ct onto doc and persists the touched
// columns in one update.
func (a *Applier) Apply(ctx context.Context, doc *domain.Document, ct domain.ContentType, res Results) (Outcome, error) {
	var (
		out     Outcome
		columns []string
	)

	if ct.Includes(domain.ContentSummary) && res.Summary != nil {
		summary := strings.TrimSpace(*res.Summary)
		doc.Summary = &summary
		columns = append(columns, "summary")
		out.Applied = append(out.Applied, domain.ContentSummary)
	}

	if ct.Includes(domain.ContentFlashcards) && res.Flashcards != nil {
		stored, err := normalizeFlashcards(*res.Flashcards)
		if err != nil {
			out.Warning = fmt.Errorf("%w: flashcards: %v", domain.ErrMalformedResult, err)
		}
		doc.FlashcardsJSON = &stored
		columns = append(columns, "flashcards_json")
		out.Applied = append(out.Applied, domain.ContentFlashcards)
	}

	if len(columns) == 0 {
		return out, nil
	}

	doc.Status = domain.DocumentStatusProcessed
	columns = append(columns, "status")
	if err := a.docs.UpdateDocument(ctx, doc, columns...); err != nil {
		return Outcome{}, fmt.Errorf("apply generated content: %w", err)
	}
	return out, nil
}

// normalizeFlashcards strips a markdown fence and validates the card schema.
// On failure it returns raw unchanged alongside the reason.
func normalizeFlashcards(raw string) (string, error) {
	cleaned := stripCodeFence(raw)

	var deck domain.Flashcards
	if err := json.Unmarshal([]byte(cleaned), &deck); err != nil {
		return raw, err
	}
	if len(deck.Cards) == 0 {
		return raw, errors.New("no cards")
	}
	for i, card := range deck.Cards {
		if strings.TrimSpace(card.Front) == "" || strings.TrimSpace(card.Back) == "" {
			return raw, fmt.Errorf("card %d is missing front or back", i)
		}
	}

	out, err := json.Marshal(deck)
	if err != nil {
		return raw, err
	}
	return string(out), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// PlaceholderResults is substituted when the document bytes cannot be found
// and the deployment prefers degraded content to a failed job.
func PlaceholderResults(ct domain.ContentType, title string) Results {
	var res Results
	if ct.Includes(domain.ContentSummary) {
		summary := fmt.Sprintf("Overview\n\nThe source file for %q is not available, so no summary could be generated. Re-upload the document and request a new summary.", title)
		res.Summary = &summary
	}
	if ct.Includes(domain.ContentFlashcards) {
		deck := domain.Flashcards{Cards: []domain.Flashcard{
			{Front: "Why are there no flashcards for " + title + "?", Back: "The source file is not available. Re-upload it and generate flashcards again."},
		}}
		raw, _ := json.Marshal(deck)
		cards := string(raw)
		res.Flashcards = &cards
	}
	return res
}
