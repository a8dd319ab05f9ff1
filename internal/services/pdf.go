package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

type PDFService struct{}

func NewPDFService() *PDFService {
	return &PDFService{}
}

// RenderStudySheet writes the document's summary and flashcards to outPath.
func (s *PDFService) RenderStudySheet(doc domain.Document, outPath string) error {
	if !doc.HasSummary() && !doc.HasFlashcards() {
		return fmt.Errorf("%w: document %s has no generated content", domain.ErrInvalidInput, doc.ID)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure pdf directory: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(fmt.Sprintf("Study sheet %s", doc.ID), true)
	pdf.SetAuthor("student-app", false)
	pdf.AddPage()

	title := doc.Title
	if strings.TrimSpace(title) == "" {
		title = "Study sheet"
	}

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 9, tr(title), "", "L", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 11)
	if doc.Subject != "" {
		pdf.Cell(0, 6, tr("Subject: "+doc.Subject))
		pdf.Ln(6)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Updated: %s", doc.UpdatedAt.Local().Format("2006-01-02 15:04")))
	pdf.Ln(10)

	if doc.HasSummary() {
		s.writeSection(pdf, tr, "Summary", *doc.Summary)
		pdf.Ln(6)
	}
	if doc.HasFlashcards() {
		s.writeFlashcards(pdf, tr, *doc.FlashcardsJSON)
	}

	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}

	return nil
}

func (s *PDFService) writeSection(pdf *gofpdf.Fpdf, tr func(string) string, title, content string) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, title)
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			pdf.Ln(3)
			continue
		}
		if strings.HasPrefix(line, "#") {
			pdf.SetFont("Helvetica", "B", 12)
			pdf.MultiCell(0, 6, tr(strings.TrimSpace(strings.TrimLeft(line, "#"))), "", "L", false)
			pdf.SetFont("Helvetica", "", 11)
			continue
		}
		pdf.MultiCell(0, 6, tr(strings.ReplaceAll(line, "**", "")), "", "L", false)
	}
}

func (s *PDFService) writeFlashcards(pdf *gofpdf.Fpdf, tr func(string) string, raw string) {
	var deck domain.Flashcards
	if err := json.Unmarshal([]byte(raw), &deck); err != nil || len(deck.Cards) == 0 {
		s.writeSection(pdf, tr, "Flashcards", raw)
		return
	}

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, "Flashcards")
	pdf.Ln(10)

	for i, card := range deck.Cards {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("%d. %s", i+1, card.Front)), "", "L", false)
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr("- "+card.Back), "", "L", false)
		pdf.Ln(2)
	}
}
