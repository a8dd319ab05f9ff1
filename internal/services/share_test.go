package services

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

func TestShareLinkRoundTrip(t *testing.T) {
	share := NewShareService(testConfig("http://unused"))

	link, err := share.Generate("doc-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	u, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Path != "/pdf/doc-1" {
		t.Fatalf("unexpected path %s", u.Path)
	}
	exp, _ := strconv.ParseInt(u.Query().Get("exp"), 10, 64)
	sig := u.Query().Get("sig")

	if err := share.Validate("doc-1", exp, sig); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := share.Validate("doc-2", exp, sig); !errors.Is(err, ErrLinkSignature) {
		t.Fatalf("expected signature error for another document, got %v", err)
	}

	share.now = func() time.Time { return time.Unix(exp+1, 0) }
	if err := share.Validate("doc-1", exp, sig); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected expired link, got %v", err)
	}
}

func TestRenderStudySheet(t *testing.T) {
	summary := "# Overview\nThe **first law** of thermodynamics.\n\nEnergy is conserved."
	cards := testFlashcards
	doc := domain.Document{ID: "doc-1", Title: "Thermodynamics", Summary: &summary, FlashcardsJSON: &cards, UpdatedAt: time.Now()}

	out := filepath.Join(t.TempDir(), "pdf", "doc-1.pdf")
	if err := NewPDFService().RenderStudySheet(doc, out); err != nil {
		t.Fatalf("render: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read pdf: %v", err)
	}
	pages, err := countPages(data)
	if err != nil || pages < 1 {
		t.Fatalf("rendered pdf unreadable: pages=%d err=%v", pages, err)
	}

	empty := domain.Document{ID: "doc-2"}
	if err := NewPDFService().RenderStudySheet(empty, out); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input without content, got %v", err)
	}
}
