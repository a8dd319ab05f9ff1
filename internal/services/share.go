package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/harsha-chodavarapu/student-app/internal/config"
)

var (
	ErrLinkExpired      = errors.New("share link expired")
	ErrLinkSignature    = errors.New("invalid share link signature")
	ErrShareUnavailable = errors.New("share links are not configured")
)

type ShareLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func SignURL(path string, expiresAt int64, secret string) string {
	signature := computeSignature(path, expiresAt, secret)
	return fmt.Sprintf("%s?exp=%d&sig=%s", path, expiresAt, signature)
}

func ValidateSignature(path string, expiresAt int64, signature, secret string) bool {
	expected := computeSignature(path, expiresAt, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ShareService issues expiring signed links to rendered study sheets.
type ShareService struct {
	secret  string
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewShareService(cfg config.Config) *ShareService {
	return &ShareService{
		secret:  cfg.ShareSecret,
		baseURL: cfg.BaseURL,
		ttl:     cfg.ShareTTL,
		now:     time.Now,
	}
}

func StudySheetPath(docID string) string {
	return fmt.Sprintf("/pdf/%s", docID)
}

func (s *ShareService) Generate(docID string) (ShareLink, error) {
	if s.secret == "" {
		return ShareLink{}, ErrShareUnavailable
	}
	expiresAt := s.now().Add(s.ttl)
	signedPath := SignURL(StudySheetPath(docID), expiresAt.Unix(), s.secret)

	return ShareLink{URL: s.baseURL + signedPath, ExpiresAt: expiresAt}, nil
}

// Validate checks expiry before the signature so stale links report as
// expired even when tampered with.
func (s *ShareService) Validate(docID string, expires int64, signature string) error {
	if s.now().Unix() > expires {
		return ErrLinkExpired
	}
	if !ValidateSignature(StudySheetPath(docID), expires, signature, s.secret) {
		return ErrLinkSignature
	}
	return nil
}

func computeSignature(path string, expiresAt int64, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%s:%d", path, expiresAt)))
	sig := h.Sum(nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)
}
