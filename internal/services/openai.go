package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

const (
	assistantsBeta = "assistants=v2"
	fileSearchTool = "file_search"
	filePurpose    = "assistants"
)

// OpenAIService drives the assistants API: every Generate call creates its
// own assistant, thread and run, so calls share no state.
type OpenAIService struct {
	apiKey          string
	baseURL         string
	model           string
	pollInterval    time.Duration
	maxPollAttempts int
	httpClient      *http.Client
	log             *logrus.Logger
}

func NewOpenAIService(cfg config.Config, log *logrus.Logger) *OpenAIService {
	return &OpenAIService{
		apiKey:          cfg.OpenAIAPIKey,
		baseURL:         strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		model:           cfg.OpenAIModel,
		pollInterval:    cfg.PollInterval,
		maxPollAttempts: cfg.MaxPollAttempts,
		httpClient: &http.Client{
			Timeout: cfg.OpenAIRequestTimeout,
		},
		log: log,
	}
}

func (s *OpenAIService) Configured() bool {
	return s.ensureAPIKey() == nil
}

// UploadFile sends document bytes to the files endpoint and returns the file id.
func (s *OpenAIService) UploadFile(ctx context.Context, filename string, r io.Reader) (string, error) {
	if err := s.ensureAPIKey(); err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("purpose", filePurpose); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create multipart file: %w", err)
	}

	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("copy document data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/files", body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", s.decodeAPIError(resp)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if payload.ID == "" {
		return "", fmt.Errorf("upload response carried no file id")
	}

	return payload.ID, nil
}

func (s *OpenAIService) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.ensureAPIKey(); err != nil {
		return err
	}
	return s.doJSON(ctx, http.MethodDelete, "/files/"+url.PathEscape(fileID), nil, nil)
}

// Generate runs one assistant against the referenced file and returns the raw
// text of its reply. ct must be a single content type, not ContentBoth.
func (s *OpenAIService) Generate(ctx context.Context, fileRef string, ct domain.ContentType) (string, error) {
	if err := s.ensureAPIKey(); err != nil {
		return "", err
	}
	if ct != domain.ContentSummary && ct != domain.ContentFlashcards {
		return "", fmt.Errorf("generate: unsupported content type %q", ct)
	}

	entry := s.log.WithFields(logrus.Fields{
		"file_ref":     fileRef,
		"content_type": ct,
	})

	assistantID, err := s.createAssistant(ctx)
	if err != nil {
		return "", s.failure(ctx, "create assistant", err)
	}
	defer s.deleteAssistant(context.WithoutCancel(ctx), assistantID, entry)

	threadID, err := s.createThread(ctx)
	if err != nil {
		return "", s.failure(ctx, "create thread", err)
	}

	if err := s.addMessage(ctx, threadID, fileRef, promptFor(ct)); err != nil {
		return "", s.failure(ctx, "add message", err)
	}

	runID, err := s.createRun(ctx, threadID, assistantID)
	if err != nil {
		return "", s.failure(ctx, "start run", err)
	}

	entry = entry.WithFields(logrus.Fields{"thread_id": threadID, "run_id": runID})
	entry.Info("assistant run started")

	if err := s.waitForRun(ctx, threadID, runID, entry); err != nil {
		return "", err
	}

	text, err := s.latestAssistantText(ctx, threadID)
	if err != nil {
		return "", s.failure(ctx, "read reply", err)
	}
	return text, nil
}

type runStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (r runStatus) lastError() string {
	if r.LastError == nil {
		return "no error reported"
	}
	if r.LastError.Code == "" {
		return r.LastError.Message
	}
	return fmt.Sprintf("%s: %s", r.LastError.Code, r.LastError.Message)
}

// waitForRun checks the run status at most maxPollAttempts times, sleeping
// pollInterval between checks but not after the last one.
func (s *OpenAIService) waitForRun(ctx context.Context, threadID, runID string, entry *logrus.Entry) error {
	path := fmt.Sprintf("/threads/%s/runs/%s", url.PathEscape(threadID), url.PathEscape(runID))

	for attempt := 1; attempt <= s.maxPollAttempts; attempt++ {
		var run runStatus
		if err := s.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
			return s.failure(ctx, "check run status", err)
		}
		entry.WithFields(logrus.Fields{"attempt": attempt, "status": run.Status}).Debug("run status")

		switch run.Status {
		case "completed":
			return nil
		case "failed", "cancelled", "expired", "incomplete":
			return fmt.Errorf("%w: run %s: %s", domain.ErrGenerationFailed, run.Status, run.lastError())
		}

		if attempt == s.maxPollAttempts {
			break
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", domain.ErrGenerationTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: run %s not completed after %d status checks", domain.ErrGenerationTimeout, runID, s.maxPollAttempts)
}

func (s *OpenAIService) createAssistant(ctx context.Context) (string, error) {
	payload := map[string]any{
		"model":        s.model,
		"name":         assistantName,
		"instructions": assistantInstructions,
		"tools":        []map[string]string{{"type": fileSearchTool}},
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodPost, "/assistants", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *OpenAIService) deleteAssistant(ctx context.Context, assistantID string, entry *logrus.Entry) {
	err := s.doJSON(ctx, http.MethodDelete, "/assistants/"+url.PathEscape(assistantID), nil, nil)
	if err != nil {
		entry.WithError(err).WithField("assistant_id", assistantID).Warn("delete assistant failed")
	}
}

func (s *OpenAIService) createThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.doJSON(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *OpenAIService) addMessage(ctx context.Context, threadID, fileRef, prompt string) error {
	payload := map[string]any{
		"role":    "user",
		"content": prompt,
		"attachments": []map[string]any{
			{
				"file_id": fileRef,
				"tools":   []map[string]string{{"type": fileSearchTool}},
			},
		},
	}
	return s.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", payload, nil)
}

func (s *OpenAIService) createRun(ctx context.Context, threadID, assistantID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	payload := map[string]string{"assistant_id": assistantID}
	if err := s.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// latestAssistantText returns the first text block of the newest assistant message.
func (s *OpenAIService) latestAssistantText(ctx context.Context, threadID string) (string, error) {
	var out struct {
		Data []struct {
			Role      string `json:"role"`
			CreatedAt int64  `json:"created_at"`
			Content   []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=20"
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}

	newest := -1
	for i, msg := range out.Data {
		if msg.Role != "assistant" {
			continue
		}
		if newest < 0 || msg.CreatedAt > out.Data[newest].CreatedAt {
			newest = i
		}
	}
	if newest < 0 {
		return "", fmt.Errorf("no assistant message in thread %s", threadID)
	}

	for _, block := range out.Data[newest].Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text.Value), nil
		}
	}
	return "", fmt.Errorf("assistant message in thread %s has no text content", threadID)
}

// failure tags a step error as a timeout when the caller's context ran out,
// and as a generation failure otherwise.
func (s *OpenAIService) failure(ctx context.Context, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrGenerationTimeout, step, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrGenerationFailed, step, err)
}

func (s *OpenAIService) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", path, err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBeta)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return s.decodeAPIError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (s *OpenAIService) do(req *http.Request) (*http.Response, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	return resp, nil
}

func (s *OpenAIService) decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("openai api error: status %d type %s message %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("openai api error: status %d body %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func (s *OpenAIService) ensureAPIKey() error {
	if strings.TrimSpace(s.apiKey) == "" {
		return domain.ErrNotConfigured
	}
	return nil
}
