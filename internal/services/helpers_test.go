package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/config"
	"github.com/harsha-chodavarapu/student-app/internal/domain"
	"github.com/harsha-chodavarapu/student-app/internal/storage"
)

const (
	testSummary    = "## Overview\nThermodynamics studies energy transfer."
	testFlashcards = `{"cards":[{"front":"First law?","back":"Energy is conserved."}]}`
)

// fakeAI emulates the assistants endpoints the client uses.
type fakeAI struct {
	*httptest.Server

	mu             sync.Mutex
	uploads        int
	fileDeletes    int
	created        int
	deleted        int
	statusChecks   int
	missingHeaders int
	failDeletes    bool
	threadKind     map[string]domain.ContentType
	status         map[domain.ContentType]string
	replies        map[domain.ContentType]string
	counter        int
}

func newFakeAI(t *testing.T) *fakeAI {
	t.Helper()

	f := &fakeAI{
		threadKind: map[string]domain.ContentType{},
		status:     map[domain.ContentType]string{},
		replies: map[domain.ContentType]string{
			domain.ContentSummary:    testSummary,
			domain.ContentFlashcards: testFlashcards,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", f.handleUpload)
	mux.HandleFunc("DELETE /files/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.fileDeletes++
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": r.PathValue("id"), "deleted": true})
	})
	mux.HandleFunc("POST /assistants", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		f.created++
		id := f.nextID("asst")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": id})
	})
	mux.HandleFunc("DELETE /assistants/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		f.deleted++
		fail := f.failDeletes
		f.mu.Unlock()
		if fail {
			http.Error(w, `{"error":{"message":"delete unavailable","type":"server_error"}}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"id": r.PathValue("id"), "deleted": true})
	})
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		id := f.nextID("thread")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": id})
	})
	mux.HandleFunc("POST /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		var body struct {
			Content     string `json:"content"`
			Attachments []struct {
				FileID string `json:"file_id"`
			} `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Attachments) != 1 || body.Attachments[0].FileID == "" {
			http.Error(w, `{"error":{"message":"bad message","type":"invalid_request_error"}}`, http.StatusBadRequest)
			return
		}
		kind := domain.ContentSummary
		if strings.Contains(body.Content, "flashcards") {
			kind = domain.ContentFlashcards
		}
		f.mu.Lock()
		f.threadKind[r.PathValue("id")] = kind
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "msg-user"})
	})
	mux.HandleFunc("POST /threads/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		id := f.nextID("run")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": id, "status": "queued"})
	})
	mux.HandleFunc("GET /threads/{id}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		f.statusChecks++
		status := f.status[f.threadKind[r.PathValue("id")]]
		f.mu.Unlock()
		if status == "" {
			status = "completed"
		}
		resp := map[string]any{"id": r.PathValue("run"), "status": status}
		if status == "failed" {
			resp["last_error"] = map[string]string{"code": "server_error", "message": "model overloaded"}
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("GET /threads/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.checkHeaders(r)
		f.mu.Lock()
		reply := f.replies[f.threadKind[r.PathValue("id")]]
		f.mu.Unlock()
		writeJSON(w, map[string]any{"data": []map[string]any{
			{"role": "assistant", "created_at": 100, "content": []map[string]any{{"type": "text", "text": map[string]string{"value": reply}}}},
			{"role": "user", "created_at": 90, "content": []map[string]any{{"type": "text", "text": map[string]string{"value": "prompt"}}}},
			{"role": "assistant", "created_at": 10, "content": []map[string]any{{"type": "text", "text": map[string]string{"value": "stale reply"}}}},
		}})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAI) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil || r.FormValue("purpose") != "assistants" {
		http.Error(w, `{"error":{"message":"bad upload","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.uploads++
	id := f.nextID("file")
	f.mu.Unlock()
	writeJSON(w, map[string]any{"id": id, "purpose": "assistants"})
}

// nextID must be called with mu held.
func (f *fakeAI) nextID(prefix string) string {
	f.counter++
	return fmt.Sprintf("%s-%d", prefix, f.counter)
}

func (f *fakeAI) checkHeaders(r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer sk-test" || r.Header.Get("OpenAI-Beta") != "assistants=v2" {
		f.mu.Lock()
		f.missingHeaders++
		f.mu.Unlock()
	}
}

func (f *fakeAI) setStatus(ct domain.ContentType, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[ct] = status
}

func (f *fakeAI) setReply(ct domain.ContentType, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[ct] = reply
}

func (f *fakeAI) setFailDeletes(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDeletes = fail
}

func (f *fakeAI) counts() (uploads, created, deleted, checks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, f.created, f.deleted, f.statusChecks
}

func (f *fakeAI) headerMisses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.missingHeaders
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		Environment:          "test",
		LogLevel:             "info",
		MaxUploadBytes:       1 << 20,
		BaseURL:              "http://localhost:8080",
		ShareSecret:          "secret",
		ShareTTL:             time.Minute,
		OpenAIAPIKey:         "sk-test",
		OpenAIBaseURL:        baseURL,
		OpenAIModel:          "gpt-4o",
		OpenAIRequestTimeout: 5 * time.Second,
		PollInterval:         time.Millisecond,
		MaxPollAttempts:      3,
		TaskTimeout:          10 * time.Second,
		GenerationCost:       2,
		UploadReward:         1,
		CoinGatingEnabled:    true,
		MissingContentPolicy: config.PolicyFail,
		WorkerCount:          2,
		QueueSize:            4,
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// recordingJobs remembers every status a job was persisted with.
type recordingJobs struct {
	*storage.Store

	mu      sync.Mutex
	history map[string][]domain.JobStatus
}

func (r *recordingJobs) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := r.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	r.record(job.ID, job.Status)
	return nil
}

func (r *recordingJobs) TransitionJob(ctx context.Context, job *domain.Job, from domain.JobStatus) error {
	if err := r.Store.TransitionJob(ctx, job, from); err != nil {
		return err
	}
	r.record(job.ID, job.Status)
	return nil
}

func (r *recordingJobs) record(id string, status domain.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[id] = append(r.history[id], status)
}

func (r *recordingJobs) statuses(id string) []domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobStatus(nil), r.history[id]...)
}

type testEnv struct {
	cfg      config.Config
	ai       *fakeAI
	store    *storage.Store
	files    *storage.LocalFiles
	jobs     *recordingJobs
	openai   *OpenAIService
	ingestor *Ingestor
	ledger   *Ledger
	pipeline *Pipeline
	user     domain.User
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	ai := newFakeAI(t)
	cfg := testConfig(ai.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	log := testLogger()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	files, err := storage.NewLocalFiles(t.TempDir(), nil, cfg.MaxUploadBytes)
	if err != nil {
		t.Fatalf("files: %v", err)
	}

	env := &testEnv{
		cfg:   cfg,
		ai:    ai,
		store: store,
		files: files,
		jobs:  &recordingJobs{Store: store, history: map[string][]domain.JobStatus{}},
	}
	env.openai = NewOpenAIService(cfg, log)
	env.ingestor = NewIngestor(store, files, env.openai, log)
	env.ledger = NewLedger(store, cfg.CoinGatingEnabled, log)
	env.pipeline = NewPipeline(cfg, PipelineDeps{
		Documents: store,
		Jobs:      NewJobTracker(env.jobs),
		Ingestor:  env.ingestor,
		Generator: env.openai,
		Applier:   NewApplier(store),
		Ledger:    env.ledger,
	}, log)

	env.user, err = store.CreateUser(context.Background(), domain.User{Email: "student@example.com", Name: "Student", Coins: 100})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return env
}

// addDocument stores a document; empty content leaves it without bytes.
func (e *testEnv) addDocument(t *testing.T, content string) domain.Document {
	t.Helper()
	ctx := context.Background()

	key := storage.NewStorageKey("lecture.pdf", "")
	if content != "" {
		if _, err := e.files.Save(ctx, key, strings.NewReader(content)); err != nil {
			t.Fatalf("save file: %v", err)
		}
	}
	doc, err := e.store.CreateDocument(ctx, domain.Document{
		OwnerID:    e.user.ID,
		Title:      "Thermodynamics",
		StorageKey: key,
		FileName:   "lecture.pdf",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func (e *testEnv) balance(t *testing.T) int {
	t.Helper()
	coins, err := e.ledger.Balance(context.Background(), e.user.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return coins
}

// entries returns the user's ledger entries after the opening grant.
func (e *testEnv) entries(t *testing.T) []domain.LedgerEntry {
	t.Helper()
	entries, err := e.ledger.Entries(context.Background(), e.user.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) == 0 || entries[0].Reason != domain.ReasonGrant || entries[0].Delta != 100 {
		t.Fatalf("expected an opening grant of 100, got %+v", entries)
	}
	return entries[1:]
}
