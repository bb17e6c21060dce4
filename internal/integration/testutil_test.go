package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zenkai-ai/zenkai/internal/agent"
	"github.com/zenkai-ai/zenkai/internal/config"
	"github.com/zenkai-ai/zenkai/internal/database"
	"github.com/zenkai-ai/zenkai/internal/dispatcher"
	"github.com/zenkai-ai/zenkai/internal/events"
	"github.com/zenkai-ai/zenkai/internal/handler"
	"github.com/zenkai-ai/zenkai/internal/jobs"
	"github.com/zenkai-ai/zenkai/internal/logger"
	"github.com/zenkai-ai/zenkai/internal/middleware"
	"github.com/zenkai-ai/zenkai/internal/sandbox/mock"
	"github.com/zenkai-ai/zenkai/internal/store"
)

// TestServer wraps a test HTTP server with helpers
type TestServer struct {
	Server      *httptest.Server
	Store       *store.Store
	Config      *config.Config
	Handler     *handler.Handler
	DB          *database.DB
	MockSandbox *mock.Provider // Access to mock for test assertions
	MockRunner  *agent.MockRunner
	Dispatcher  *dispatcher.Service
	EventPoller *events.Poller
	JobQueue    *jobs.Queue
	T           *testing.T
}

// NewTestServer creates a test server backed by a file-based SQLite
// database (in-memory SQLite creates separate databases per connection,
// which doesn't work with the dispatcher using separate goroutines).
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	cfg := &config.Config{
		Port:           8080,
		CORSOrigins:    []string{"*"},
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",

		DispatcherPollInterval:       10 * time.Millisecond,
		DispatcherHeartbeatInterval:  50 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         30 * time.Second,
		DispatcherStaleJobTimeout:    time.Minute,
		DispatcherImmediateExecution: true,
		JobMaxAttempts:               3,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	s := store.New(db.DB)
	log := logger.NewNop()

	pollerCfg := events.DefaultPollerConfig()
	pollerCfg.PollInterval = 10 * time.Millisecond
	eventPoller := events.NewPoller(s, pollerCfg, log)
	if err := eventPoller.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start event poller: %v", err)
	}
	eventBroker := events.NewBroker(s, eventPoller)

	jobQueue := jobs.NewQueue(s, cfg)
	h := handler.New(s, cfg, jobQueue, eventBroker)

	mockSandbox := mock.NewProvider()
	mockRunner := &agent.MockRunner{}
	results := jobs.NewStoreResultWriter(s, eventBroker)

	disp := dispatcher.NewService(s, cfg, eventBroker, log)
	disp.RegisterExecutor(jobs.NewCodeAgentExecutor(s, mockSandbox, mockRunner, results, log))
	disp.Start(context.Background())
	jobQueue.SetNotifyFunc(disp.NotifyNewJob)

	server := httptest.NewServer(setupRouter(h))

	ts := &TestServer{
		Server:      server,
		Store:       s,
		Config:      cfg,
		Handler:     h,
		DB:          db,
		MockSandbox: mockSandbox,
		MockRunner:  mockRunner,
		Dispatcher:  disp,
		EventPoller: eventPoller,
		JobQueue:    jobQueue,
		T:           t,
	}

	t.Cleanup(func() {
		disp.Stop()
		eventPoller.Stop()
		server.Close()
		_ = db.Close()
	})

	return ts
}

// setupRouter creates the router with all routes (matches main.go)
func setupRouter(h *handler.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	// Note: No global timeout - SSE endpoints need long-lived connections

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth())

		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)

		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Get("/events", h.Events)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.CreateMessage)
		})
	})

	return r
}

// Client returns an HTTP client acting as the given user
func (ts *TestServer) Client(userID string) *TestClient {
	return &TestClient{ts: ts, userID: userID}
}

// TestClient is a helper for making authenticated requests
type TestClient struct {
	ts     *TestServer
	userID string
}

// Get makes an authenticated GET request
func (tc *TestClient) Get(path string) *http.Response {
	tc.ts.T.Helper()
	return tc.do("GET", path, nil)
}

// Post makes an authenticated POST request
func (tc *TestClient) Post(path string, body interface{}) *http.Response {
	tc.ts.T.Helper()
	return tc.do("POST", path, body)
}

func (tc *TestClient) do(method, path string, body interface{}) *http.Response {
	tc.ts.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tc.ts.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, tc.ts.Server.URL+path, bodyReader)
	if err != nil {
		tc.ts.T.Fatalf("Failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", tc.userID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tc.ts.T.Fatalf("Request failed: %v", err)
	}

	return resp
}

// CreateProjectViaAPI creates a project through the API and returns its
// decoded response body.
func (ts *TestServer) CreateProjectViaAPI(client *TestClient, value string) map[string]interface{} {
	ts.T.Helper()

	resp := client.Post("/api/projects", map[string]string{"value": value})
	AssertStatus(ts.T, resp, http.StatusCreated)

	var project map[string]interface{}
	ParseJSON(ts.T, resp, &project)
	return project
}

// WaitForAssistantReply polls the messages endpoint until an assistant
// message shows up or the timeout expires.
func (ts *TestServer) WaitForAssistantReply(client *TestClient, projectID string) map[string]interface{} {
	ts.T.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := client.Get("/api/projects/" + projectID + "/messages")
		var messages []map[string]interface{}
		ParseJSON(ts.T, resp, &messages)

		for _, m := range messages {
			if m["role"] == "ASSISTANT" {
				return m
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	ts.T.Fatal("Timed out waiting for an assistant reply")
	return nil
}

// ParseJSON parses the response body as JSON
func ParseJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON: %v\nBody: %s", err, string(body))
	}
}

// AssertStatus checks the response status code
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		t.Errorf("Expected status %d, got %d\nBody: %s", expected, resp.StatusCode, string(body))
	}
}

// AssertError checks the status code and the error message in the body
func AssertError(t *testing.T, resp *http.Response, status int, message string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Errorf("Expected status %d, got %d", status, resp.StatusCode)
	}
	var body map[string]string
	ParseJSON(t, resp, &body)
	if body["error"] != message {
		t.Errorf("Expected error %q, got %q", message, body["error"])
	}
}
