package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"chatimport/internal/account"
	"chatimport/internal/auth"
	"chatimport/internal/chat"
	"chatimport/internal/config"
	"chatimport/internal/failure"
	"chatimport/internal/guard"
	"chatimport/internal/importer"
	"chatimport/internal/storage"
	"chatimport/internal/vault"
	"chatimport/internal/worker"
)

const exportCSV = "Date,Time,Sender,Original Message,Translated Message\n" +
	"07/04/25,7:52 am,Alice,Hello,Hi\n" +
	"07/04/25,8:05 pm,Bob,,Good evening\n"

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	manager *worker.Manager
	handler *Handler
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	keys, err := vault.NewStaticKeys(key)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = 1 << 20
	}

	chats := chat.NewService(db)
	imports := importer.NewService(db, chats, vault.New(keys), nil, nil, importer.Options{
		Policy: guard.Policy{
			MaxBytes:          opts.MaxUploadBytes,
			AllowedExtensions: []string{".csv"},
			AllowedMIMETypes:  []string{"text/csv", "application/csv", "text/plain"},
		},
		ArtifactDir:  filepath.Join(t.TempDir(), "artifacts"),
		WriteRetries: 2,
	})
	manager := worker.NewManager(imports, nil, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, 10*time.Second, nil)
	t.Cleanup(manager.Stop)

	h := NewHandler(account.NewService(db).WithCost(bcrypt.MinCost), chats, imports, manager,
		auth.NewService(db, nil, time.Hour), nil, opts)
	return &testServer{router: NewRouter(h, nil, nil), db: db, manager: manager, handler: h}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type uploadForm struct {
	name        string
	contentType string
	content     []byte
	fields      map[string]string
}

func (s *testServer) upload(t *testing.T, chatID int64, token string, form uploadForm) *httptest.ResponseRecorder {
	t.Helper()
	if form.name == "" {
		form.name = "export.csv"
	}
	if form.contentType == "" {
		form.contentType = "text/csv"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range form.fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, form.name))
	hdr.Set("Content-Type", form.contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(form.content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/chats/%d/csv-import", chatID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// signup registers and logs in a user, returning the auth token.
func (s *testServer) signup(t *testing.T, username, display string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/users/register", map[string]string{
		"username":     username,
		"password":     "pass123",
		"display_name": display,
	}, "")
	assertStatus(t, w, http.StatusCreated)
	w = s.do(t, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": "pass123",
	}, "")
	assertStatus(t, w, http.StatusOK)
	var body struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, w.Body.Bytes(), &body)
	if body.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	return body.AuthToken
}

func (s *testServer) createChat(t *testing.T, token, partner string) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/chats", map[string]string{"partner": partner, "title": "history"}, token)
	assertStatus(t, w, http.StatusCreated)
	var body struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, w.Body.Bytes(), &body)
	return body.ID
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details"`
}

func TestImportListAndRollbackFlow(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	chatID := s.createChat(t, alice, "bob")

	w := s.upload(t, chatID, alice, uploadForm{content: []byte(exportCSV), fields: map[string]string{"timezone": "UTC"}})
	assertStatus(t, w, http.StatusOK)
	var summary struct {
		Success          bool           `json:"success"`
		ImportID         string         `json:"importId"`
		MessagesImported int            `json:"messagesImported"`
		SenderBreakdown  map[string]int `json:"senderBreakdown"`
		DateRange        struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"dateRange"`
	}
	decodeJSON(t, w.Body.Bytes(), &summary)
	if !summary.Success || summary.ImportID == "" || summary.MessagesImported != 2 {
		t.Fatalf("unexpected summary %s", w.Body.String())
	}
	if summary.SenderBreakdown["Alice"] != 1 || summary.SenderBreakdown["Bob"] != 1 {
		t.Fatalf("unexpected breakdown %v", summary.SenderBreakdown)
	}
	if want := time.Date(2025, 7, 4, 7, 52, 0, 0, time.UTC); !summary.DateRange.Start.Equal(want) {
		t.Fatalf("range start = %v, want %v", summary.DateRange.Start, want)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/messages", chatID), nil, alice)
	assertStatus(t, w, http.StatusOK)
	var msgs struct {
		Messages []struct {
			Content  string `json:"content"`
			Metadata *struct {
				ImportedFrom struct {
					ImportID      string `json:"importId"`
					Source        string `json:"source"`
					OriginalText  string `json:"originalText"`
					WasTranslated bool   `json:"wasTranslated"`
				} `json:"importedFrom"`
			} `json:"metadata"`
		} `json:"messages"`
	}
	decodeJSON(t, w.Body.Bytes(), &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs.Messages))
	}
	first := msgs.Messages[0]
	if first.Content != "Hi" || first.Metadata == nil || first.Metadata.ImportedFrom.ImportID != summary.ImportID ||
		first.Metadata.ImportedFrom.OriginalText != "Hello" || !first.Metadata.ImportedFrom.WasTranslated ||
		first.Metadata.ImportedFrom.Source != "csv" {
		t.Fatalf("unexpected first message %+v", first)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/imports", chatID), nil, alice)
	assertStatus(t, w, http.StatusOK)
	var list struct {
		Imports []struct {
			ImportID     string `json:"importId"`
			FileName     string `json:"fileName"`
			MessageCount int    `json:"messageCount"`
		} `json:"imports"`
	}
	decodeJSON(t, w.Body.Bytes(), &list)
	if len(list.Imports) != 1 || list.Imports[0].ImportID != summary.ImportID ||
		list.Imports[0].FileName != "export.csv" || list.Imports[0].MessageCount != 2 {
		t.Fatalf("unexpected import list %s", w.Body.String())
	}

	rollbackPath := fmt.Sprintf("/api/chats/%d/imports/%s/rollback", chatID, summary.ImportID)
	w = s.do(t, http.MethodPost, rollbackPath, nil, alice)
	assertStatus(t, w, http.StatusOK)
	var rb struct {
		Success         bool  `json:"success"`
		MessagesRemoved int64 `json:"messagesRemoved"`
	}
	decodeJSON(t, w.Body.Bytes(), &rb)
	if !rb.Success || rb.MessagesRemoved != 2 {
		t.Fatalf("unexpected rollback body %s", w.Body.String())
	}

	w = s.do(t, http.MethodPost, rollbackPath, nil, alice)
	assertError(t, w, http.StatusNotFound, "ImportNotFound")
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t, Options{MaxUploadBytes: 256})
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	carol := s.signup(t, "carol", "Carol")
	chatID := s.createChat(t, alice, "bob")

	big := bytes.Repeat([]byte("07/04/25,7:52 am,Alice,Hello,Hi\n"), 20)
	cases := []struct {
		name   string
		token  string
		form   uploadForm
		status int
		kind   string
	}{
		{"extension", alice, uploadForm{name: "export.xlsx", content: []byte(exportCSV)}, http.StatusUnsupportedMediaType, "UnsupportedFormat"},
		{"mime", alice, uploadForm{contentType: "application/pdf", content: []byte(exportCSV)}, http.StatusUnsupportedMediaType, "UnsupportedFormat"},
		{"size", alice, uploadForm{content: big}, http.StatusRequestEntityTooLarge, "TooLarge"},
		{"executable", alice, uploadForm{content: []byte("MZ\x90\x00rest of a binary")}, http.StatusUnprocessableEntity, "SuspiciousContent"},
		{"script", alice, uploadForm{content: []byte("date,time\n<script>alert(1)</script>")}, http.StatusUnprocessableEntity, "SuspiciousContent"},
		{"outsider", carol, uploadForm{content: []byte(exportCSV)}, http.StatusForbidden, "AccessDenied"},
		{"timezone", alice, uploadForm{content: []byte(exportCSV), fields: map[string]string{"timezone": "Mars/Olympus"}}, http.StatusBadRequest, "InvalidRequest"},
		{"sender map", alice, uploadForm{content: []byte(exportCSV), fields: map[string]string{"sender_map": "{not json"}}, http.StatusBadRequest, "InvalidRequest"},
		{"header", alice, uploadForm{content: []byte("Foo,Bar\n1,2\n")}, http.StatusUnsupportedMediaType, "UnsupportedFormat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.upload(t, chatID, tc.token, tc.form)
			assertError(t, w, tc.status, tc.kind)
		})
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected uploads stored %d messages", count)
	}
}

func TestSizeLimitDetailsNameTheLimit(t *testing.T) {
	s := newTestServer(t, Options{MaxUploadBytes: 64})
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	chatID := s.createChat(t, alice, "bob")

	w := s.upload(t, chatID, alice, uploadForm{content: bytes.Repeat([]byte("a"), 100)})
	body := assertError(t, w, http.StatusRequestEntityTooLarge, "TooLarge")
	if body.Details != "file exceeds the maximum size of 64 bytes" {
		t.Fatalf("unexpected details %q", body.Details)
	}
}

func TestAsyncImportReportsJobStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	carol := s.signup(t, "carol", "Carol")
	chatID := s.createChat(t, alice, "bob")

	w := s.upload(t, chatID, alice, uploadForm{content: []byte(exportCSV), fields: map[string]string{"async": "true"}})
	assertStatus(t, w, http.StatusAccepted)
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decodeJSON(t, w.Body.Bytes(), &accepted)
	if accepted.JobID == "" {
		t.Fatalf("expected job id")
	}

	statusPath := fmt.Sprintf("/api/chats/%d/import-jobs/%s", chatID, accepted.JobID)
	var job struct {
		Job struct {
			State   string `json:"state"`
			Summary struct {
				MessagesImported int `json:"messagesImported"`
			} `json:"summary"`
		} `json:"job"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		w = s.do(t, http.MethodGet, statusPath, nil, alice)
		assertStatus(t, w, http.StatusOK)
		decodeJSON(t, w.Body.Bytes(), &job)
		if job.Job.State == string(worker.JobSucceeded) {
			break
		}
		if job.Job.State == string(worker.JobFailed) || time.Now().After(deadline) {
			t.Fatalf("job did not succeed: %s", w.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Job.Summary.MessagesImported != 2 {
		t.Fatalf("unexpected job summary %+v", job.Job)
	}

	w = s.do(t, http.MethodGet, statusPath, nil, carol)
	assertError(t, w, http.StatusForbidden, "AccessDenied")
	w = s.do(t, http.MethodGet, fmt.Sprintf("/api/chats/%d/import-jobs/unknown", chatID), nil, alice)
	assertError(t, w, http.StatusNotFound, "JobNotFound")
}

// slowJobs reports every synchronous import as outliving its request.
type slowJobs struct {
	*worker.Manager
}

func (slowJobs) Run(ctx context.Context, art *importer.Artifact) (*importer.Summary, error) {
	return nil, failure.Wrap(failure.KindImportPending, "the import is still running; poll its job for the outcome",
		&worker.PendingError{JobID: "job-" + art.ID, Err: context.DeadlineExceeded})
}

func TestSyncImportOutlivingRequestReturnsJob(t *testing.T) {
	s := newTestServer(t, Options{})
	s.handler.jobs = slowJobs{Manager: s.manager}
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	chatID := s.createChat(t, alice, "bob")

	w := s.upload(t, chatID, alice, uploadForm{content: []byte(exportCSV)})
	assertStatus(t, w, http.StatusAccepted)
	var body struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
		Error   string `json:"error"`
	}
	decodeJSON(t, w.Body.Bytes(), &body)
	if !body.Success || !strings.HasPrefix(body.JobID, "job-") || body.Error != "" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestUploadRateLimit(t *testing.T) {
	s := newTestServer(t, Options{UploadsPerMinute: 1})
	alice := s.signup(t, "alice", "Alice")
	s.signup(t, "bob", "Bob")
	chatID := s.createChat(t, alice, "bob")

	assertStatus(t, s.upload(t, chatID, alice, uploadForm{content: []byte(exportCSV)}), http.StatusOK)
	assertError(t, s.upload(t, chatID, alice, uploadForm{content: []byte(exportCSV)}), http.StatusTooManyRequests, "Busy")
}

func TestRoutesRequireAuthentication(t *testing.T) {
	s := newTestServer(t, Options{})
	w := s.do(t, http.MethodGet, "/api/chats/1/imports", nil, "")
	assertStatus(t, w, http.StatusUnauthorized)

	alice := s.signup(t, "alice", "Alice")
	w = s.do(t, http.MethodGet, "/api/chats/abc/imports", nil, alice)
	assertError(t, w, http.StatusBadRequest, "InvalidRequest")
	w = s.do(t, http.MethodPost, "/api/chats", map[string]string{"partner": "ghost"}, alice)
	assertError(t, w, http.StatusBadRequest, "InvalidRequest")

	w = s.do(t, http.MethodPost, "/api/users/logout", nil, alice)
	assertStatus(t, w, http.StatusNoContent)
	w = s.do(t, http.MethodGet, "/api/chats", nil, alice)
	assertStatus(t, w, http.StatusUnauthorized)
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) errorBody {
	t.Helper()
	assertStatus(t, w, status)
	var body errorBody
	decodeJSON(t, w.Body.Bytes(), &body)
	if body.Success || body.Error != kind || body.Details == "" {
		t.Fatalf("expected %s error body, got %s", kind, w.Body.String())
	}
	return body
}

func decodeJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, string(data))
	}
}
