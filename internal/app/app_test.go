package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gdamore/tcell/v2"

	"github.com/kobzarvs/ocrsheet/internal/config"
	"github.com/kobzarvs/ocrsheet/internal/editor"
	"github.com/kobzarvs/ocrsheet/internal/sheet"
)

type backend struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case r.URL.Path == "/api/v1/users/credits":
		_, _ = w.Write([]byte(`{"total_credits":10,"used_credits":3,"available_credits":7}`))
	case r.URL.Path == "/api/v1/jobs/history":
		_, _ = w.Write([]byte(`{"jobs":[{"id":"h1","filename":"scan.xlsx","status":"completed","saved_at":"2024-01-01"}],"total":3}`))
	case r.URL.Path == "/api/v1/jobs/batch-upload":
		_, _ = w.Write([]byte(`{"success":true,"job_id":"job-7","session_id":"sess-7"}`))
	case r.URL.Path == "/api/v1/jobs/job-7/status":
		_, _ = w.Write([]byte(`{"job_id":"job-7","status":"completed","progress":{"total_images":1,"processed_images":1,"percentage":100},"results":{"files":[{"file_id":"f1","filename":"out.xlsx"}]}}`))
	case r.URL.Path == "/api/v1/jobs/job-7/save":
		_, _ = w.Write([]byte(`{"success":true}`))
	case r.URL.Path == "/api/v1/download/f1":
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("xlsx-bytes"))
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "not found"})
	}
}

func (b *backend) saw(req string) bool {
	return b.count(req) > 0
}

func (b *backend) count(req string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.requests {
		if r == req {
			n++
		}
	}
	return n
}

// setupEnv points config, state and logs at temp dirs and the API at srv.
func setupEnv(t *testing.T, srvURL string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OCRSHEET_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("OCRSHEET_LOG_FILE", filepath.Join(dir, "ocrsheet.log"))
	t.Setenv("OCRSHEET_API_URL", srvURL)
	for _, name := range []string{"NEXT_PUBLIC_API_URL", "OCRSHEET_WS_URL", "NEXT_PUBLIC_WS_URL", "OCRSHEET_TOKEN", "OCRSHEET_DEBUG"} {
		t.Setenv(name, "")
	}
	return dir
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := New(args)
	a.stdout = &stdout
	a.stderr = &stderr
	err := a.Run()
	return stdout.String(), stderr.String(), err
}

func TestCreditsAndHealth(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	setupEnv(t, srv.URL)

	out, _, err := run(t, "credits")
	if err != nil {
		t.Fatalf("credits: %v", err)
	}
	if !strings.Contains(out, "available: 7") {
		t.Fatalf("credits output = %q", out)
	}
	out, _, err = run(t, "health")
	if err != nil || strings.TrimSpace(out) != "ok" {
		t.Fatalf("health = %q, %v", out, err)
	}
}

func TestHistoryPrintsTableAndNextPage(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	setupEnv(t, srv.URL)

	out, errOut, err := run(t, "history", "-limit", "1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "h1") || !strings.Contains(out, "scan.xlsx") {
		t.Fatalf("history output = %q", out)
	}
	if !strings.Contains(errOut, "-offset 1") {
		t.Fatalf("stderr = %q, want next page hint", errOut)
	}
}

func TestUploadThenStatusSaveDownload(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	dir := setupEnv(t, srv.URL)

	img := filepath.Join(dir, "table.png")
	if err := os.WriteFile(img, []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, _, err := run(t, "upload", "-detach", img)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if strings.TrimSpace(out) != "job job-7" {
		t.Fatalf("upload output = %q", out)
	}
	if !b.saw("GET /health") {
		t.Fatalf("upload did not wake the backend")
	}

	out, _, err = run(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "status:   completed") || !strings.Contains(out, "f1  out.xlsx") {
		t.Fatalf("status output = %q", out)
	}

	if _, _, err := run(t, "save"); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, _, err = run(t, "save")
	if err != nil || strings.TrimSpace(out) != "already saved" {
		t.Fatalf("second save = %q, %v", out, err)
	}

	dl := filepath.Join(dir, "downloads")
	out, _, err = run(t, "download", "-o", dl)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dl, "out.xlsx"))
	if err != nil || string(data) != "xlsx-bytes" {
		t.Fatalf("downloaded = %q, %v (output %q)", data, err, out)
	}
}

func TestDownloadWithAutoDownloadFetchesOnce(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	dir := setupEnv(t, srv.URL)

	if _, _, err := run(t, "prefs", "-auto-download"); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	img := filepath.Join(dir, "table.png")
	if err := os.WriteFile(img, []byte("png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := run(t, "upload", "-detach", img); err != nil {
		t.Fatalf("upload: %v", err)
	}
	dl := filepath.Join(dir, "downloads")
	out, _, err := run(t, "download", "-o", dl)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(dl, "out.xlsx") {
		t.Fatalf("download output = %q", out)
	}
	if n := b.count("GET /api/v1/download/f1"); n != 1 {
		t.Fatalf("file fetched %d times, want 1", n)
	}
}

func TestStatusWithoutJob(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()
	dir := setupEnv(t, srv.URL)

	if _, _, err := run(t, "status"); err == nil {
		t.Fatalf("expected error without a job")
	}
	data, err := os.ReadFile(filepath.Join(dir, "ocrsheet.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if log := string(data); !strings.Contains(log, "command failed") || !strings.Contains(log, `"cmd": "status"`) {
		t.Fatalf("log = %q", log)
	}
}

func TestLoginSendsBearerAndLogoutClears(t *testing.T) {
	b := &backend{}
	srv := httptest.NewServer(b)
	defer srv.Close()
	dir := setupEnv(t, srv.URL)

	if _, _, err := run(t, "login", "tok-1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "credentials.json")); err != nil {
		t.Fatalf("credentials not stored: %v", err)
	}
	if _, _, err := run(t, "credits"); err != nil {
		t.Fatalf("credits: %v", err)
	}
	b.mu.Lock()
	got := b.auth[len(b.auth)-1]
	b.mu.Unlock()
	if got != "Bearer tok-1" {
		t.Fatalf("Authorization = %q, want %q", got, "Bearer tok-1")
	}

	if _, _, err := run(t, "logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "credentials.json")); !os.IsNotExist(err) {
		t.Fatalf("credentials still present: %v", err)
	}
}

func TestPrefsPersist(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()
	setupEnv(t, srv.URL)

	if _, _, err := run(t, "prefs", "-auto-save"); err != nil {
		t.Fatalf("prefs: %v", err)
	}
	out, _, err := run(t, "prefs")
	if err != nil {
		t.Fatalf("prefs: %v", err)
	}
	if !strings.Contains(out, "auto-save:     true") || !strings.Contains(out, "auto-download: false") {
		t.Fatalf("prefs output = %q", out)
	}
}

func TestUnknownCommandAndUsage(t *testing.T) {
	if _, errOut, err := run(t, "bogus"); err == nil || !strings.Contains(errOut, "usage: ocrsheet") {
		t.Fatalf("bogus: err=%v stderr=%q", err, errOut)
	}
	srv := httptest.NewServer(&backend{})
	defer srv.Close()
	setupEnv(t, srv.URL)
	if _, _, err := run(t, "shared"); err == nil || !strings.Contains(err.Error(), "usage: ocrsheet shared") {
		t.Fatalf("shared without id: %v", err)
	}
}

func TestEditLoopQuits(t *testing.T) {
	s := tcell.NewSimulationScreen("UTF-8")
	if err := s.Init(); err != nil {
		t.Fatalf("init screen: %v", err)
	}
	defer s.Fini()
	s.SetSize(40, 10)

	sh := sheet.New([]string{"A"}, [][]sheet.Cell{{sheet.Text("1")}})
	ed := editor.New(config.Default(), sh, "")
	for _, r := range ":q" {
		s.InjectKey(tcell.KeyRune, r, tcell.ModNone)
	}
	s.InjectKey(tcell.KeyEnter, 0, tcell.ModNone)

	if err := editLoop(s, ed); err != nil {
		t.Fatalf("editLoop: %v", err)
	}
}

func TestLoadSheetByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(csvPath, []byte("Name,Amount\nbob,1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := New(nil)
	a.cfg = config.Default()
	sh, err := a.loadSheet(csvPath)
	if err != nil {
		t.Fatalf("loadSheet: %v", err)
	}
	if sh.NumRows() != 1 || sh.Header(1) != "Amount" {
		t.Fatalf("rows = %d header = %q", sh.NumRows(), sh.Header(1))
	}
	if sh.MaxRows() != 1000 {
		t.Fatalf("MaxRows = %d, want 1000", sh.MaxRows())
	}
}
