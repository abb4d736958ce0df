package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	return New(opts)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestErrorDetailNormalization(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message", 400, `{"message":"bad image"}`, "bad image"},
		{"detail string", 422, `{"detail":"too large"}`, "too large"},
		{"message wins", 400, `{"message":"m","detail":"d"}`, "m"},
		{"detail list", 422, `{"detail":[{"msg":"x"}]}`, `[{"msg":"x"}]`},
		{"empty body", 500, ``, DefaultDetail},
		{"not json", 502, `<html>bad gateway</html>`, DefaultDetail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}, Options{})
			_, err := c.Credits(context.Background())
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := StatusCode(err); got != tt.status {
				t.Fatalf("StatusCode = %d, want %d", got, tt.status)
			}
			if got := Detail(err); got != tt.want {
				t.Fatalf("Detail = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoResponseIsStatusZero(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Options{BaseURL: base})
	_, err := c.JobStatus(context.Background(), "job-1")
	if !IsTransport(err) {
		t.Fatalf("IsTransport(%v) = false", err)
	}
	if got := Detail(err); got != NoResponseDetail {
		t.Fatalf("Detail = %q, want %q", got, NoResponseDetail)
	}
}

func TestUnauthorizedHookRunsOnce(t *testing.T) {
	var signOuts int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	}, Options{OnUnauthorized: func() { atomic.AddInt32(&signOuts, 1) }})

	for i := 0; i < 3; i++ {
		_, err := c.Credits(context.Background())
		if !IsUnauthorized(err) {
			t.Fatalf("IsUnauthorized(%v) = false", err)
		}
	}
	if n := atomic.LoadInt32(&signOuts); n != 1 {
		t.Fatalf("sign-out calls = %d, want 1", n)
	}
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) { return nil, errors.New("offline") }

func TestBearerToken(t *testing.T) {
	var got []string
	h := func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing X-Request-ID")
		}
		writeJSON(w, http.StatusOK, Credits{AvailableCredits: 3})
	}
	c := newTestClient(t, h, Options{Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"})})
	if _, err := c.Credits(context.Background()); err != nil {
		t.Fatalf("Credits: %v", err)
	}
	anon := newTestClient(t, h, Options{Tokens: failingSource{}})
	if _, err := anon.Credits(context.Background()); err != nil {
		t.Fatalf("Credits without token: %v", err)
	}
	if len(got) != 2 || got[0] != "Bearer abc" || got[1] != "" {
		t.Fatalf("Authorization headers = %q", got)
	}
}

func TestUploadBatchMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/batch-upload" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		files := r.MultipartForm.File["files"]
		if len(files) != 2 || files[0].Filename != "a.png" || files[1].Filename != "b.png" {
			t.Errorf("files = %+v", files)
		}
		if got := r.FormValue("output_format"); got != "xlsx" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.FormValue("consolidation_strategy"); got != "consolidated" {
			t.Errorf("consolidation_strategy = %q", got)
		}
		writeJSON(w, http.StatusOK, BatchResponse{Success: true, JobID: "j1", SessionID: "s1"})
	}, Options{})

	resp, err := c.UploadBatchMultipart(context.Background(), []File{
		{Name: "a.png", Data: []byte("A")},
		{Name: "b.png", Data: []byte("B")},
	})
	if err != nil {
		t.Fatalf("UploadBatchMultipart: %v", err)
	}
	if resp.JobID != "j1" || resp.SessionID != "s1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestUploadBatchBase64(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Images) != 1 || req.Images[0].Image != "aGk=" || req.Images[0].Filename != "x.jpg" {
			t.Errorf("images = %+v", req.Images)
		}
		if req.ConsolidationStrategy != "separate" {
			t.Errorf("consolidation = %q", req.ConsolidationStrategy)
		}
		writeJSON(w, http.StatusOK, BatchResponse{JobID: "j2"})
	}, Options{})
	resp, err := c.UploadBatch(context.Background(), []File{{Name: "x.jpg", Data: []byte("hi")}})
	if err != nil || resp.JobID != "j2" {
		t.Fatalf("UploadBatch = %+v, %v", resp, err)
	}
}

func TestDownloadPassesSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/download/f1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("session_id"); got != "s9" {
			t.Errorf("session_id = %q", got)
		}
		_, _ = io.WriteString(w, "PK-data")
	}, Options{})
	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "f1", "s9", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 7 || buf.String() != "PK-data" {
		t.Fatalf("Download wrote %d bytes %q", n, buf.String())
	}
}

func TestMissingJobID(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0"})
	if _, err := c.SaveToHistory(context.Background(), ""); !errors.Is(err, ErrNoJob) {
		t.Fatalf("SaveToHistory(\"\") = %v, want ErrNoJob", err)
	}
	if err := c.CancelJob(context.Background(), ""); !errors.Is(err, ErrNoJob) {
		t.Fatalf("CancelJob(\"\") = %v, want ErrNoJob", err)
	}
}

func TestHistoryAcceptsArrayAndPage(t *testing.T) {
	bodies := []string{
		`[{"id":"1","filename":"a.xlsx"},{"id":"2","filename":"b.xlsx"}]`,
		`{"jobs":[{"id":"1"},{"id":"2"}],"total":5}`,
	}
	for i, body := range bodies {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("offset") != "0" {
				t.Errorf("query = %q", r.URL.RawQuery)
			}
			_, _ = io.WriteString(w, body)
		}, Options{})
		page, err := c.History(context.Background(), 2, 0)
		if err != nil {
			t.Fatalf("History[%d]: %v", i, err)
		}
		if len(page.Jobs) != 2 {
			t.Fatalf("History[%d] jobs = %d, want 2", i, len(page.Jobs))
		}
		if want := i == 1; page.HasMore() != want {
			t.Fatalf("History[%d] HasMore = %v, want %v", i, page.HasMore(), want)
		}
	}
}

func TestSessionDetails(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	inactive := false
	tests := []struct {
		name    string
		status  int
		body    interface{}
		wantErr error
		detail  string
	}{
		{"ok", 200, SessionDetails{SessionID: "s", ExpiresAt: future, Files: []SessionFile{{FileID: "f"}}}, nil, ""},
		{"expired", 200, SessionDetails{SessionID: "s", ExpiresAt: past}, ErrSessionExpired, ""},
		{"inactive", 200, SessionDetails{SessionID: "s", IsActive: &inactive}, ErrSessionInactive, ""},
		{"missing", 404, map[string]string{"detail": "nope"}, nil, "Share link not found. It may have been deleted or expired."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, Options{})
			d, err := c.SessionDetails(context.Background(), "s")
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.detail != "":
				if !IsNotFound(err) || Detail(err) != tt.detail {
					t.Fatalf("err = %v", err)
				}
			default:
				if err != nil || len(d.Files) != 1 {
					t.Fatalf("SessionDetails = %+v, %v", d, err)
				}
			}
		})
	}
}

func TestWakeUpRetries(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}, Options{})
	opts := WakeOptions{Attempts: 3, Timeout: time.Second, Backoff: time.Millisecond, TimeoutBackoff: time.Millisecond}
	if err := c.WakeUp(context.Background(), opts); err != nil {
		t.Fatalf("WakeUp: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("health calls = %d, want 3", n)
	}
}

func TestWakeUpGivesUp(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, Options{})
	opts := WakeOptions{Attempts: 2, Timeout: time.Second, Backoff: time.Millisecond, TimeoutBackoff: time.Millisecond}
	err := c.WakeUp(context.Background(), opts)
	if !errors.Is(err, ErrBackendUnhealthy) {
		t.Fatalf("WakeUp = %v, want ErrBackendUnhealthy", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("health calls = %d, want 2", n)
	}
}
