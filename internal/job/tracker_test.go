package job

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kobzarvs/ocrsheet/internal/api"
	"github.com/kobzarvs/ocrsheet/internal/session"
	"github.com/kobzarvs/ocrsheet/internal/ws"
)

type fakeBackend struct {
	mu        sync.Mutex
	uploadErr error
	status    *api.JobStatus
	downloads []string
	saves     []string
	credits   int
	multipart int
	base64    int
}

func (f *fakeBackend) UploadBatch(ctx context.Context, files []api.File) (*api.BatchResponse, error) {
	f.mu.Lock()
	f.base64++
	f.mu.Unlock()
	return f.upload()
}

func (f *fakeBackend) UploadBatchMultipart(ctx context.Context, files []api.File) (*api.BatchResponse, error) {
	f.mu.Lock()
	f.multipart++
	f.mu.Unlock()
	return f.upload()
}

func (f *fakeBackend) upload() (*api.BatchResponse, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &api.BatchResponse{Success: true, JobID: "job-1", SessionID: "sess-1"}, nil
}

func (f *fakeBackend) JobStatus(ctx context.Context, jobID string) (*api.JobStatus, error) {
	return f.status, nil
}

func (f *fakeBackend) Download(ctx context.Context, fileID, sessionID string, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, fileID)
	f.mu.Unlock()
	n, err := io.WriteString(w, "xlsx:"+fileID)
	return int64(n), err
}

func (f *fakeBackend) SaveToHistory(ctx context.Context, jobID string) (*api.SaveResult, error) {
	f.mu.Lock()
	f.saves = append(f.saves, jobID)
	f.mu.Unlock()
	return &api.SaveResult{Success: true}, nil
}

func (f *fakeBackend) Credits(ctx context.Context) (*api.Credits, error) {
	f.mu.Lock()
	f.credits++
	f.mu.Unlock()
	return &api.Credits{AvailableCredits: 0}, nil
}

func (f *fakeBackend) AccessToken() string { return "" }

type notices struct {
	mu  sync.Mutex
	all []Notice
}

func (n *notices) add(x Notice) {
	n.mu.Lock()
	n.all = append(n.all, x)
	n.mu.Unlock()
}

func (n *notices) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.all {
		if strings.Contains(x.Message, substr) {
			c++
		}
	}
	return c
}

func newTestTracker(t *testing.T, b *fakeBackend, sess *session.Manager) (*Tracker, *notices) {
	t.Helper()
	n := &notices{}
	tr := New(Options{
		Client:      b,
		Session:     sess,
		DownloadDir: t.TempDir(),
		Notify:      n.add,
	})
	return tr, n
}

func newTestSession(t *testing.T, path string) *session.Manager {
	t.Helper()
	m := session.Open(path)
	t.Cleanup(m.Stop)
	return m
}

func TestDuplicateFileReadyKeepsOneFile(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBackend{}, nil)
	ev := ws.FileReady{File: api.ProcessedFile{FileID: "f1", Filename: "a.xlsx"}}
	tr.Apply(ev)
	tr.Apply(ev)
	tr.Apply(ws.FileReady{File: api.ProcessedFile{FileID: "f2"}})

	files := tr.State().Files
	if len(files) != 2 || files[0].FileID != "f1" || files[1].FileID != "f2" {
		t.Fatalf("files = %+v", files)
	}
}

func TestCompletionNotifiedOnce(t *testing.T) {
	tr, n := newTestTracker(t, &fakeBackend{}, nil)
	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	done := ws.Completed{Total: 2, Successful: 2, Files: []api.ProcessedFile{{FileID: "f1"}, {FileID: "f2"}}}
	tr.Apply(done)
	tr.Apply(done)

	if c := n.count("Processing completed!"); c != 1 {
		t.Fatalf("completion notices = %d, want 1", c)
	}
	st := tr.State()
	if st.Status != api.StatusCompleted || st.Processing {
		t.Fatalf("state = %+v", st)
	}
	if st.Progress != (Progress{Total: 2, Processed: 2, Percentage: 100}) {
		t.Fatalf("progress = %+v", st.Progress)
	}
	if len(st.Files) != 2 {
		t.Fatalf("files = %+v", st.Files)
	}
}

func TestFailureNotifiedOnce(t *testing.T) {
	tr, n := newTestTracker(t, &fakeBackend{}, nil)
	tr.Apply(ws.Failed{Error: "bad scan"})
	tr.Apply(ws.Failed{Error: "bad scan"})
	if c := n.count("bad scan"); c != 1 {
		t.Fatalf("failure notices = %d, want 1", c)
	}
	if st := tr.State(); st.Status != api.StatusFailed || st.Error != "bad scan" {
		t.Fatalf("state = %+v", st)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBackend{}, nil)
	tr.Apply(ws.Progress{Status: "processing", Total: 4, Processed: 2, Percentage: 50, HasCounts: true})
	tr.Apply(ws.Progress{Status: "processing", Total: 4, Processed: 1, Percentage: 25, HasCounts: true})
	if p := tr.State().Progress; p.Percentage != 50 || p.Processed != 2 {
		t.Fatalf("progress = %+v, want 50%% with 2 processed", p)
	}

	tr.Apply(ws.Completed{Total: 4})
	tr.Apply(ws.Progress{Status: "processing", Total: 4, Processed: 3, Percentage: 75, HasCounts: true})
	st := tr.State()
	if st.Status != api.StatusCompleted || st.Progress.Percentage != 100 {
		t.Fatalf("late progress changed state: %+v", st)
	}
}

func TestUploadQuotaRefetchesCredits(t *testing.T) {
	b := &fakeBackend{uploadErr: &api.Error{Op: "upload batch", StatusCode: 402, Detail: "Insufficient credits"}}
	var got *api.Credits
	n := &notices{}
	tr := New(Options{Client: b, Notify: n.add, OnCredits: func(c api.Credits) { got = &c }})

	_, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}})
	if !api.IsQuota(err) {
		t.Fatalf("err = %v, want quota error", err)
	}
	if b.credits != 1 || got == nil {
		t.Fatalf("credits fetched %d times, callback %v", b.credits, got)
	}
	if b.multipart != 1 {
		t.Fatalf("uploads = %d, want 1 (no retry)", b.multipart)
	}
	st := tr.State()
	if st.Processing || st.Uploading || st.Status != StatusIdle {
		t.Fatalf("state = %+v", st)
	}
	if n.count("Insufficient credits") != 1 {
		t.Fatalf("notices = %+v", n.all)
	}
}

func TestUploadModeBase64(t *testing.T) {
	b := &fakeBackend{}
	tr := New(Options{Client: b, UploadMode: "base64"})
	if _, err := tr.UploadImage(context.Background(), api.File{Name: "a.png"}); err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	if b.base64 != 1 || b.multipart != 0 {
		t.Fatalf("base64=%d multipart=%d", b.base64, b.multipart)
	}
	if st := tr.State(); st.JobID != "job-1" || st.SessionID != "sess-1" || st.Status != api.StatusProcessing {
		t.Fatalf("state = %+v", st)
	}
}

func TestSaveWithoutJob(t *testing.T) {
	tr, n := newTestTracker(t, &fakeBackend{}, nil)
	if err := tr.SaveToHistory(context.Background()); !errors.Is(err, ErrNoJob) {
		t.Fatalf("SaveToHistory = %v, want ErrNoJob", err)
	}
	if n.count("No job to save") != 1 {
		t.Fatalf("notices = %+v", n.all)
	}
}

func TestAutoActionsRunOncePerJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	sess := newTestSession(t, path)
	sess.SetPreferences(session.Preferences{AutoDownload: true, AutoSave: true})

	b := &fakeBackend{}
	tr, _ := newTestTracker(t, b, sess)
	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	done := ws.Completed{Total: 1, Successful: 1, Files: []api.ProcessedFile{{FileID: "f1", Filename: "a.xlsx"}}}
	tr.Apply(done)
	tr.Apply(done)

	if len(b.downloads) != 1 || len(b.saves) != 1 {
		t.Fatalf("downloads=%v saves=%v, want one each", b.downloads, b.saves)
	}
	data, err := os.ReadFile(filepath.Join(tr.opts.DownloadDir, "a.xlsx"))
	if err != nil || string(data) != "xlsx:f1" {
		t.Fatalf("downloaded file = %q, %v", data, err)
	}
	if !tr.State().Saved {
		t.Fatalf("Saved = false after auto save")
	}

	// A second tracker for the same job, as after a restart, does nothing.
	tr2, _ := newTestTracker(t, b, sess)
	if _, err := tr2.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	tr2.Apply(done)
	if len(b.downloads) != 1 || len(b.saves) != 1 {
		t.Fatalf("auto actions ran again: downloads=%v saves=%v", b.downloads, b.saves)
	}
}

func TestRefreshFoldsStatus(t *testing.T) {
	b := &fakeBackend{status: &api.JobStatus{
		JobID:    "job-1",
		Status:   api.StatusCompleted,
		Progress: &api.JobProgress{TotalImages: 3, ProcessedImages: 3, Percentage: 100},
		Results:  &api.BatchResults{SuccessfulImages: 3, Files: []api.ProcessedFile{{FileID: "a"}, {FileID: "b"}}},
	}}
	tr, n := newTestTracker(t, b, nil)
	if err := tr.Refresh(context.Background()); !errors.Is(err, api.ErrNoJob) {
		t.Fatalf("Refresh without job = %v", err)
	}
	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	tr.Apply(ws.FileReady{File: api.ProcessedFile{FileID: "a"}})
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	st := tr.State()
	if st.Status != api.StatusCompleted || len(st.Files) != 2 || st.Processing {
		t.Fatalf("state = %+v", st)
	}
	if n.count("Processing completed! 3 files ready.") != 1 {
		t.Fatalf("notices = %+v", n.all)
	}
}

func TestRefreshPartialFailure(t *testing.T) {
	b := &fakeBackend{status: &api.JobStatus{
		Status:  api.StatusPartiallyCompleted,
		Results: &api.BatchResults{TotalImages: 2, SuccessfulImages: 1, FailedImages: 1, Files: []api.ProcessedFile{{FileID: "ok"}}},
		Errors:  []string{"page 2 unreadable"},
	}}
	tr, _ := newTestTracker(t, b, nil)
	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}, {Name: "b.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	st := tr.State()
	if st.Status != api.StatusPartiallyCompleted || len(st.Files) != 1 || st.Error != "page 2 unreadable" {
		t.Fatalf("state = %+v", st)
	}
}

func TestConnectFollowsStream(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(c *websocket.Conn) {
		for _, msg := range []string{
			`{"type":"progress","total_images":2,"processed_images":1}`,
			`{"type":"file_ready","file_id":"f1"}`,
			`{"type":"file_ready","file_id":"f1"}`,
			`{"type":"job_completed","total_images":2,"successful_images":2,"download_urls":["/api/v1/download/f1","/api/v1/download/f2"]}`,
		} {
			if err := websocket.Message.Send(c, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := New(Options{
		Client:         &fakeBackend{},
		WebSocketURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: time.Millisecond,
	})
	tr.Connect(context.Background(), "sess-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	st := tr.State()
	if st.Status != api.StatusCompleted || st.StreamReason != ws.Terminal {
		t.Fatalf("state = %+v", st)
	}
	if len(st.Files) != 2 || st.Files[0].FileID != "f1" || st.Files[1].FileID != "f2" {
		t.Fatalf("files = %+v", st.Files)
	}
}

func TestResetClearsEverything(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeBackend{}, nil)
	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	tr.Apply(ws.FileReady{File: api.ProcessedFile{FileID: "f1"}})
	tr.Reset()
	st := tr.State()
	if st.Status != StatusIdle || st.JobID != "" || len(st.Files) != 0 {
		t.Fatalf("state after Reset = %+v", st)
	}
	tr.Apply(ws.FileReady{File: api.ProcessedFile{FileID: "f1"}})
	if len(tr.State().Files) != 1 {
		t.Fatalf("file after Reset not accepted")
	}
}

func TestResumeRestoresSavedFlag(t *testing.T) {
	sess := newTestSession(t, filepath.Join(t.TempDir(), "session.json"))
	sess.RememberJob("job-9", "sess-9")
	sess.MarkSaved("job-9")

	b := &fakeBackend{status: &api.JobStatus{JobID: "job-9", Status: api.StatusCompleted}}
	tr, _ := newTestTracker(t, b, sess)
	tr.Resume("job-9", "sess-9")
	st := tr.State()
	if st.JobID != "job-9" || st.SessionID != "sess-9" || !st.Saved || st.Status != api.StatusQueued {
		t.Fatalf("state = %+v", st)
	}
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := tr.State().Status; got != api.StatusCompleted {
		t.Fatalf("status = %q, want %q", got, api.StatusCompleted)
	}
}

func TestResumedJobAnnouncedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	sess := newTestSession(t, path)
	sess.RememberJob("job-1", "sess-1")

	b := &fakeBackend{status: &api.JobStatus{
		JobID:   "job-1",
		Status:  api.StatusCompleted,
		Results: &api.BatchResults{SuccessfulImages: 1, Files: []api.ProcessedFile{{FileID: "f1"}}},
	}}
	tr, n := newTestTracker(t, b, sess)
	for i := 0; i < 2; i++ {
		tr.Resume("job-1", "sess-1")
		if err := tr.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if c := n.count("Processing completed!"); c != 1 {
		t.Fatalf("completion notices = %d, want 1", c)
	}

	// A later run on the same session stays quiet too.
	tr2, n2 := newTestTracker(t, b, sess)
	tr2.Resume("job-1", "sess-1")
	if err := tr2.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c := n2.count("Processing completed!"); c != 0 {
		t.Fatalf("completion notices after restart = %d, want 0", c)
	}
	if st := tr2.State(); st.Status != api.StatusCompleted || len(st.Files) != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestResumedFailureAnnouncedOnce(t *testing.T) {
	b := &fakeBackend{status: &api.JobStatus{JobID: "job-2", Status: api.StatusFailed, Errors: []string{"bad scan"}}}
	tr, n := newTestTracker(t, b, nil)
	for i := 0; i < 2; i++ {
		tr.Resume("job-2", "")
		if err := tr.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if c := n.count("bad scan"); c != 1 {
		t.Fatalf("failure notices = %d, want 1", c)
	}
}

func TestDownloadAllAfterAutoDownload(t *testing.T) {
	sess := newTestSession(t, filepath.Join(t.TempDir(), "session.json"))
	sess.SetPreferences(session.Preferences{AutoDownload: true})
	sess.RememberJob("job-1", "sess-1")

	b := &fakeBackend{status: &api.JobStatus{
		JobID:   "job-1",
		Status:  api.StatusCompleted,
		Results: &api.BatchResults{SuccessfulImages: 1, Files: []api.ProcessedFile{{FileID: "f1", Filename: "a.xlsx"}}},
	}}
	tr, _ := newTestTracker(t, b, sess)
	tr.Resume("job-1", "sess-1")
	if err := tr.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	paths, err := tr.DownloadAll(context.Background())
	if err != nil {
		t.Fatalf("DownloadAll: %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "a.xlsx" {
		t.Fatalf("paths = %v", paths)
	}
	if len(b.downloads) != 1 {
		t.Fatalf("downloads = %v, want one", b.downloads)
	}
}

func TestUploadStopsPreviousStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(websocket.Handler(func(c *websocket.Conn) {
		_ = websocket.Message.Send(c, `{"type":"progress","total_images":2,"processed_images":1}`)
		<-release
		_ = websocket.Message.Send(c, `{"type":"file_ready","file_id":"old"}`)
	}))
	defer srv.Close()
	defer close(release)

	tr := New(Options{
		Client:         &fakeBackend{},
		WebSocketURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay: time.Millisecond,
	})
	tr.Connect(context.Background(), "sess-0")
	deadline := time.Now().Add(5 * time.Second)
	for tr.State().Progress.Total != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("progress never arrived: %+v", tr.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := tr.UploadBatch(context.Background(), []api.File{{Name: "a.png"}}); err != nil {
		t.Fatalf("UploadBatch: %v", err)
	}
	st := tr.State()
	if st.Stream != ws.Closed || st.StreamReason != ws.Stopped {
		t.Fatalf("stream = %v/%v, want closed/stopped", st.Stream, st.StreamReason)
	}
	if st.JobID != "job-1" || st.Progress.Total != 0 || len(st.Files) != 0 {
		t.Fatalf("state = %+v", st)
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
