// Package job tracks one OCR batch from upload to result files. The upload
// response, status polls and stream events all fold into a single State
// through Apply, so duplicate or reordered deliveries cannot corrupt it.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kobzarvs/ocrsheet/internal/api"
	"github.com/kobzarvs/ocrsheet/internal/session"
	"github.com/kobzarvs/ocrsheet/internal/ws"
)

const StatusIdle = "idle"

var (
	ErrNoFiles = errors.New("job: no files to upload")
	ErrNoJob   = errors.New("job: no job to save")
)

// Backend is the part of the API client the tracker drives.
type Backend interface {
	UploadBatch(ctx context.Context, files []api.File) (*api.BatchResponse, error)
	UploadBatchMultipart(ctx context.Context, files []api.File) (*api.BatchResponse, error)
	JobStatus(ctx context.Context, jobID string) (*api.JobStatus, error)
	Download(ctx context.Context, fileID, sessionID string, w io.Writer) (int64, error)
	SaveToHistory(ctx context.Context, jobID string) (*api.SaveResult, error)
	Credits(ctx context.Context) (*api.Credits, error)
	AccessToken() string
}

type Progress struct {
	Total      int
	Processed  int
	Percentage float64
}

// State is a snapshot of the tracked job.
type State struct {
	Status     string
	JobID      string
	SessionID  string
	Progress   Progress
	Files      []api.ProcessedFile
	Error      string
	Uploading  bool
	Processing bool
	Saving     bool
	Saved      bool

	Stream       ws.State
	StreamReason ws.CloseReason
}

// Level grades a Notice.
type Level int

const (
	Info Level = iota
	Success
	Failure
)

// Notice is a user-facing message about the job.
type Notice struct {
	Level   Level
	Message string
}

type Options struct {
	Client  Backend
	Session *session.Manager

	WebSocketURL   string
	MaxReconnects  int
	ReconnectDelay time.Duration
	// UploadMode selects "multipart" (default) or "base64".
	UploadMode  string
	DownloadDir string

	Notify    func(Notice)
	OnCredits func(api.Credits)
	Log       *zap.Logger
}

type Tracker struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	st    State
	seen  map[string]bool
	paths map[string]string
	// notified outlives Resume and Reset so a job is announced once per
	// tracker even without a session.
	notified map[string]bool
	stream   *ws.Stream
	gen      int
	subs     []chan State
}

func New(opts Options) *Tracker {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	t := &Tracker{opts: opts, log: log, notified: make(map[string]bool)}
	t.clear()
	return t
}

func (t *Tracker) clear() {
	t.st = State{Status: StatusIdle}
	t.seen = make(map[string]bool)
	t.paths = make(map[string]string)
	for key := range t.notified {
		if strings.HasSuffix(key, "/") {
			delete(t.notified, key)
		}
	}
}

// markNotified reports whether this is the tracker's first kind event for
// the current job, and whether its notice should be shown. A job already
// announced by an earlier process is fresh here but not announced again.
// Caller holds t.mu.
func (t *Tracker) markNotified(kind string) (fresh, announce bool) {
	key := t.st.JobID
	if key == "" {
		key = t.st.SessionID
	}
	if t.notified[kind+"/"+key] {
		return false, false
	}
	t.notified[kind+"/"+key] = true
	if t.st.JobID != "" && t.opts.Session != nil {
		return true, t.opts.Session.MarkNotified(t.st.JobID, kind)
	}
	return true, true
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() State {
	s := t.st
	s.Files = append([]api.ProcessedFile(nil), t.st.Files...)
	return s
}

// Subscribe returns a channel receiving a snapshot after every change. Slow
// readers miss intermediate snapshots, never the channel's latest value.
func (t *Tracker) Subscribe() <-chan State {
	ch := make(chan State, 1)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) publish() {
	t.mu.Lock()
	snap := t.snapshot()
	subs := append([]chan State(nil), t.subs...)
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (t *Tracker) notify(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case Failure:
		t.log.Warn(msg)
	default:
		t.log.Info(msg)
	}
	if t.opts.Notify != nil {
		t.opts.Notify(Notice{Level: level, Message: msg})
	}
}

// UploadBatch sends files and records the accepted job. On failure only
// the processing flag is cleared; the previous job state is kept.
func (t *Tracker) UploadBatch(ctx context.Context, files []api.File) (*api.BatchResponse, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	t.mu.Lock()
	t.st.Uploading = true
	t.st.Processing = true
	t.mu.Unlock()
	t.publish()

	upload := t.opts.Client.UploadBatchMultipart
	if t.opts.UploadMode == "base64" {
		upload = t.opts.Client.UploadBatch
	}
	resp, err := upload(ctx, files)
	if err != nil {
		t.mu.Lock()
		t.st.Uploading = false
		t.st.Processing = false
		t.mu.Unlock()
		t.publish()
		t.uploadFailed(ctx, err)
		return nil, err
	}

	t.Disconnect()
	t.mu.Lock()
	t.st = State{Status: api.StatusProcessing, Stream: t.st.Stream, StreamReason: t.st.StreamReason}
	if !resp.Success {
		t.st.Status = api.StatusFailed
	}
	t.st.JobID = resp.JobID
	t.st.SessionID = resp.SessionID
	t.st.Processing = t.st.Status == api.StatusProcessing
	t.seen = make(map[string]bool)
	t.paths = make(map[string]string)
	t.mu.Unlock()
	t.publish()

	if t.opts.Session != nil && resp.JobID != "" {
		t.opts.Session.RememberJob(resp.JobID, resp.SessionID)
	}
	t.notify(Success, "%d images uploaded successfully!", len(files))
	return resp, nil
}

// UploadImage uploads a single image.
func (t *Tracker) UploadImage(ctx context.Context, f api.File) (*api.BatchResponse, error) {
	return t.UploadBatch(ctx, []api.File{f})
}

func (t *Tracker) uploadFailed(ctx context.Context, err error) {
	switch {
	case api.IsQuota(err):
		t.notify(Failure, "%s", api.Detail(err))
		t.refreshCredits(ctx)
	case api.IsServer(err):
		t.notify(Failure, "Server error, please retry. (%s)", api.Detail(err))
	default:
		t.notify(Failure, "%s", api.Detail(err))
	}
}

func (t *Tracker) refreshCredits(ctx context.Context) {
	c, err := t.opts.Client.Credits(ctx)
	if err != nil {
		t.log.Warn("credits refresh failed", zap.Error(err))
		return
	}
	if t.opts.OnCredits != nil {
		t.opts.OnCredits(*c)
	}
}

// Connect follows sessionID on the event stream. A stream already open for
// an earlier session is stopped first.
func (t *Tracker) Connect(ctx context.Context, sessionID string) {
	t.Disconnect()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	if sessionID != "" {
		t.st.SessionID = sessionID
	}
	t.st.Processing = true
	stream := ws.New(ws.Config{
		BaseURL:      t.opts.WebSocketURL,
		SessionID:    sessionID,
		Token:        t.opts.Client.AccessToken,
		MaxAttempts:  t.opts.MaxReconnects,
		InitialDelay: t.opts.ReconnectDelay,
		Log:          t.log,
		OnState: func(st ws.State, reason ws.CloseReason) {
			t.streamState(gen, st, reason)
		},
	}, func(ev ws.Event) {
		if t.current(gen) {
			t.apply(ctx, ev)
		}
	})
	t.stream = stream
	t.mu.Unlock()
	t.publish()
	stream.Start(ctx)
}

func (t *Tracker) current(gen int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen
}

func (t *Tracker) streamState(gen int, st ws.State, reason ws.CloseReason) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.st.Stream = st
	t.st.StreamReason = reason
	lost := reason == ws.Exhausted && !isTerminalStatus(t.st.Status)
	if lost {
		t.st.Status = api.StatusFailed
		t.st.Processing = false
		t.st.Error = "Lost connection to the processing server."
	}
	t.mu.Unlock()
	t.publish()
	if lost {
		t.notify(Failure, "Lost connection to the processing server.")
	}
}

// Disconnect stops the live stream, leaving job state as it is. Like
// ws.Stream.Stop it must not be called from a Notify callback.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	stream := t.stream
	t.stream = nil
	t.gen++
	if stream != nil {
		t.st.Stream = ws.Closed
		t.st.StreamReason = ws.Stopped
	}
	t.mu.Unlock()
	if stream != nil {
		stream.Stop()
		t.publish()
	}
}

// Wait blocks until the live stream closes or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return nil
	}
	select {
	case <-stream.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply folds one event into the state.
func (t *Tracker) Apply(ev ws.Event) {
	t.apply(context.Background(), ev)
}

func (t *Tracker) apply(ctx context.Context, ev ws.Event) {
	var (
		notices  []Notice
		autoRun  bool
		jobID    string
		terminal bool
	)

	t.mu.Lock()
	switch e := ev.(type) {
	case ws.FileReady:
		t.addFile(e.File)
	case ws.Progress:
		if isTerminalStatus(t.st.Status) {
			break
		}
		t.st.Status = e.Status
		if e.HasCounts {
			t.advance(e.Total, e.Processed, e.Percentage)
		}
	case ws.Completed:
		total := e.Total
		if total == 0 {
			total = t.st.Progress.Total
		}
		t.st.Status = api.StatusCompleted
		t.st.Progress = Progress{Total: total, Processed: total, Percentage: 100}
		for _, f := range e.Files {
			t.addFile(f)
		}
		t.st.Processing = false
		terminal = true
		if fresh, announce := t.markNotified("completed"); fresh {
			if announce {
				notices = append(notices, Notice{Success, fmt.Sprintf("Processing completed! %d files ready.", e.Successful)})
			}
			autoRun = t.st.JobID != ""
			jobID = t.st.JobID
		}
	case ws.Failed:
		t.st.Status = api.StatusFailed
		t.st.Error = e.Error
		t.st.Processing = false
		terminal = true
		if _, announce := t.markNotified("failed"); announce {
			notices = append(notices, Notice{Failure, e.Error})
		}
	case ws.System:
		t.log.Info("system message", zap.String("message", e.Message))
	case ws.Unknown:
		t.log.Debug("unhandled event", zap.String("type", e.Type))
	}
	t.mu.Unlock()

	t.publish()
	for _, n := range notices {
		t.notify(n.Level, "%s", n.Message)
	}
	if terminal {
		t.log.Debug("job finished", zap.Stringer("event", ev.Kind()))
	}
	if autoRun {
		t.runAutoActions(ctx, jobID)
	}
}

// addFile appends f unless a file with the same id was already delivered.
// Caller holds t.mu.
func (t *Tracker) addFile(f api.ProcessedFile) {
	id := f.FileID
	if id == "" {
		id = f.DownloadURL
	}
	if id == "" || t.seen[id] {
		return
	}
	t.seen[id] = true
	t.st.Files = append(t.st.Files, f)
}

// advance moves progress forward only. Caller holds t.mu.
func (t *Tracker) advance(total, processed int, pct float64) {
	p := &t.st.Progress
	if total > p.Total {
		p.Total = total
	}
	if processed > p.Processed {
		p.Processed = processed
	}
	if pct > p.Percentage {
		p.Percentage = pct
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
}

func isTerminalStatus(s string) bool {
	switch s {
	case api.StatusCompleted, api.StatusPartiallyCompleted, api.StatusFailed:
		return true
	}
	return false
}

// Resume points an idle tracker at a job accepted in an earlier run. Call
// Refresh or Connect afterwards to pick up its state.
func (t *Tracker) Resume(jobID, sessionID string) {
	t.Disconnect()
	t.mu.Lock()
	t.clear()
	t.st.Status = api.StatusQueued
	t.st.JobID = jobID
	t.st.SessionID = sessionID
	if t.opts.Session != nil {
		if st, ok := t.opts.Session.Job(jobID); ok {
			t.st.Saved = st.Saved
		}
	}
	t.mu.Unlock()
	t.publish()
}

// Refresh polls the job status once and folds it into the state.
func (t *Tracker) Refresh(ctx context.Context) error {
	t.mu.Lock()
	jobID := t.st.JobID
	t.mu.Unlock()
	if jobID == "" {
		return api.ErrNoJob
	}
	js, err := t.opts.Client.JobStatus(ctx, jobID)
	if err != nil {
		t.mu.Lock()
		t.st.Error = api.Detail(err)
		t.st.Processing = false
		t.mu.Unlock()
		t.publish()
		t.notify(Failure, "%s", api.Detail(err))
		return err
	}
	t.applyStatus(ctx, js)
	return nil
}

func (t *Tracker) applyStatus(ctx context.Context, js *api.JobStatus) {
	if js.Progress != nil && js.Progress.TotalImages > 0 {
		t.apply(ctx, ws.Progress{
			Status:     js.Status,
			Total:      js.Progress.TotalImages,
			Processed:  js.Progress.ProcessedImages,
			Percentage: js.Progress.Percentage,
			HasCounts:  true,
		})
	} else if !js.Terminal() {
		t.apply(ctx, ws.Progress{Status: js.Status})
	}

	switch js.Status {
	case api.StatusCompleted, api.StatusPartiallyCompleted:
		c := ws.Completed{}
		if js.Progress != nil {
			c.Total = js.Progress.TotalImages
		}
		if js.Results != nil {
			c.Files = js.Results.Files
			c.Successful = js.Results.SuccessfulImages
			c.Failed = js.Results.FailedImages
			if c.Total == 0 {
				c.Total = js.Results.TotalImages
			}
		}
		t.apply(ctx, c)
		if js.Status == api.StatusPartiallyCompleted {
			t.mu.Lock()
			t.st.Status = js.Status
			if len(js.Errors) > 0 {
				t.st.Error = strings.Join(js.Errors, ", ")
			}
			t.mu.Unlock()
			t.publish()
		}
	case api.StatusFailed:
		msg := strings.Join(js.Errors, ", ")
		if msg == "" {
			msg = ws.DefaultFailure
		}
		t.apply(ctx, ws.Failed{Error: msg})
	default:
		if js.Results != nil {
			t.mu.Lock()
			for _, f := range js.Results.Files {
				t.addFile(f)
			}
			t.mu.Unlock()
			t.publish()
		}
	}
}

// Download writes one result file into w.
func (t *Tracker) Download(ctx context.Context, fileID string, w io.Writer) error {
	t.mu.Lock()
	sessionID := t.st.SessionID
	t.mu.Unlock()
	if _, err := t.opts.Client.Download(ctx, fileID, sessionID, w); err != nil {
		t.notify(Failure, "%s", api.Detail(err))
		return err
	}
	t.notify(Success, "File downloaded successfully")
	return nil
}

// DownloadFile saves one result file into the download directory and
// returns its path. A file this tracker already saved is not fetched again.
func (t *Tracker) DownloadFile(ctx context.Context, f api.ProcessedFile) (string, error) {
	t.mu.Lock()
	prev, ok := t.paths[f.FileID]
	t.mu.Unlock()
	if ok {
		if _, err := os.Stat(prev); err == nil {
			return prev, nil
		}
	}
	name := f.Filename
	if name == "" {
		name = "ocr-result-" + f.FileID + ".xlsx"
	}
	if err := os.MkdirAll(t.opts.DownloadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(t.opts.DownloadDir, filepath.Base(name))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := t.Download(ctx, f.FileID, out); err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	if f.FileID != "" {
		t.mu.Lock()
		t.paths[f.FileID] = path
		t.mu.Unlock()
	}
	return path, nil
}

// DownloadAll saves every ready file and returns their paths.
func (t *Tracker) DownloadAll(ctx context.Context) ([]string, error) {
	var paths []string
	for _, f := range t.State().Files {
		p, err := t.DownloadFile(ctx, f)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// SaveToHistory stores the current job in the user's history.
func (t *Tracker) SaveToHistory(ctx context.Context) error {
	t.mu.Lock()
	jobID := t.st.JobID
	if jobID == "" {
		t.mu.Unlock()
		t.notify(Failure, "No job to save")
		return ErrNoJob
	}
	t.st.Saving = true
	t.mu.Unlock()
	t.publish()

	res, err := t.opts.Client.SaveToHistory(ctx, jobID)

	t.mu.Lock()
	t.st.Saving = false
	if err == nil && res.Success {
		t.st.Saved = true
	}
	t.mu.Unlock()
	t.publish()

	switch {
	case err != nil:
		t.notify(Failure, "%s", api.Detail(err))
		return err
	case !res.Success:
		t.notify(Failure, "Failed to save to history")
		return fmt.Errorf("save %s: %s", jobID, res.Message)
	}
	if t.opts.Session != nil {
		t.opts.Session.MarkSaved(jobID)
	}
	t.notify(Success, "Job saved to history!")
	return nil
}

// runAutoActions applies the persisted auto-download and auto-save
// preferences once per job, across restarts.
func (t *Tracker) runAutoActions(ctx context.Context, jobID string) {
	sess := t.opts.Session
	if sess == nil {
		return
	}
	prefs := sess.Preferences()
	if !prefs.AutoDownload && !prefs.AutoSave {
		return
	}
	if !sess.MarkOnce(jobID) {
		t.log.Debug("auto actions already ran", zap.String("job", jobID))
		return
	}
	if prefs.AutoDownload {
		if paths, err := t.DownloadAll(ctx); err != nil {
			t.log.Warn("auto download failed", zap.Error(err))
		} else {
			t.log.Info("auto download", zap.Strings("paths", paths))
		}
	}
	if prefs.AutoSave {
		if st, ok := sess.Job(jobID); ok && st.Saved {
			return
		}
		if err := t.SaveToHistory(ctx); err != nil {
			t.log.Warn("auto save failed", zap.Error(err))
		}
	}
}

// Reset clears the job and stops any live stream.
func (t *Tracker) Reset() {
	t.Disconnect()
	t.mu.Lock()
	t.clear()
	t.mu.Unlock()
	t.publish()
}
