package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kobzarvs/ocrsheet/internal/api"
	"github.com/kobzarvs/ocrsheet/internal/auth"
	"github.com/kobzarvs/ocrsheet/internal/config"
	"github.com/kobzarvs/ocrsheet/internal/job"
	"github.com/kobzarvs/ocrsheet/internal/ws"
)

func (a *App) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func runUpload(ctx context.Context, a *App, args []string) error {
	fs := a.flags("upload")
	base64 := fs.Bool("base64", false, "send images as base64 JSON")
	detach := fs.Bool("detach", false, "return once the job is accepted")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	if fs.NArg() == 0 {
		return ErrUsage
	}
	files := make([]api.File, 0, fs.NArg())
	for _, path := range fs.Args() {
		f, err := api.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}
	if *base64 {
		a.cfg.API.UploadMode = "base64"
	}

	wake := api.DefaultWakeOptions()
	if a.cfg.API.WakeAttempts > 0 {
		wake.Attempts = a.cfg.API.WakeAttempts
	}
	if err := a.client.WakeUp(ctx, wake); err != nil {
		return err
	}

	tr := a.newTracker()
	resp, err := tr.UploadBatch(ctx, files)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "job %s\n", resp.JobID)
	if *detach || !resp.Success {
		return nil
	}
	return a.follow(ctx, tr, resp.SessionID)
}

func runWatch(ctx context.Context, a *App, args []string) error {
	jobID, sessionID, err := a.resolveJob(args)
	if err != nil {
		return err
	}
	tr := a.newTracker()
	tr.Resume(jobID, sessionID)
	if err := tr.Refresh(ctx); err != nil {
		return err
	}
	if isDone(tr.State().Status) {
		a.printState(tr.State())
		return nil
	}
	return a.follow(ctx, tr, sessionID)
}

// follow streams job events until the job finishes, the stream gives up or
// ctx is canceled, printing progress along the way.
func (a *App) follow(ctx context.Context, tr *job.Tracker, sessionID string) error {
	if sessionID == "" {
		return errors.New("job has no session to follow")
	}
	updates := tr.Subscribe()
	done := make(chan struct{})
	go func() {
		last := ""
		for {
			select {
			case st := <-updates:
				if line := progressLine(st); line != last {
					fmt.Fprintln(a.stderr, line)
					last = line
				}
			case <-done:
				return
			}
		}
	}()

	keepAlive, stopKeepAlive := context.WithCancel(ctx)
	go a.client.KeepAlive(keepAlive, config.Duration(a.cfg.API.KeepAliveInterval, 30*time.Second))

	tr.Connect(ctx, sessionID)
	waitErr := tr.Wait(ctx)
	stopKeepAlive()
	tr.Disconnect()
	close(done)

	st := tr.State()
	a.printState(st)
	if waitErr != nil {
		return waitErr
	}
	if st.Status == api.StatusFailed {
		return fmt.Errorf("job %s failed: %s", st.JobID, st.Error)
	}
	return nil
}

func progressLine(st job.State) string {
	if st.Progress.Total > 0 {
		return fmt.Sprintf("[%s] %d/%d images (%.0f%%)", st.Status, st.Progress.Processed, st.Progress.Total, st.Progress.Percentage)
	}
	return fmt.Sprintf("[%s] %s", st.Status, streamLabel(st))
}

func streamLabel(st job.State) string {
	switch st.Stream {
	case ws.Connecting:
		return "connecting"
	case ws.Open:
		return "connected"
	case ws.Closed:
		return "disconnected"
	}
	return "waiting"
}

func isDone(status string) bool {
	switch status {
	case api.StatusCompleted, api.StatusPartiallyCompleted, api.StatusFailed:
		return true
	}
	return false
}

func (a *App) printState(st job.State) {
	fmt.Fprintf(a.stdout, "job:      %s\n", st.JobID)
	fmt.Fprintf(a.stdout, "status:   %s\n", st.Status)
	if st.Progress.Total > 0 {
		fmt.Fprintf(a.stdout, "progress: %d/%d (%.0f%%)\n", st.Progress.Processed, st.Progress.Total, st.Progress.Percentage)
	}
	if st.Error != "" {
		fmt.Fprintf(a.stdout, "error:    %s\n", st.Error)
	}
	if st.Saved {
		fmt.Fprintln(a.stdout, "saved:    yes")
	}
	for _, f := range st.Files {
		fmt.Fprintf(a.stdout, "file:     %s  %s\n", f.FileID, f.Filename)
	}
}

func runStatus(ctx context.Context, a *App, args []string) error {
	jobID, sessionID, err := a.resolveJob(args)
	if err != nil {
		return err
	}
	tr := a.newTracker()
	tr.Resume(jobID, sessionID)
	if err := tr.Refresh(ctx); err != nil {
		return err
	}
	a.printState(tr.State())
	return nil
}

func runDownload(ctx context.Context, a *App, args []string) error {
	fs := a.flags("download")
	dir := fs.String("o", "", "directory to write result files into")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	if *dir != "" {
		a.cfg.API.DownloadDir = *dir
	}
	jobID, sessionID, err := a.resolveJob(fs.Args())
	if err != nil {
		return err
	}
	tr := a.newTracker()
	tr.Resume(jobID, sessionID)
	if err := tr.Refresh(ctx); err != nil {
		return err
	}
	if len(tr.State().Files) == 0 {
		return fmt.Errorf("job %s has no result files yet", jobID)
	}
	paths, err := tr.DownloadAll(ctx)
	for _, p := range paths {
		fmt.Fprintln(a.stdout, p)
	}
	return err
}

func runSave(ctx context.Context, a *App, args []string) error {
	jobID, sessionID, err := a.resolveJob(args)
	if err != nil {
		return err
	}
	tr := a.newTracker()
	tr.Resume(jobID, sessionID)
	if tr.State().Saved {
		fmt.Fprintln(a.stdout, "already saved")
		return nil
	}
	return tr.SaveToHistory(ctx)
}

func runCancel(ctx context.Context, a *App, args []string) error {
	jobID, _, err := a.resolveJob(args)
	if err != nil {
		return err
	}
	if err := a.client.CancelJob(ctx, jobID); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "job %s cancelled\n", jobID)
	return nil
}

func runShare(ctx context.Context, a *App, args []string) error {
	fs := a.flags("share")
	title := fs.String("title", "", "title shown on the share page")
	hours := fs.Int("hours", 0, "hours until the link expires")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	jobID, _, err := a.resolveJob(fs.Args())
	if err != nil {
		return err
	}
	if *title == "" {
		*title = "OCR results " + uuid.NewString()[:8]
	}
	share, err := a.client.CreateShareSession(ctx, api.ShareRequest{
		JobID:     jobID,
		Title:     *title,
		ExpiresIn: *hours,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, share.ShareURL)
	if share.ExpiresAt != "" {
		fmt.Fprintf(a.stderr, "expires %s\n", share.ExpiresAt)
	}
	return nil
}

func runShared(ctx context.Context, a *App, args []string) error {
	fs := a.flags("shared")
	out := fs.String("o", "", "write every file of the share as a zip archive")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	if fs.NArg() != 1 {
		return ErrUsage
	}
	sessionID := fs.Arg(0)
	details, err := a.client.SessionDetails(ctx, sessionID)
	if err != nil {
		if api.IsNotFound(err) {
			return errors.New(api.Detail(err))
		}
		return err
	}
	if details.Title != "" {
		fmt.Fprintln(a.stdout, details.Title)
	}
	for _, f := range details.Files {
		fmt.Fprintf(a.stdout, "%s  %s\n", f.FileID, f.Filename)
	}
	if *out == "" {
		return nil
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	n, err := a.client.DownloadAll(ctx, sessionID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(*out)
		return err
	}
	a.log.Info("share archive written", zap.String("path", *out), zap.Int64("bytes", n))
	fmt.Fprintln(a.stdout, *out)
	return nil
}

func runHistory(ctx context.Context, a *App, args []string) error {
	fs := a.flags("history")
	limit := fs.Int("limit", a.cfg.API.HistoryPageSize, "jobs per page")
	offset := fs.Int("offset", 0, "jobs to skip")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	page, err := a.client.History(ctx, *limit, *offset)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tSAVED")
	for _, j := range page.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Filename, j.Status, j.SavedAt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if page.HasMore() {
		fmt.Fprintf(a.stderr, "more: ocrsheet history -offset %d\n", page.Offset+len(page.Jobs))
	}
	return nil
}

func runCredits(ctx context.Context, a *App, args []string) error {
	c, err := a.client.Credits(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "available: %d\nused:      %d\ntotal:     %d\n", c.AvailableCredits, c.UsedCredits, c.TotalCredits)
	return nil
}

func runHealth(ctx context.Context, a *App, args []string) error {
	if err := a.client.Health(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "ok")
	return nil
}

func runPrefs(ctx context.Context, a *App, args []string) error {
	prefs := a.session.Preferences()
	fs := a.flags("prefs")
	fs.BoolVar(&prefs.AutoDownload, "auto-download", prefs.AutoDownload, "download results when a job completes")
	fs.BoolVar(&prefs.AutoSave, "auto-save", prefs.AutoSave, "save jobs to history when they complete")
	if err := fs.Parse(args); err != nil {
		return ErrUsage
	}
	if fs.NFlag() > 0 {
		a.session.SetPreferences(prefs)
	}
	fmt.Fprintf(a.stdout, "auto-download: %t\nauto-save:     %t\n", prefs.AutoDownload, prefs.AutoSave)
	return nil
}

func runLogin(ctx context.Context, a *App, args []string) error {
	if len(args) < 1 || len(args) > 2 || strings.TrimSpace(args[0]) == "" {
		return ErrUsage
	}
	creds := auth.Credentials{AccessToken: args[0]}
	if len(args) == 2 {
		creds.RefreshToken = args[1]
	}
	if err := a.store.Save(creds); err != nil {
		return err
	}
	a.session.SetFlag("signed_out", false)
	fmt.Fprintf(a.stdout, "credentials saved to %s\n", a.store.Path())
	return nil
}

func runLogout(ctx context.Context, a *App, args []string) error {
	if err := a.store.Clear(); err != nil {
		return err
	}
	a.session.Forget()
	fmt.Fprintln(a.stdout, "signed out")
	return nil
}
