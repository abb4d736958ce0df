// Package app wires configuration, credentials, the API client, the job
// tracker and the terminal editor behind the ocrsheet subcommands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"go.uber.org/zap"

	"github.com/kobzarvs/ocrsheet/internal/api"
	"github.com/kobzarvs/ocrsheet/internal/auth"
	"github.com/kobzarvs/ocrsheet/internal/config"
	"github.com/kobzarvs/ocrsheet/internal/job"
	"github.com/kobzarvs/ocrsheet/internal/logger"
	"github.com/kobzarvs/ocrsheet/internal/session"
)

var ErrUsage = errors.New("usage")

// App is the top-level runtime for ocrsheet.
type App struct {
	args   []string
	stdout io.Writer
	stderr io.Writer

	newScreen func() (tcell.Screen, error)

	cfg     config.Config
	store   *auth.Store
	session *session.Manager
	client  *api.Client
	log     *zap.Logger
}

func New(args []string) *App {
	return &App{
		args:      args,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		newScreen: tcell.NewScreen,
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, a *App, args []string) error
	// offline commands skip the API client.
	offline bool
}

var commands = map[string]command{
	"upload":   {usage: "upload [-base64] [-detach] FILE...", run: runUpload},
	"watch":    {usage: "watch [JOB_ID]", run: runWatch},
	"status":   {usage: "status [JOB_ID]", run: runStatus},
	"download": {usage: "download [-o DIR] [JOB_ID]", run: runDownload},
	"save":     {usage: "save [JOB_ID]", run: runSave},
	"cancel":   {usage: "cancel [JOB_ID]", run: runCancel},
	"share":    {usage: "share [-title T] [-hours N] [JOB_ID]", run: runShare},
	"shared":   {usage: "shared [-o FILE] SESSION_ID", run: runShared},
	"history":  {usage: "history [-limit N] [-offset N]", run: runHistory},
	"credits":  {usage: "credits", run: runCredits},
	"health":   {usage: "health", run: runHealth},
	"prefs":    {usage: "prefs [-auto-download=BOOL] [-auto-save=BOOL]", run: runPrefs, offline: true},
	"login":    {usage: "login ACCESS_TOKEN [REFRESH_TOKEN]", run: runLogin, offline: true},
	"logout":   {usage: "logout", run: runLogout, offline: true},
	"edit":     {usage: "edit FILE|FILE_ID", run: runEdit},
}

func (a *App) Run() error {
	if len(a.args) == 0 || a.args[0] == "help" || a.args[0] == "-h" || a.args[0] == "--help" {
		a.printUsage()
		return nil
	}
	name, args := a.args[0], a.args[1:]
	cmd, ok := commands[name]
	if !ok {
		a.printUsage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := logger.Init(logger.Options{Debug: cfg.Debug, Command: name}); err != nil {
		fmt.Fprintln(a.stderr, "ocrsheet: logging disabled:", err)
	}
	defer logger.Close()
	a.log = logger.Named("app")
	logger.Debug("config loaded", "api", cfg.API.BaseURL, "ws", cfg.WebSocketURL(), "upload_mode", cfg.API.UploadMode)

	sess, err := session.NewManager()
	if err != nil {
		return err
	}
	a.session = sess
	defer sess.Stop()

	dir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	a.store = auth.NewStore(filepath.Join(dir, "credentials.json"))
	if !cmd.offline {
		a.client = a.newClient()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("command", "name", name, "args", args)
	err = cmd.run(ctx, a, args)
	if errors.Is(err, ErrUsage) {
		return fmt.Errorf("usage: ocrsheet %s", cmd.usage)
	}
	if err != nil {
		logger.Error("command failed", "name", name, "error", err, "status", api.StatusCode(err))
	}
	return err
}

func (a *App) printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(a.stderr, "usage: ocrsheet <command> [arguments]")
	fmt.Fprintln(a.stderr)
	for _, name := range names {
		fmt.Fprintln(a.stderr, "  "+commands[name].usage)
	}
}

// newClient builds the API client with credentials from the config file,
// OCRSHEET_TOKEN or the credential store, in that order.
func (a *App) newClient() *api.Client {
	creds := auth.Credentials{
		AccessToken:  a.cfg.Auth.AccessToken,
		RefreshToken: a.cfg.Auth.RefreshToken,
	}
	if creds.AccessToken == "" {
		if stored, err := a.store.Load(); err == nil {
			creds = stored
		} else if !errors.Is(err, auth.ErrNoCredentials) {
			logger.Warn("load credentials", "error", err)
		}
	}
	opts := api.Options{
		BaseURL:               a.cfg.API.BaseURL,
		Timeout:               config.Duration(a.cfg.API.Timeout, api.DefaultTimeout),
		Log:                   logger.Named("api"),
		OutputFormat:          a.cfg.API.OutputFormat,
		ConsolidationStrategy: a.cfg.API.ConsolidationMode,
		OnUnauthorized:        a.signOut,
	}
	if creds.AccessToken != "" {
		margin := config.Duration(a.cfg.API.TokenRefreshMargin, auth.DefaultRefreshMargin)
		opts.Tokens = auth.Refreshing(creds, a.cfg.Auth.TokenURL, a.cfg.Auth.APIKey, margin, a.store, logger.Named("auth"))
	}
	return api.New(opts)
}

// signOut drops stored credentials after the backend rejected them.
func (a *App) signOut() {
	if err := a.store.Clear(); err != nil {
		logger.Warn("clear credentials", "error", err)
	}
	a.session.SetFlag("signed_out", true)
	fmt.Fprintln(a.stderr, "Session expired. Sign in again with `ocrsheet login`.")
}

func (a *App) newTracker() *job.Tracker {
	return job.New(job.Options{
		Client:         a.client,
		Session:        a.session,
		WebSocketURL:   a.cfg.WebSocketURL(),
		MaxReconnects:  a.cfg.WebSocket.MaxReconnectAttempts,
		ReconnectDelay: config.Duration(a.cfg.WebSocket.ReconnectDelay, 0),
		UploadMode:     a.cfg.API.UploadMode,
		DownloadDir:    a.cfg.API.DownloadDir,
		Notify:         a.printNotice,
		OnCredits: func(c api.Credits) {
			fmt.Fprintf(a.stderr, "Credits available: %d\n", c.AvailableCredits)
		},
		Log: logger.Named("job"),
	})
}

func (a *App) printNotice(n job.Notice) {
	prefix := ""
	switch n.Level {
	case job.Success:
		prefix = "ok: "
	case job.Failure:
		prefix = "error: "
	}
	fmt.Fprintln(a.stderr, prefix+n.Message)
}

// resolveJob picks the job named on the command line, or the last job this
// client uploaded.
func (a *App) resolveJob(args []string) (string, string, error) {
	if len(args) > 0 {
		id := args[0]
		sessionID := ""
		if st, ok := a.session.Job(id); ok {
			sessionID = st.SessionID
		}
		return id, sessionID, nil
	}
	id, st, ok := a.session.LastJob()
	if !ok {
		return "", "", api.ErrNoJob
	}
	return id, st.SessionID, nil
}
