package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gdamore/tcell/v2"

	"github.com/kobzarvs/ocrsheet/internal/api"
	"github.com/kobzarvs/ocrsheet/internal/editor"
	"github.com/kobzarvs/ocrsheet/internal/logger"
	"github.com/kobzarvs/ocrsheet/internal/sheet"
)

// runEdit opens a local workbook, or downloads a result file of the last
// job by id, in the grid editor.
func runEdit(ctx context.Context, a *App, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	path, err := a.editTarget(ctx, args[0])
	if err != nil {
		return err
	}
	sh, err := a.loadSheet(path)
	if err != nil {
		return err
	}

	runtime.LockOSThread()
	s, err := a.newScreen()
	if err != nil {
		return err
	}
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Fini()

	ed := editor.New(a.cfg, sh, path)
	ed.SetLogger(logger.Named("editor"))
	ed.SetClipboard(sheet.SystemClipboard{})
	return editLoop(s, ed)
}

func editLoop(s tcell.Screen, ed *editor.Editor) error {
	ed.Render(s)
	for {
		ev := s.PollEvent()
		switch ev := ev.(type) {
		case nil:
			return nil
		case *tcell.EventKey:
			if ed.HandleKey(ev) {
				return nil
			}
		case *tcell.EventResize:
			s.Sync()
		}
		ed.Render(s)
	}
}

func (a *App) editTarget(ctx context.Context, arg string) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if strings.ContainsAny(arg, `/\`) || filepath.Ext(arg) != "" {
		return "", fmt.Errorf("%s: no such file", arg)
	}
	jobID, sessionID, err := a.resolveJob(nil)
	if err != nil {
		return "", fmt.Errorf("%s: no such file", arg)
	}
	tr := a.newTracker()
	tr.Resume(jobID, sessionID)
	if err := tr.Refresh(ctx); err != nil {
		return "", err
	}
	for _, f := range tr.State().Files {
		if f.FileID == arg {
			return tr.DownloadFile(ctx, f)
		}
	}
	return tr.DownloadFile(ctx, api.ProcessedFile{FileID: arg})
}

func (a *App) loadSheet(path string) (*sheet.Sheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	opts := []sheet.Option{
		sheet.WithClipboard(sheet.SystemClipboard{}),
		sheet.WithMaxRows(a.cfg.Editor.MaxRows),
		sheet.WithFormatter(sheet.NewFormatter(a.cfg.Editor.Locale, a.cfg.Editor.CurrencySymbol, a.cfg.Editor.DateLayout)),
		sheet.WithLogger(logger.Named("sheet")),
	}
	var sh *sheet.Sheet
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		sh, err = sheet.LoadCSV(f, opts...)
	} else {
		sh, err = sheet.Load(f, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	logger.Info("sheet loaded", "path", path, "rows", sh.NumRows(), "cols", sh.NumCols())
	return sh, nil
}
