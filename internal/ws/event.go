package ws

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/kobzarvs/ocrsheet/internal/api"
)

// Kind tags the variant of an Event.
type Kind int

const (
	KindUnknown Kind = iota
	KindFileReady
	KindProgress
	KindCompleted
	KindFailed
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindFileReady:
		return "file_ready"
	case KindProgress:
		return "progress"
	case KindCompleted:
		return "job_completed"
	case KindFailed:
		return "job_error"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is one decoded server message.
type Event interface {
	Kind() Kind
}

// FileReady announces one result file.
type FileReady struct {
	File api.ProcessedFile
}

// Progress reports processing counts. HasCounts is false when the message
// carried a status but no image counts.
type Progress struct {
	Status       string
	Total        int
	Processed    int
	Percentage   float64
	CurrentImage string
	HasCounts    bool
}

// Completed is terminal. Files is nil when the message listed none.
type Completed struct {
	Total      int
	Successful int
	Failed     int
	Files      []api.ProcessedFile
}

// Failed is terminal.
type Failed struct {
	Error string
}

type System struct {
	Message string
}

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (FileReady) Kind() Kind { return KindFileReady }
func (Progress) Kind() Kind  { return KindProgress }
func (Completed) Kind() Kind { return KindCompleted }
func (Failed) Kind() Kind    { return KindFailed }
func (System) Kind() Kind    { return KindSystem }
func (Unknown) Kind() Kind   { return KindUnknown }

// IsTerminal reports whether no further events follow ev.
func IsTerminal(ev Event) bool {
	switch ev.Kind() {
	case KindCompleted, KindFailed:
		return true
	}
	return false
}

// DefaultFailure is used when a failure message names no error.
const DefaultFailure = "Processing failed"

type message struct {
	Type             string              `json:"type"`
	Status           string              `json:"status"`
	TotalImages      int                 `json:"total_images"`
	ProcessedImages  *int                `json:"processed_images"`
	Progress         float64             `json:"progress"`
	CurrentImage     string              `json:"current_image"`
	SuccessfulImages int                 `json:"successful_images"`
	FailedImages     int                 `json:"failed_images"`
	Files            []api.ProcessedFile `json:"files"`
	DownloadURLs     []string            `json:"download_urls"`
	Error            string              `json:"error"`
	Errors           []string            `json:"errors"`
	Message          string              `json:"message"`

	File        *api.ProcessedFile `json:"file"`
	FileID      string             `json:"file_id"`
	Filename    string             `json:"filename"`
	DownloadURL string             `json:"download_url"`
}

// Decode turns one raw message into its tagged variant. A status of
// completed or failed wins over the message type.
func Decode(data []byte) (Event, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch {
	case m.Type == "job_completed" || m.Status == api.StatusCompleted:
		return m.completed(), nil
	case m.Type == "job_error" || m.Status == api.StatusFailed:
		return m.failed(), nil
	}
	switch m.Type {
	case "file_ready":
		f := api.ProcessedFile{FileID: m.FileID, Filename: m.Filename, DownloadURL: m.DownloadURL}
		if m.File != nil {
			f = *m.File
		}
		if f.FileID == "" && f.DownloadURL != "" {
			f.FileID = urlTail(f.DownloadURL)
		}
		return FileReady{File: f}, nil
	case "progress", "job_progress":
		return m.progress(), nil
	case "system":
		return System{Message: m.Message}, nil
	}
	return Unknown{Type: m.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

func (m message) progress() Progress {
	p := Progress{Status: m.Status, CurrentImage: m.CurrentImage}
	if p.Status == "" {
		p.Status = api.StatusProcessing
	}
	if m.TotalImages > 0 && m.ProcessedImages != nil {
		p.HasCounts = true
		p.Total = m.TotalImages
		p.Processed = *m.ProcessedImages
		p.Percentage = m.Progress
		if p.Percentage == 0 {
			p.Percentage = math.Round(float64(p.Processed) / float64(p.Total) * 100)
		}
	}
	return p
}

func (m message) completed() Completed {
	c := Completed{Total: m.TotalImages, Successful: m.SuccessfulImages, Failed: m.FailedImages}
	switch {
	case m.Files != nil:
		c.Files = m.Files
	case m.DownloadURLs != nil:
		c.Files = make([]api.ProcessedFile, 0, len(m.DownloadURLs))
		for i, u := range m.DownloadURLs {
			c.Files = append(c.Files, api.ProcessedFile{
				FileID:      urlTail(u),
				DownloadURL: u,
				Filename:    fmt.Sprintf("result-%d.xlsx", i+1),
			})
		}
	}
	return c
}

func (m message) failed() Failed {
	msg := m.Error
	if msg == "" && len(m.Errors) > 0 {
		msg = m.Errors[0]
	}
	if msg == "" {
		msg = DefaultFailure
	}
	return Failed{Error: msg}
}

func urlTail(u string) string {
	u = strings.TrimRight(u, "/")
	if i := strings.LastIndexByte(u, '/'); i >= 0 {
		return u[i+1:]
	}
	return u
}
