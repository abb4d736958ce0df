package api

import (
	"bytes"
	"encoding/json"
)

// Job statuses reported by the backend.
const (
	StatusQueued             = "queued"
	StatusProcessing         = "processing"
	StatusCompleted          = "completed"
	StatusPartiallyCompleted = "partially_completed"
	StatusFailed             = "failed"
)

type ImageData struct {
	Image    string `json:"image"` // base64
	Filename string `json:"filename,omitempty"`
}

type BatchRequest struct {
	Images                []ImageData `json:"images"`
	OutputFormat          string      `json:"output_format,omitempty"`
	ConsolidationStrategy string      `json:"consolidation_strategy,omitempty"`
}

type BatchResponse struct {
	Success             bool   `json:"success"`
	JobID               string `json:"job_id"`
	EstimatedCompletion string `json:"estimated_completion"`
	StatusURL           string `json:"status_url"`
	SessionID           string `json:"session_id"`
}

type JobProgress struct {
	TotalImages     int     `json:"total_images"`
	ProcessedImages int     `json:"processed_images"`
	CurrentImage    string  `json:"current_image,omitempty"`
	Percentage      float64 `json:"percentage"`
}

type ProcessedFile struct {
	FileID        string `json:"file_id"`
	DownloadURL   string `json:"download_url"`
	Filename      string `json:"filename"`
	OriginalImage string `json:"original_image,omitempty"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type BatchResults struct {
	TotalImages           int             `json:"total_images"`
	SuccessfulImages      int             `json:"successful_images"`
	FailedImages          int             `json:"failed_images"`
	Files                 []ProcessedFile `json:"files"`
	TotalFiles            int             `json:"total_files"`
	PrimaryDownload       *string         `json:"primary_download"`
	ExpiresAt             string          `json:"expires_at"`
	ProcessingTimeSeconds float64         `json:"processing_time_seconds"`
	CompletedAt           string          `json:"completed_at"`
}

type JobStatus struct {
	JobID     string        `json:"job_id"`
	Status    string        `json:"status"`
	Progress  *JobProgress  `json:"progress,omitempty"`
	Results   *BatchResults `json:"results,omitempty"`
	Errors    []string      `json:"errors"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// Terminal reports whether the job will not change any more.
func (s JobStatus) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed:
		return true
	}
	return false
}

type SaveResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Credits struct {
	TotalCredits     int `json:"total_credits"`
	UsedCredits      int `json:"used_credits"`
	AvailableCredits int `json:"available_credits"`
}

// HistoryJob is one saved job.
type HistoryJob struct {
	ID                 string          `json:"id"`
	OriginalJobID      string          `json:"original_job_id"`
	Filename           string          `json:"filename"`
	Status             string          `json:"status"`
	ResultURL          string          `json:"result_url"`
	ProcessingMetadata json.RawMessage `json:"processing_metadata,omitempty"`
	CreatedAt          string          `json:"created_at"`
	SavedAt            string          `json:"saved_at"`
}

type HistoryPage struct {
	Jobs   []HistoryJob `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// UnmarshalJSON accepts either a page object or a bare array of jobs.
func (p *HistoryPage) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var jobs []HistoryJob
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return err
		}
		*p = HistoryPage{Jobs: jobs, Total: len(jobs)}
		return nil
	}
	type plain HistoryPage
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = HistoryPage(out)
	if p.Total == 0 {
		p.Total = len(p.Jobs)
	}
	return nil
}

// HasMore reports whether another page follows this one.
func (p HistoryPage) HasMore() bool {
	return p.Offset+len(p.Jobs) < p.Total
}

type ShareRequest struct {
	JobID       string   `json:"job_id,omitempty"`
	FileIDs     []string `json:"file_ids,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	ExpiresIn   int      `json:"expires_in_hours,omitempty"`
}

type ShareSession struct {
	SessionID string `json:"session_id"`
	ShareURL  string `json:"share_url"`
	ExpiresAt string `json:"expires_at"`
}

type SessionFile struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type SessionDetails struct {
	SessionID   string        `json:"session_id"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Files       []SessionFile `json:"files"`
	CreatedAt   string        `json:"created_at"`
	ExpiresAt   string        `json:"expires_at,omitempty"`
	AccessCount int           `json:"access_count"`
	IsActive    *bool         `json:"is_active,omitempty"`
}
