package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
)

// File is one image handed to an upload call.
type File struct {
	Name string
	Data []byte
}

// ReadFile loads path into a File named after its base name.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return File{Name: filepath.Base(path), Data: data}, nil
}

// UploadBatch submits images as base64 JSON, one result file per image.
func (c *Client) UploadBatch(ctx context.Context, files []File) (*BatchResponse, error) {
	req := BatchRequest{
		OutputFormat:          c.outputFormat,
		ConsolidationStrategy: "separate",
	}
	for _, f := range files {
		req.Images = append(req.Images, ImageData{
			Image:    base64.StdEncoding.EncodeToString(f.Data),
			Filename: f.Name,
		})
	}
	var out BatchResponse
	err := c.do(ctx, request{
		op:       "upload batch",
		method:   http.MethodPost,
		path:     "/api/v1/jobs/batch",
		jsonBody: req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadBatchMultipart submits images as multipart form data under the
// "files" field with the client's output format and consolidation strategy.
func (c *Client) UploadBatchMultipart(ctx context.Context, files []File) (*BatchResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, &Error{Op: "upload batch", Detail: err.Error(), Err: err}
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, &Error{Op: "upload batch", Detail: err.Error(), Err: err}
		}
	}
	fields := [][2]string{
		{"output_format", c.outputFormat},
		{"consolidation_strategy", c.consolidation},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, &Error{Op: "upload batch", Detail: err.Error(), Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, &Error{Op: "upload batch", Detail: err.Error(), Err: err}
	}

	var out BatchResponse
	err := c.do(ctx, request{
		op:          "upload batch",
		method:      http.MethodPost,
		path:        "/api/v1/jobs/batch-upload",
		body:        &buf,
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadImage submits a single image through the multipart endpoint.
func (c *Client) UploadImage(ctx context.Context, f File) (*BatchResponse, error) {
	return c.UploadBatchMultipart(ctx, []File{f})
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if jobID == "" {
		return nil, ErrNoJob
	}
	var out JobStatus
	err := c.do(ctx, request{
		op:     "job status",
		method: http.MethodGet,
		path:   "/api/v1/jobs/" + url.PathEscape(jobID) + "/status",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Download streams a result file into w. sessionID is optional.
func (c *Client) Download(ctx context.Context, fileID, sessionID string, w io.Writer) (int64, error) {
	if fileID == "" {
		return 0, fmt.Errorf("download: empty file id")
	}
	var q url.Values
	if sessionID != "" {
		q = url.Values{"session_id": {sessionID}}
	}
	return c.stream(ctx, request{
		op:     "download",
		method: http.MethodGet,
		path:   "/api/v1/download/" + url.PathEscape(fileID),
		query:  q,
	}, w)
}

func (c *Client) SaveToHistory(ctx context.Context, jobID string) (*SaveResult, error) {
	if jobID == "" {
		return nil, ErrNoJob
	}
	var out SaveResult
	err := c.do(ctx, request{
		op:     "save to history",
		method: http.MethodPost,
		path:   "/api/v1/jobs/" + url.PathEscape(jobID) + "/save",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrNoJob
	}
	return c.do(ctx, request{
		op:     "cancel job",
		method: http.MethodDelete,
		path:   "/api/v1/jobs/" + url.PathEscape(jobID),
	}, nil)
}

// History returns one page of saved jobs.
func (c *Client) History(ctx context.Context, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out HistoryPage
	err := c.do(ctx, request{
		op:     "history",
		method: http.MethodGet,
		path:   "/api/v1/jobs/history",
		query: url.Values{
			"limit":  {strconv.Itoa(limit)},
			"offset": {strconv.Itoa(offset)},
		},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Limit == 0 {
		out.Limit = limit
	}
	if out.Offset == 0 {
		out.Offset = offset
	}
	return &out, nil
}

func (c *Client) Credits(ctx context.Context) (*Credits, error) {
	var out Credits
	err := c.do(ctx, request{
		op:     "credits",
		method: http.MethodGet,
		path:   "/api/v1/users/credits",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
