package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CreateShareSession publishes job results under a share link.
func (c *Client) CreateShareSession(ctx context.Context, req ShareRequest) (*ShareSession, error) {
	if req.JobID == "" && len(req.FileIDs) == 0 {
		return nil, ErrNoJob
	}
	var out ShareSession
	err := c.do(ctx, request{
		op:       "share",
		method:   http.MethodPost,
		path:     "/api/v1/sessions",
		jsonBody: req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionDetails fetches a shared session. Expired and deactivated links
// fail with ErrSessionExpired and ErrSessionInactive; an unknown link is a
// 404 *Error with a descriptive detail.
func (c *Client) SessionDetails(ctx context.Context, sessionID string) (*SessionDetails, error) {
	var out SessionDetails
	err := c.do(ctx, request{
		op:     "session details",
		method: http.MethodGet,
		path:   "/api/v1/sessions/" + url.PathEscape(sessionID),
	}, &out)
	if err != nil {
		if IsNotFound(err) {
			e, _ := asError(err)
			e.Detail = "Share link not found. It may have been deleted or expired."
		}
		return nil, err
	}
	if out.IsActive != nil && !*out.IsActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionInactive)
	}
	if out.ExpiresAt != "" {
		if exp, ok := parseTimestamp(out.ExpiresAt); ok && time.Now().After(exp) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionExpired)
		}
	}
	return &out, nil
}

// DownloadAll streams the session's files as one ZIP archive into w.
func (c *Client) DownloadAll(ctx context.Context, sessionID string, w io.Writer) (int64, error) {
	return c.stream(ctx, request{
		op:     "download all",
		method: http.MethodGet,
		path:   "/api/v1/sessions/" + url.PathEscape(sessionID) + "/download-all",
	}, w)
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form some backends
// emit, which is read as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
