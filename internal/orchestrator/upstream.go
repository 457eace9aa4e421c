package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cwgate/gateway/internal/identity"
	"github.com/cwgate/gateway/internal/jwtmint"
	"github.com/cwgate/gateway/internal/streamengine"
)

// HTTPStatusError carries an upstream non-200 response so the caller can
// run it through the account state machine without re-parsing a generic
// error string.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Upstream is the outbound wire protocol described in spec.md §6: session
// creation, the stream-assist call, and generated-file download, all
// authenticated with the same bearer JWT.
type Upstream interface {
	CreateSession(ctx context.Context, creds jwtmint.Credentials, token string) (session string, err error)
	StreamAssist(ctx context.Context, creds jwtmint.Credentials, token string, body streamengine.StreamAssistBody) (io.ReadCloser, error)
	DownloadFile(ctx context.Context, creds jwtmint.Credentials, token, session, fileID string) (mimeType string, data []byte, err error)
}

// HTTPUpstream is the concrete Upstream backed by a single traffic-class
// *http.Client (internal/transport's "chat" class).
type HTTPUpstream struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPUpstream(client *http.Client, baseURL string) *HTTPUpstream {
	return &HTTPUpstream{Client: client, BaseURL: baseURL}
}

func (u *HTTPUpstream) CreateSession(ctx context.Context, creds jwtmint.Credentials, token string) (string, error) {
	url := u.BaseURL + "/v1alpha/locations/global/session"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	identity.SetOutboundHeaders(req.Header)

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPStatusError{Status: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse session create response: %w", err)
	}
	return parsed.Session, nil
}

func (u *HTTPUpstream) StreamAssist(ctx context.Context, creds jwtmint.Credentials, token string, body streamengine.StreamAssistBody) (io.ReadCloser, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal stream-assist body: %w", err)
	}

	url := u.BaseURL + "/v1alpha/locations/global/widgetStreamAssist"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	identity.SetOutboundHeaders(req.Header)

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPStatusError{Status: resp.StatusCode, Body: string(errBody)}
	}
	return resp.Body, nil
}

func (u *HTTPUpstream) DownloadFile(ctx context.Context, creds jwtmint.Credentials, token, session, fileID string) (string, []byte, error) {
	url := fmt.Sprintf("%s/v1alpha/locations/global/files/%s:download?session=%s", u.BaseURL, fileID, session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	identity.SetOutboundHeaders(req.Header)

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read file download body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, &HTTPStatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return resp.Header.Get("Content-Type"), data, nil
}

// accountDownloader adapts a fixed account+session+token to
// media.Downloader, since media.Handler is account-agnostic.
type accountDownloader struct {
	up    Upstream
	creds jwtmint.Credentials
	token string
}

func (d accountDownloader) Download(ctx context.Context, session, fileID string) (string, []byte, error) {
	return d.up.DownloadFile(ctx, d.creds, d.token, session, fileID)
}
