package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/Lllllllleong/signingdocumentflow/internal/transport"
)

// DefaultStorageEndpoint is the GCS JSON API host.
const DefaultStorageEndpoint = "https://storage.googleapis.com"

// ResumableProtocol speaks the GCS JSON API resumable upload protocol. A
// session URI it returns can also be handed to a browser, which then uploads
// directly with the same Content-Range semantics.
type ResumableProtocol struct {
	client   *http.Client
	endpoint string
}

var _ transport.Protocol = (*ResumableProtocol)(nil)

// NewResumableProtocol builds a protocol client authorized with the default
// credentials for read-write storage access.
func NewResumableProtocol(ctx context.Context, opts ...option.ClientOption) (*ResumableProtocol, error) {
	opts = append([]option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}, opts...)
	client, endpoint, err := htransport.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage HTTP client: %w", err)
	}
	if endpoint == "" || !strings.HasPrefix(endpoint, "http") {
		endpoint = DefaultStorageEndpoint
	}
	return NewResumableProtocolWithClient(client, endpoint), nil
}

// NewResumableProtocolWithClient uses client as is against endpoint.
func NewResumableProtocolWithClient(client *http.Client, endpoint string) *ResumableProtocol {
	return &ResumableProtocol{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

// Create starts a session for an object that must not exist yet.
func (p *ResumableProtocol) Create(ctx context.Context, t transport.Target) (string, error) {
	q := url.Values{}
	q.Set("uploadType", "resumable")
	q.Set("name", t.Object)
	q.Set("ifGenerationMatch", "0")
	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", p.endpoint, url.PathEscape(t.Bucket), q.Encode())

	meta, err := json.Marshal(map[string]string{"name": t.Object, "contentType": t.ContentType})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(meta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	if t.ContentType != "" {
		req.Header.Set("X-Upload-Content-Type", t.ContentType)
	}
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(t.Size, 10))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if err := googleapi.CheckResponse(resp); err != nil {
		return "", err
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("resumable session response for %s has no Location header", t.Object)
	}
	return location, nil
}

// Append uploads chunk at offset. A 308 answer reports the persisted range;
// 200 or 201 means the object is complete.
func (p *ResumableProtocol) Append(ctx context.Context, sessionURI string, offset int64, chunk []byte, total int64) (int64, error) {
	contentRange := fmt.Sprintf("bytes */%d", total)
	if len(chunk) > 0 {
		contentRange = fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total)
	}
	return p.put(ctx, sessionURI, chunk, contentRange, total)
}

// Status asks how many bytes of the session are persisted.
func (p *ResumableProtocol) Status(ctx context.Context, sessionURI string, total int64) (int64, error) {
	return p.put(ctx, sessionURI, nil, fmt.Sprintf("bytes */%d", total), total)
}

func (p *ResumableProtocol) put(ctx context.Context, sessionURI string, body []byte, contentRange string, total int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURI, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Range", contentRange)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return total, nil
	case http.StatusPermanentRedirect:
		return persistedRange(resp.Header.Get("Range"))
	}
	if err := googleapi.CheckResponse(resp); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("unexpected resumable upload status %d", resp.StatusCode)
}

// persistedRange parses "bytes=0-N" into N+1. No header means nothing is
// persisted yet.
func persistedRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	_, last, ok := strings.Cut(strings.TrimPrefix(header, "bytes="), "-")
	if !ok {
		return 0, fmt.Errorf("malformed Range header %q", header)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", header, err)
	}
	return n + 1, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
