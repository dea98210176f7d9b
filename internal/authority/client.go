// Package authority is the HTTP client for the upstream authority API: the
// Sync Engine's source of truth for hosts, configs, start.conf content, and
// the DHCP export. All requests carry a bearer key; the DHCP export uses
// conditional GET with a stored ETag.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linuxmuster-net/linbo-ctrl/internal/ctrlerr"
)

// Client talks to the upstream authority API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	// stream has no client-level timeout: an image download's body read
	// can take arbitrarily long and is cancelled via its context instead.
	stream *http.Client
}

// New creates a Client. baseURL and apiKey normally come from Settings.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
	}
}

// ChangesResponse is the delta document returned by getChanges.
type ChangesResponse struct {
	StartConfsChanged []string `json:"startConfsChanged"`
	ConfigsChanged    []string `json:"configsChanged"`
	HostsChanged      []string `json:"hostsChanged"`
	DeletedStartConfs []string `json:"deletedStartConfs"`
	DeletedHosts      []string `json:"deletedHosts"`
	DHCPChanged       bool     `json:"dhcpChanged"`
	NextCursor        string   `json:"nextCursor"`
}

// GetChanges fetches the delta since cursor. An empty cursor requests a
// full snapshot.
func (c *Client) GetChanges(ctx context.Context, cursor string) (*ChangesResponse, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/changes", c.baseURL)
	if cursor != "" {
		url += "?cursor=" + cursor
	}

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var out ChangesResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchKind selects which record type a batch request fetches.
type BatchKind string

const (
	BatchStartConfs BatchKind = "startConfs"
	BatchConfigs    BatchKind = "configs"
	BatchHosts      BatchKind = "hosts"
)

// BatchGet fetches records of the given kind by id, returning raw JSON
// records (the caller decodes into model.Config/model.Host/opaque text as
// appropriate for the kind).
func (c *Client) BatchGet(ctx context.Context, kind BatchKind, ids []string) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/batch/%s", c.baseURL, kind)

	body, err := json.Marshal(map[string]any{"ids": ids})
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "encoding batch request")
	}

	req, err := c.newRequest(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out []json.RawMessage
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DHCPExport is the result of a conditional GET against the DHCP export
// endpoint.
type DHCPExport struct {
	NotModified bool
	Content     []byte
	ETag        string
}

// GetDHCPExport performs a conditional GET using etag as If-None-Match. A
// 304 is a first-class success (NotModified=true, no body).
func (c *Client) GetDHCPExport(ctx context.Context, etag string) (*DHCPExport, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/dhcp/export", c.baseURL)

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctrlerr.WrapDependencyFailed(err, "fetching dhcp export")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &DHCPExport{NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ctrlerr.WrapDependencyFailed(statusError(resp.StatusCode), "fetching dhcp export")
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ctrlerr.WrapDependencyFailed(err, "reading dhcp export body")
	}

	return &DHCPExport{Content: content, ETag: resp.Header.Get("ETag")}, nil
}

// ImageManifestEntry is one entry of the images manifest.
type ImageManifestEntry struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	ImageSize int64  `json:"imagesize"`
	Files     []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"files"`
	Checksum string `json:"checksum,omitempty"`
}

// GetImageManifest fetches the images manifest.
func (c *Client) GetImageManifest(ctx context.Context) ([]ImageManifestEntry, error) {
	url := fmt.Sprintf("%s/api/v1/linbo/images/manifest", c.baseURL)

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Images []ImageManifestEntry `json:"images"`
	}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out.Images, nil
}

// DownloadURL builds the HEAD|GET download URL for one image file.
func (c *Client) DownloadURL(imageName, file string) string {
	return fmt.Sprintf("%s/api/v1/linbo/images/download/%s/%s", c.baseURL, imageName, file)
}

// NewDownloadRequest builds an HTTP request for a ranged image download,
// carrying bearer auth plus optional Range/If-Range headers.
func (c *Client) NewDownloadRequest(ctx context.Context, method, url string, rangeHeader, ifRange string) (*http.Request, error) {
	req, err := c.newRequest(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if ifRange != "" {
		req.Header.Set("If-Range", ifRange)
	}
	return req, nil
}

// Do exposes the streaming HTTP client for callers (the Image Sync Engine)
// that need to read a response body incrementally rather than decode it as
// JSON.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, ctrlerr.WrapDependencyFailed(err, "performing request")
	}
	return resp, nil
}

// CheckHealth pings the authority API's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/linbo/health", c.baseURL)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ctrlerr.WrapDependencyFailed(err, "checking authority health")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ctrlerr.WrapDependencyFailed(statusError(resp.StatusCode), "authority health check")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, ctrlerr.WrapInternal(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return ctrlerr.WrapDependencyFailed(err, "performing request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ctrlerr.WrapDependencyFailed(statusError(resp.StatusCode), "authority request failed")
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ctrlerr.WrapInternal(err, "decoding response")
	}
	return nil
}

type statusError int

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", int(e))
}
