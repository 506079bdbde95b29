package labhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/cmlfleet/pkg/orcherr"
)

// Client is the Lab-Host Client SPI (C8).
type Client interface {
	ImportTopology(ctx context.Context, endpoint string, topology []byte) (labID string, err error)
	StartLab(ctx context.Context, endpoint, labID string) error
	StopLab(ctx context.Context, endpoint, labID string) error
	WipeLab(ctx context.Context, endpoint, labID string) error
	DeleteLab(ctx context.Context, endpoint, labID string) error
	Healthy(ctx context.Context, endpoint string) bool
}

// HTTPClient implements Client over a worker's lab-host REST API.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a lab-host client with the given request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{httpClient: &http.Client{Timeout: timeout}}
}

type importResponse struct {
	LabID string `json:"lab_id"`
}

// ImportTopology posts the rewritten topology document and returns the
// host-assigned lab id.
func (c *HTTPClient) ImportTopology(ctx context.Context, endpoint string, topology []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, endpoint+"/labs", bytes.NewReader(topology))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out importResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", orcherr.Wrap(orcherr.ExternalPermanent, err, "lab-host import response was not valid JSON")
	}
	return out.LabID, nil
}

// StartLab starts a previously imported lab.
func (c *HTTPClient) StartLab(ctx context.Context, endpoint, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/labs/%s/start", endpoint, labID), nil)
	return err
}

// StopLab stops a running lab without deleting it.
func (c *HTTPClient) StopLab(ctx context.Context, endpoint, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/labs/%s/stop", endpoint, labID), nil)
	return err
}

// WipeLab resets a stopped lab's node state without deleting the lab.
func (c *HTTPClient) WipeLab(ctx context.Context, endpoint, labID string) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/labs/%s/wipe", endpoint, labID), nil)
	return err
}

// DeleteLab permanently removes a lab from the host.
func (c *HTTPClient) DeleteLab(ctx context.Context, endpoint, labID string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/labs/%s", endpoint, labID), nil)
	return err
}

// Healthy polls the lab-host's health endpoint; any 200-399 response
// counts as healthy.
func (c *HTTPClient) Healthy(ctx context.Context, endpoint string) bool {
	resp, err := c.do(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return true
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, orcherr.New(orcherr.InvalidArgument, "bad lab-host request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.ExternalTransient, err, "lab-host request to %s failed", url)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, orcherr.New(orcherr.ExternalTransient, "lab-host %s returned %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, orcherr.New(orcherr.ExternalPermanent, "lab-host %s returned %d", url, resp.StatusCode)
	}
	return resp, nil
}
