package enclave

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/attested-shard-router/interfaces"
)

// Client talks to an enclave sidecar over HTTP. It implements interfaces.TrustedMerger.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config, client *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.OmapCapacity == 0 {
		cfg.OmapCapacity = DefaultOmapCapacity
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{cfg: cfg, client: client}
}

// Init configures the enclave with the responder id and oblivious map capacity.
func (c *Client) Init(ctx context.Context) error {
	body, err := json.Marshal(c.cfg)
	if err != nil {
		return fmt.Errorf("could not marshal enclave config: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/init", "application/json", body)
	return err
}

// Attest returns the enclave's attestation bound to reportData.
func (c *Client) Attest(ctx context.Context, reportData [64]byte) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/attest/"+hex.EncodeToString(reportData[:]), "", nil)
}

// Merge sends the shard responses to the enclave and returns its merged reply.
func (c *Client) Merge(ctx context.Context, request interfaces.Ciphertext, responses []interfaces.ShardResponse) (interfaces.Ciphertext, error) {
	body, err := json.Marshal(MergeRequest{Request: request, Responses: responses})
	if err != nil {
		return nil, fmt.Errorf("could not marshal merge request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/merge", "application/json", body)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach enclave: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read enclave response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enclave returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
