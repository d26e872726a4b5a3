package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// KeyDirectory publishes and looks up public keys over the REST surface.
type KeyDirectory struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewKeyDirectory(baseURL, token string) *KeyDirectory {
	return &KeyDirectory{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Publish stores publicKey as the caller's key.
func (d *KeyDirectory) Publish(ctx context.Context, publicKey string) error {
	body, err := json.Marshal(map[string]string{"publicKey": publicKey})
	if err != nil {
		return err
	}
	_, err = d.do(ctx, http.MethodPut, "/users/me/public-key", body)
	return err
}

// Lookup returns the public key userID published.
func (d *KeyDirectory) Lookup(ctx context.Context, userID string) (string, error) {
	raw, err := d.do(ctx, http.MethodGet, "/users/"+userID+"/public-key", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	return resp.PublicKey, nil
}

func (d *KeyDirectory) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}
	return raw, nil
}
