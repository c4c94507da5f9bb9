package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// signRequest / signResponse is the wire contract shared by the KMS sign
// endpoint and the signing proxy: base64 digest in, base64 signature plus
// kid out.
type signRequest struct {
	KeyID  string `json:"keyId,omitempty"`
	Digest string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Kid       string `json:"kid"`
}

type httpSigner struct {
	client  *http.Client
	url     string
	keyID   string
	kid     string
	timeout time.Duration
}

func newKMSSigner(cfg Config) *httpSigner {
	return &httpSigner{
		client:  &http.Client{},
		url:     strings.TrimSuffix(cfg.KMSEndpoint, "/") + "/sign",
		keyID:   cfg.KMSKeyID,
		kid:     cfg.Kid,
		timeout: cfg.timeout(),
	}
}

func newProxySigner(cfg Config) *httpSigner {
	return &httpSigner{
		client:  &http.Client{},
		url:     strings.TrimSuffix(cfg.ProxyURL, "/") + "/v1/sign",
		kid:     cfg.Kid,
		timeout: cfg.timeout(),
	}
}

func (s *httpSigner) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	if err := checkDigest(digest); err != nil {
		return nil, "", err
	}
	return signWithRetry(ctx, s.timeout, func(callCtx context.Context) ([]byte, string, error) {
		return s.signOnce(callCtx, digest)
	})
}

func (s *httpSigner) signOnce(ctx context.Context, digest []byte) ([]byte, string, error) {
	body, err := json.Marshal(signRequest{
		KeyID:  s.keyID,
		Digest: base64.StdEncoding.EncodeToString(digest),
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("sign call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, "", &transientError{fmt.Errorf("signer backend returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("signer backend returned %d", resp.StatusCode)
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode sign response: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, "", fmt.Errorf("decode signature: %w", err)
	}
	kid := out.Kid
	if kid == "" {
		kid = s.kid
	}
	return sig, kid, nil
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
