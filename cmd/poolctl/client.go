package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lendpool/crypto"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

type apiError struct {
	Status    int
	Code      string `json:"code"`
	Message   string `json:"error"`
	RequestID string `json:"requestId"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

type apiClient struct {
	base  string
	token string
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(strings.TrimSpace(base), "/"), token: strings.TrimSpace(token)}
}

// call sends body as JSON and returns the raw response on a 2xx status.
func (c *apiClient) call(method, path string, body any, idempotencyKey string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, c.base+path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return raw, nil
}

// login performs the challenge-response exchange for key.
func (c *apiClient) login(key *crypto.PrivateKey) (string, error) {
	raw, err := c.call(http.MethodPost, "/v1/auth/challenge", map[string]string{"address": key.Address().Hex()}, "")
	if err != nil {
		return "", err
	}
	var challenge struct {
		Nonce   string `json:"nonce"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return "", fmt.Errorf("decode challenge: %w", err)
	}
	if challenge.Nonce == "" || challenge.Message == "" {
		return "", errors.New("server returned an empty challenge")
	}
	sig, err := crypto.SignText(key, challenge.Message)
	if err != nil {
		return "", err
	}
	raw, err = c.call(http.MethodPost, "/v1/auth/login", map[string]string{
		"address":   key.Address().Hex(),
		"nonce":     challenge.Nonce,
		"signature": "0x" + hex.EncodeToString(sig),
	}, "")
	if err != nil {
		return "", err
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	if session.Token == "" {
		return "", errors.New("server returned an empty token")
	}
	c.token = session.Token
	return session.Token, nil
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Fprintln(w, strings.TrimSpace(string(raw)))
		return
	}
	fmt.Fprintln(w, out.String())
}
