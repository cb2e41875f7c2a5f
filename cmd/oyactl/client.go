package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"oyamarket/gateway/middleware"
)

const (
	defaultAPI  = "http://127.0.0.1:8080"
	envAPI      = "OYA_API"
	envCaller   = "OYA_CALLER"
	envBearer   = "OYA_TOKEN"
	httpTimeout = 15 * time.Second
)

// apiError is the error body written by the node.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type client struct {
	base   string
	caller string
	bearer string
	http   *http.Client
}

// clientFlags registers the connection flags shared by every API command.
type clientFlags struct {
	api    *string
	caller *string
	bearer *string
}

func registerClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		api:    fs.String("api", envOr(envAPI, defaultAPI), "node API base URL"),
		caller: fs.String("caller", os.Getenv(envCaller), "caller address sent when the node runs without auth"),
		bearer: fs.String("token", os.Getenv(envBearer), "bearer token for authenticated nodes"),
	}
}

func (f clientFlags) client() *client {
	return &client{
		base:   strings.TrimRight(*f.api, "/"),
		caller: strings.TrimSpace(*f.caller),
		bearer: strings.TrimSpace(*f.bearer),
		http:   &http.Client{Timeout: httpTimeout},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (c *client) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *client) post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *client) put(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *client) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderIdempotencyKey, uuid.NewString())
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.caller != "" {
		req.Header.Set(middleware.DefaultCallerHeader, c.caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	return json.RawMessage(data), nil
}

func printJSON(w io.Writer, raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, out.String())
}
