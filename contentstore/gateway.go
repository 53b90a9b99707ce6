// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// maxResponseBytes caps how much of any node response is read. A
// snapshot blob is at most a few megabytes; a node streaming more
// than this is misbehaving.
const maxResponseBytes = 64 << 20

// Gateway is a client for one storage node speaking the IPFS-family
// HTTP API (add, cat by /ipfs path, name fetch by /ipns path, and the
// routing record endpoints). Addresses on the wire are tidesync
// addresses in hex form.
//
// Gateway methods return *NodeError so the racing layer can treat any
// failure — transport, HTTP status, integrity — as this node's
// failure and keep racing the rest.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGateway creates a client for the node at baseURL. A nil
// httpClient uses http.DefaultClient.
func NewGateway(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Gateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("contentstore: node URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("contentstore: invalid node URL %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// URL returns the node's base URL, for logging and error reporting.
func (g *Gateway) URL() string { return g.baseURL }

// addResponse is the JSON body returned by /api/v0/add.
type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Add uploads a blob and returns the address the node reports for it.
// Callers must verify the reported address against the locally
// computed one — a node that reports a different address either
// disagrees on the address scheme or is lying, and counts as failed.
func (g *Gateway) Add(ctx context.Context, blob []byte) (Address, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "blob")
	if err != nil {
		return Address{}, g.wrap("add", 0, err)
	}
	if _, err := part.Write(blob); err != nil {
		return Address{}, g.wrap("add", 0, err)
	}
	if err := writer.Close(); err != nil {
		return Address{}, g.wrap("add", 0, err)
	}

	responseBody, status, err := g.do(ctx, http.MethodPost, "/api/v0/add", nil, writer.FormDataContentType(), &body)
	if err != nil {
		return Address{}, g.wrap("add", status, err)
	}

	var parsed addResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return Address{}, g.wrap("add", status, fmt.Errorf("parsing add response: %w", err))
	}
	address, err := ParseAddress(parsed.Hash)
	if err != nil {
		return Address{}, g.wrap("add", status, err)
	}
	return address, nil
}

// Cat fetches a blob by content address. It performs no integrity
// check itself; the racing layer verifies the returned bytes hash to
// the requested address before accepting them.
func (g *Gateway) Cat(ctx context.Context, address Address) ([]byte, error) {
	body, status, err := g.do(ctx, http.MethodGet, "/ipfs/"+address.String(), nil, "", nil)
	if err != nil {
		return nil, g.wrap("cat", status, err)
	}
	return body, nil
}

// Name fetches whatever content the node serves inline for a publish
// name. This is the resolver's fast path: the response carries
// content but no authoritative sequence number.
func (g *Gateway) Name(ctx context.Context, name string) ([]byte, error) {
	body, status, err := g.do(ctx, http.MethodGet, "/ipns/"+name, nil, "", nil)
	if err != nil {
		return nil, g.wrap("name", status, err)
	}
	return body, nil
}

// routingResponse is the JSON body returned by /api/v0/routing/get.
// Extra carries the raw signed record, base64-encoded.
type routingResponse struct {
	Extra string `json:"Extra"`
}

// RoutingGet fetches the raw signed naming record for a name. This is
// the resolver's slow path and the only authoritative source for the
// record's sequence number.
func (g *Gateway) RoutingGet(ctx context.Context, name string) ([]byte, error) {
	query := url.Values{"arg": {"/ipns/" + name}}
	body, status, err := g.do(ctx, http.MethodPost, "/api/v0/routing/get", query, "", nil)
	if err != nil {
		return nil, g.wrap("routing/get", status, err)
	}

	var parsed routingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, g.wrap("routing/get", status, fmt.Errorf("parsing routing response: %w", err))
	}
	record, err := base64.StdEncoding.DecodeString(parsed.Extra)
	if err != nil {
		return nil, g.wrap("routing/get", status, fmt.Errorf("decoding record: %w", err))
	}
	return record, nil
}

// RoutingPut publishes a signed naming record for a name.
//
// The request must never carry the API's allow-offline flag: with it
// set, a node accepts the record without propagating it to the rest
// of the network, which silently breaks cross-device convergence.
func (g *Gateway) RoutingPut(ctx context.Context, name string, record []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "record")
	if err != nil {
		return g.wrap("routing/put", 0, err)
	}
	if _, err := part.Write(record); err != nil {
		return g.wrap("routing/put", 0, err)
	}
	if err := writer.Close(); err != nil {
		return g.wrap("routing/put", 0, err)
	}

	query := url.Values{"arg": {"/ipns/" + name}}
	_, status, err := g.do(ctx, http.MethodPost, "/api/v0/routing/put", query, writer.FormDataContentType(), &body)
	if err != nil {
		return g.wrap("routing/put", status, err)
	}
	return nil
}

// do performs one HTTP exchange and returns the response body. Errors
// carry the HTTP status when one was received.
func (g *Gateway) do(ctx context.Context, method, path string, query url.Values, contentType string, requestBody io.Reader) ([]byte, int, error) {
	requestURL := g.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, requestBody)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}

	response, err := g.httpClient.Do(request)
	if err != nil {
		return nil, 0, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, response.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, response.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(responseBody)))
	}
	return responseBody, response.StatusCode, nil
}

func (g *Gateway) wrap(op string, status int, err error) *NodeError {
	return &NodeError{Node: g.baseURL, Op: op, StatusCode: status, Err: err}
}
