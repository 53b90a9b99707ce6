// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeNode is an httptest storage node. Its behavior per endpoint is
// configurable so tests can simulate slow, failing, and lying nodes.
type fakeNode struct {
	t *testing.T

	// addDelay delays /api/v0/add responses.
	addDelay time.Duration

	// failAll makes every endpoint return 500.
	failAll bool

	// catBody overrides the /ipfs response body (to simulate a
	// corrupt or malicious node). nil serves stored content.
	catBody []byte

	// reportAddress overrides the address reported by add.
	reportAddress string

	blobs map[string][]byte
}

func newFakeNode(t *testing.T) *fakeNode {
	return &fakeNode{t: t, blobs: make(map[string][]byte)}
}

func (n *fakeNode) serve() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		if n.failAll {
			http.Error(w, "node down", http.StatusInternalServerError)
			return
		}
		if n.addDelay > 0 {
			time.Sleep(n.addDelay)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		blob, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		address := AddressOf(blob).String()
		n.blobs[address] = blob
		if n.reportAddress != "" {
			address = n.reportAddress
		}
		json.NewEncoder(w).Encode(map[string]string{"Name": "blob", "Hash": address, "Size": "0"})
	})
	mux.HandleFunc("/ipfs/", func(w http.ResponseWriter, r *http.Request) {
		if n.failAll {
			http.Error(w, "node down", http.StatusInternalServerError)
			return
		}
		if n.catBody != nil {
			w.Write(n.catBody)
			return
		}
		address := r.URL.Path[len("/ipfs/"):]
		blob, ok := n.blobs[address]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(blob)
	})

	server := httptest.NewServer(mux)
	n.t.Cleanup(server.Close)
	return server
}

func newTestStore(t *testing.T, nodes ...*fakeNode) *Store {
	t.Helper()
	urls := make([]string, 0, len(nodes))
	for _, node := range nodes {
		urls = append(urls, node.serve().URL)
	}
	store, err := New(Config{
		NodeURLs: urls,
		Timeout:  5 * time.Second,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	node := newFakeNode(t)
	store := newTestStore(t, node)

	blob := []byte("snapshot blob bytes")
	address, err := store.Store(context.Background(), blob)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if address != AddressOf(blob) {
		t.Errorf("address = %s, want locally computed %s", address, AddressOf(blob))
	}

	fetched, err := store.Fetch(context.Background(), address)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(fetched) != string(blob) {
		t.Errorf("fetched %q, want %q", fetched, blob)
	}
}

func TestStoreSucceedsOnFirstAcceptingNode(t *testing.T) {
	fast := newFakeNode(t)
	slow := newFakeNode(t)
	slow.addDelay = 2 * time.Second
	store := newTestStore(t, slow, fast)

	start := time.Now()
	if _, err := store.Store(context.Background(), []byte("blob")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Store waited %v for the slow node instead of returning on first success", elapsed)
	}
}

func TestStoreReplicationCompletesAfterWinner(t *testing.T) {
	// Large enough that the straggler's upload cannot fit in socket
	// buffers: the client side must still be writing when Store
	// returns on the fast node's acceptance.
	blob := bytes.Repeat([]byte("replica "), 1<<20)

	release := make(chan struct{})
	type readResult struct {
		n   int
		err error
	}
	read := make(chan readResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		<-release
		body, err := io.ReadAll(r.Body)
		read <- readResult{n: len(body), err: err}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"Name": "blob", "Hash": AddressOf(blob).String(), "Size": "0"})
	})
	straggler := httptest.NewServer(mux)
	t.Cleanup(straggler.Close)

	fast := newFakeNode(t)
	store, err := New(Config{
		NodeURLs: []string{fast.serve().URL, straggler.URL},
		Timeout:  10 * time.Second,
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := store.Store(context.Background(), blob); err != nil {
		t.Fatalf("Store: %v", err)
	}
	close(release)

	select {
	case result := <-read:
		if result.err != nil {
			t.Fatalf("straggler upload aborted after Store returned: %v", result.err)
		}
		if result.n < len(blob) {
			t.Errorf("straggler received %d bytes, want the full %d-byte upload", result.n, len(blob))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("straggler never received the full upload")
	}
}

func TestStoreRejectsLyingAddress(t *testing.T) {
	liar := newFakeNode(t)
	liar.reportAddress = AddressOf([]byte("different content")).String()
	honest := newFakeNode(t)
	store := newTestStore(t, liar, honest)

	address, err := store.Store(context.Background(), []byte("blob"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if address != AddressOf([]byte("blob")) {
		t.Errorf("accepted a node-reported address that disagrees with local hashing")
	}
}

func TestFetchIntegrityMismatchTriesNextNode(t *testing.T) {
	blob := []byte("real content")
	address := AddressOf(blob)

	corrupt := newFakeNode(t)
	corrupt.catBody = []byte("forged content")
	honest := newFakeNode(t)
	honest.blobs[address.String()] = blob

	store := newTestStore(t, corrupt, honest)

	fetched, err := store.Fetch(context.Background(), address)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(fetched) != string(blob) {
		t.Errorf("fetched %q, want the honest node's content", fetched)
	}
}

func TestFetchAllCorruptFails(t *testing.T) {
	corrupt := newFakeNode(t)
	corrupt.catBody = []byte("forged")
	store := newTestStore(t, corrupt)

	_, err := store.Fetch(context.Background(), AddressOf([]byte("real")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Errorf("err = %v, want wrapped ErrIntegrityMismatch", err)
	}
}

func TestFetchAllNodesDown(t *testing.T) {
	down := newFakeNode(t)
	down.failAll = true
	store := newTestStore(t, down)

	_, err := store.Fetch(context.Background(), AddressOf([]byte("x")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		t.Errorf("err = %v, want a wrapped NodeError", err)
	}
}

func TestAddressParseRoundTrip(t *testing.T) {
	address := AddressOf([]byte("blob"))
	parsed, err := ParseAddress(address.String())
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if parsed != address {
		t.Error("parse round trip changed the address")
	}

	for _, invalid := range []string{"", "zz", "abcd", "not-hex!"} {
		if _, err := ParseAddress(invalid); err == nil {
			t.Errorf("ParseAddress(%q) accepted invalid input", invalid)
		}
	}
}
