// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/dcrsyncd/internal/metrics"
)

// TestMonitorMux ensures the metrics and profiling endpoints are routed.
func TestMonitorMux(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.SetOrphans(3)
	srv := httptest.NewServer(newMonitorMux(m))
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/metrics", http.StatusOK, "dcrsyncd_orphanpool_transactions 3"},
		{"/debug/pprof/", http.StatusOK, "goroutine"},
		{"/", http.StatusSeeOther, ""},
	}
	for _, test := range tests {
		resp, err := client.Get(srv.URL + test.path)
		if err != nil {
			t.Fatalf("%q: request failed: %v", test.path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("%q: failed to read body: %v", test.path, err)
		}
		if resp.StatusCode != test.wantStatus {
			t.Errorf("%q: unexpected status %d", test.path, resp.StatusCode)
			continue
		}
		if !strings.Contains(string(body), test.wantBody) {
			t.Errorf("%q: body does not contain %q", test.path, test.wantBody)
		}
	}
}

// TestMonitorServerRun ensures the monitor server stops cleanly once its
// context is cancelled.
func TestMonitorServerRun(t *testing.T) {
	t.Parallel()

	s := newMonitorServer("127.0.0.1:0", metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
