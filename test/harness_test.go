package test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/civicstream/ripple"
	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux"
	"github.com/civicstream/ripple/mux/transport"
)

const adminToken = "integration-token"

// Harness runs a fully wired client: mock transport, journal on a temp
// directory, authenticated admin API on an ephemeral port.
type Harness struct {
	t      *testing.T
	Config *cfg.Configuration
	Client *ripple.Client
	Mock   *transport.MockTransport
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()

	config := cfg.Default()
	config.ClientID = 42
	config.DataDir = t.TempDir()
	config.Transport.Type = cfg.TransportMock
	config.Journal.Enabled = true
	config.Journal.MaxEntries = 1024
	config.Admin.Enabled = true
	config.Admin.BindAddress = "127.0.0.1"
	config.Admin.Port = 0
	config.Admin.AuthToken = adminToken

	mock := transport.NewMockTransport()
	client, err := ripple.NewWithTransport(config, mock)
	if err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}

	h := &Harness{t: t, Config: config, Client: client, Mock: mock}
	t.Cleanup(h.Cleanup)
	return h
}

func (h *Harness) Cleanup() {
	if err := h.Client.Close(); err != nil {
		h.t.Logf("client close: %v", err)
	}
}

// AdminGet fetches an admin API path with the harness token and decodes
// the JSON response into out when it is non-nil.
func (h *Harness) AdminGet(path string, out any) int {
	h.t.Helper()

	addr := h.Client.AdminAddr()
	if addr == nil {
		h.t.Fatal("admin API is not listening")
	}

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s%s", addr, path), nil)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("admin request %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// EmitReport pushes one change for the reports table through the mock
// transport, returning how many channels received it.
func (h *Harness) EmitReport(op event.Op, id int64, status string, severity int64) int {
	row := event.Row{"id": id, "status": status, "severity": severity}
	ev := event.Change{Table: "reports", Op: op, CommitTS: time.Now().UnixMilli(), Seq: uint64(id)}
	switch op {
	case event.OpInsert:
		ev.NewRow = row
	case event.OpUpdate:
		ev.OldRow = event.Row{"id": id, "status": "open", "severity": severity}
		ev.NewRow = row
	case event.OpDelete:
		ev.OldRow = row
	}
	return h.Mock.Emit(ev)
}

// waitForStatus polls until the subscription reaches the wanted status or
// the timeout expires.
func waitForStatus(t *testing.T, sub *ripple.Subscription, want mux.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sub.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: status %s, want %s", sub.Status(), want)
}

// mustBeReady waits out the attach cycle and fails unless it settled
// connected.
func mustBeReady(t *testing.T, sub *ripple.Subscription) {
	t.Helper()
	status, err := sub.Ready().Get()
	if err != nil {
		t.Fatalf("subscription failed: %v", err)
	}
	if status != mux.StatusConnected {
		t.Fatalf("subscription settled %s, want connected", status)
	}
}
