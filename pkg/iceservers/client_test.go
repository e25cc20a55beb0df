package iceservers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

const settingsBody = `{"ocs":{"meta":{"status":"ok","statuscode":200,"message":"OK"},"data":{"server":"wss://signal.example.com","stunservers":[{"urls":["stun:stun.example.com:443"]}],"turnservers":[{"urls":"turn:turn.example.com:443","username":"u","credential":"c"},{"urls":[]}]}}}`

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, Token: "secret", Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestFetch_RequestAndParsing(t *testing.T) {
	var capturedReq *http.Request

	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedReq = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(settingsBody))
	}))
	defer mock.Close()

	servers, err := newTestClient(t, mock.URL+"/settings").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if capturedReq.URL.Path != "/settings" {
		t.Errorf("path = %q, want /settings", capturedReq.URL.Path)
	}
	if capturedReq.Header.Get("OCS-APIREQUEST") != "true" {
		t.Errorf("OCS-APIREQUEST = %q, want %q", capturedReq.Header.Get("OCS-APIREQUEST"), "true")
	}
	if capturedReq.Header.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", capturedReq.Header.Get("Authorization"), "Bearer secret")
	}

	if len(servers) != 2 {
		t.Fatalf("servers = %d, want 2 (entry without urls skipped)", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:443" || servers[0].Username != "" {
		t.Errorf("stun server = %+v", servers[0])
	}
	turn := servers[1]
	if len(turn.URLs) != 1 || turn.URLs[0] != "turn:turn.example.com:443" {
		t.Errorf("turn urls = %v", turn.URLs)
	}
	if turn.Username != "u" || turn.Credential != "c" || turn.CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("turn credentials = %+v", turn)
	}
}

func TestFetch_CachesUntilTTL(t *testing.T) {
	var hits atomic.Int32
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(settingsBody))
	}))
	defer mock.Close()

	client := newTestClient(t, mock.URL)
	now := time.Unix(1000, 0)
	client.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := client.Fetch(context.Background()); err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1 while cached", hits.Load())
	}

	now = now.Add(6 * time.Minute)
	if _, err := client.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("requests = %d, want 2 after expiry", hits.Load())
	}
}

func TestFetch_OCSError(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ocs":{"meta":{"status":"failure","statuscode":403,"message":"Forbidden"},"data":null}}`))
	}))
	defer mock.Close()

	_, err := newTestClient(t, mock.URL).Fetch(context.Background())
	if err == nil {
		t.Fatal("expected error for non-200 OCS statuscode")
	}
	if !strings.Contains(err.Error(), "Forbidden") || !strings.Contains(err.Error(), "403") {
		t.Errorf("error = %q, want it to contain Forbidden and 403", err.Error())
	}
}

func TestFetch_NotOCS(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer mock.Close()

	_, err := newTestClient(t, mock.URL).Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want a parse error mentioning the status", err)
	}
}

func TestFetch_ContextCancelled(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(settingsBody))
	}))
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestClient(t, mock.URL).Fetch(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestURLList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single string", `"stun:a"`, []string{"stun:a"}, false},
		{"array", `["turn:a","turns:b"]`, []string{"turn:a", "turns:b"}, false},
		{"number", `42`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l URLList
			err := json.Unmarshal([]byte(tt.input), &l)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && strings.Join(l, ",") != strings.Join(tt.want, ",") {
				t.Errorf("urls = %v, want %v", l, tt.want)
			}
		})
	}
}

func TestNewClient_RequiresURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
}
