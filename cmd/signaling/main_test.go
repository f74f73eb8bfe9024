package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/skillshare-signaling/config"
	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/matchmaker"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/store"
)

type server struct {
	*httptest.Server
	pairer *matchmaker.Pairer
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	b := bus.NewMemory()
	repo := store.NewRepo(db, b)
	mm := matchmaker.New(repo, b, 20*time.Millisecond)

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      "test-secret",
		PingPeriod:     30 * time.Second,
	}
	srv := httptest.NewServer(setupRouter(cfg, db, b, mm))
	t.Cleanup(func() {
		srv.Close()
		b.Close()
		db.Close()
	})
	return &server{
		Server: srv,
		pairer: matchmaker.NewPairer(repo, matchmaker.PairerConfig{Policy: matchmaker.PolicySkills}),
	}
}

func (s *server) call(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s decode error = %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *server) login(t *testing.T, user string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	if code := s.call(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": user, "password": "x"}, &resp); code != http.StatusOK {
		t.Fatalf("login %s status = %d", user, code)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	var body map[string]string
	if code := s.call(t, http.MethodGet, "/health", "", nil, &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestMatchFlow(t *testing.T) {
	s := newServer(t)
	alice, bob := s.login(t, "alice"), s.login(t, "bob")

	enter := func(token string, possess, want string) {
		t.Helper()
		req := models.EnterPoolRequest{PossessSkills: []string{possess}, WantSkills: []string{want}}
		if code := s.call(t, http.MethodPost, "/api/pool", token, req, nil); code != http.StatusCreated {
			t.Fatalf("enter pool status = %d", code)
		}
	}
	enter(alice, "Guitar", "Python")
	enter(bob, "Python", "Guitar")

	if code := s.call(t, http.MethodGet, "/api/calls/active", alice, nil, nil); code != http.StatusNotFound {
		t.Fatalf("active before pairing = %d, want 404", code)
	}

	// Bob waits on the match socket while the pairer runs.
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/match?token=" + bob
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sessions, err := s.pairer.Step(context.Background())
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Step() = %v, %v", sessions, err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame models.MatchFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if frame.Type != "match" || frame.PeerID != "alice" {
		t.Fatalf("frame = %+v", frame)
	}

	var active struct {
		PeerID string `json:"peerId"`
		Status string `json:"status"`
	}
	if code := s.call(t, http.MethodGet, "/api/calls/active", alice, nil, &active); code != http.StatusOK {
		t.Fatalf("active status = %d", code)
	}
	if active.PeerID != "bob" || active.Status != "active" {
		t.Fatalf("active = %+v", active)
	}

	if code := s.call(t, http.MethodPost, "/api/calls/end", bob, models.EndCallRequest{PeerID: "alice"}, nil); code != http.StatusOK {
		t.Fatalf("end status = %d", code)
	}
	if code := s.call(t, http.MethodGet, "/api/calls/active", alice, nil, nil); code != http.StatusNotFound {
		t.Fatalf("active after end = %d, want 404", code)
	}
}
