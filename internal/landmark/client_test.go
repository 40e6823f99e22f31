package landmark

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtract_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/landmarks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req extractRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.ImageURL != "https://img.example.com/front.jpg" {
			t.Errorf("unexpected image url %q", req.ImageURL)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok", "keypoints": [{"x": 1, "y": 2}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	keypoints, err := client.Extract(context.Background(), "https://img.example.com/front.jpg")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	var points []map[string]float64
	if err := json.Unmarshal(keypoints, &points); err != nil {
		t.Fatalf("keypoints not valid JSON: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("expected 1 keypoint, got %d", len(points))
	}
}

func TestExtract_Non2xxCarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("no face detected"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	_, err := client.Extract(context.Background(), "https://img.example.com/front.jpg")
	if err == nil {
		t.Fatal("expected error for 502 response")
	}

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T: %v", err, err)
	}
	if svcErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", svcErr.StatusCode)
	}
	if svcErr.Body != "no face detected" {
		t.Errorf("expected upstream body preserved, got %q", svcErr.Body)
	}
}

func TestExtract_ErrorStatusInBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "error", "error": "image too dark"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	_, err := client.Extract(context.Background(), "https://img.example.com/front.jpg")

	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.Body != "image too dark" {
		t.Errorf("expected service error message, got %q", svcErr.Body)
	}
}

func TestExtract_TimeoutCancelsRequest(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()
	defer close(block)

	client := NewClient(server.URL, 50*time.Millisecond)

	start := time.Now()
	_, err := client.Extract(context.Background(), "https://img.example.com/front.jpg")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout did not cancel the request promptly, took %v", elapsed)
	}
}
