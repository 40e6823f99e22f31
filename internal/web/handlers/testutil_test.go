package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mirelabs/dermatrack/internal/analysis"
)

// fakeAnalysisService records calls and returns canned results
type fakeAnalysisService struct {
	rec       *analysis.Record
	result    *analysis.ProgressResult
	err       error
	lastInput analysis.AnalyzeInput
	subjectID string
	ownerID   string
}

func (f *fakeAnalysisService) Analyze(ctx context.Context, in analysis.AnalyzeInput) (*analysis.Record, error) {
	f.lastInput = in
	return f.rec, f.err
}

func (f *fakeAnalysisService) AnalyzeSubject(ctx context.Context, subjectID string) (*analysis.Record, error) {
	f.subjectID = subjectID
	return f.rec, f.err
}

func (f *fakeAnalysisService) CompareProgress(ctx context.Context, ownerID string, images analysis.ProgressImages) (*analysis.ProgressResult, error) {
	f.ownerID = ownerID
	return f.result, f.err
}

// fakeRecordReader returns a canned record for status polls
type fakeRecordReader struct {
	rec *analysis.Record
	err error
}

func (f *fakeRecordReader) GetBySubject(ctx context.Context, subjectID string) (*analysis.Record, error) {
	return f.rec, f.err
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
