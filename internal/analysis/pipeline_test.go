package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirelabs/dermatrack/internal/ai"
	"github.com/mirelabs/dermatrack/internal/annotate"
)

// --- fakes ---

type fakeRepo struct {
	mu       sync.Mutex
	records  map[string]*Record
	baseline *Record
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*Record)}
}

func (f *fakeRepo) Create(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *rec
	f.records[rec.ID] = &clone
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id], nil
}

func (f *fakeRepo) GetBySubject(ctx context.Context, subjectID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.SubjectID == subjectID {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ActiveBaseline(ctx context.Context, ownerID string, now time.Time) (*Record, error) {
	return f.baseline, nil
}

func (f *fakeRepo) Complete(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.records[rec.ID]
	if !ok || stored.Status != StatusProcessing {
		return nil // terminal states never change
	}
	clone := *rec
	f.records[rec.ID] = &clone
	return nil
}

func (f *fakeRepo) Fail(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.records[id]
	if !ok || stored.Status != StatusProcessing {
		return nil
	}
	stored.Status = StatusFailed
	stored.Error = message
	return nil
}

func (f *fakeRepo) SetAnnotatedImageRef(ctx context.Context, recordID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[recordID]; ok {
		rec.AnnotatedImageRef = ref
	}
	return nil
}

func (f *fakeRepo) ReplaceReportIssues(ctx context.Context, recordID string, issues []ai.Issue) error {
	return nil
}

// only returns the record created during the test
func (f *fakeRepo) single(t *testing.T) *Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(f.records))
	}
	for _, rec := range f.records {
		return rec
	}
	return nil
}

type fakeSubjects struct {
	subjects map[string]*Subject
}

func (f *fakeSubjects) Get(ctx context.Context, subjectID string) (*Subject, error) {
	if sub, ok := f.subjects[subjectID]; ok {
		return sub, nil
	}
	return nil, ErrSubjectNotFound
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://signed.example.com/" + ref, nil
}

type fakeLandmarks struct {
	err error
}

func (f *fakeLandmarks) Extract(ctx context.Context, imageURL string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`[{"x":1,"y":2}]`), nil
}

type fakeAnalyzer struct {
	report     *ai.Report
	delta      *ai.ProgressDelta
	analyzeErr error
	compareErr error

	mu            sync.Mutex
	analyzeInputs []*ai.SkinAnalysisInput
	compareInputs []*ai.ProgressInput
}

func (f *fakeAnalyzer) Name() string { return "fake" }

func (f *fakeAnalyzer) AnalyzeSkin(ctx context.Context, input *ai.SkinAnalysisInput) (*ai.Report, error) {
	f.mu.Lock()
	f.analyzeInputs = append(f.analyzeInputs, input)
	f.mu.Unlock()
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	return f.report, nil
}

func (f *fakeAnalyzer) CompareProgress(ctx context.Context, input *ai.ProgressInput) (*ai.ProgressDelta, error) {
	f.mu.Lock()
	f.compareInputs = append(f.compareInputs, input)
	f.mu.Unlock()
	if f.compareErr != nil {
		return nil, f.compareErr
	}
	return f.delta, nil
}

type fakeAnnotator struct {
	mu      sync.Mutex
	calls   []annotate.Mode
	outcome *annotate.Outcome
}

func (f *fakeAnnotator) Run(ctx context.Context, req annotate.Request, mode annotate.Mode) *annotate.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mode)
	if mode == annotate.ModeFireAndForget {
		return nil
	}
	return f.outcome
}

type fakeTasks struct {
	mu     sync.Mutex
	calls  int
	forced bool
}

func (f *fakeTasks) Regenerate(ctx context.Context, ownerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.forced = force
	return nil
}

func healthyReport(score int) *ai.Report {
	return &ai.Report{
		Issues: []ai.Issue{{Type: "acne", Region: "forehead", Severity: "mild"}},
		Score:  score,
		CarePlan: []ai.CarePlanWeek{
			{Week: 1, Preview: "start cleansing"},
			{Week: 2, Preview: "add retinol"},
			{Week: 3, Preview: "maintain routine"},
			{Week: 4, Preview: "reassess"},
		},
	}
}

type testEnv struct {
	repo      *fakeRepo
	subjects  *fakeSubjects
	analyzer  *fakeAnalyzer
	annotator *fakeAnnotator
	tasks     *fakeTasks
	landmarks *fakeLandmarks
	resolver  *fakeResolver
	now       time.Time
	pipeline  *Pipeline
}

func newTestEnv() *testEnv {
	env := &testEnv{
		repo:      newFakeRepo(),
		subjects:  &fakeSubjects{subjects: make(map[string]*Subject)},
		analyzer:  &fakeAnalyzer{report: healthyReport(75), delta: &ai.ProgressDelta{ScoreChange: 99}},
		annotator: &fakeAnnotator{},
		tasks:     &fakeTasks{},
		landmarks: &fakeLandmarks{},
		resolver:  &fakeResolver{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.pipeline = NewPipeline(PipelineDeps{
		Repo:      env.repo,
		Subjects:  env.subjects,
		Resolver:  env.resolver,
		Landmarks: env.landmarks,
		Analyzer:  env.analyzer,
		Annotator: env.annotator,
		Tasks:     env.tasks,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return env.now },
	})
	return env
}

// --- initial analysis tests ---

func TestAnalyze_FrontOnly(t *testing.T) {
	env := newTestEnv()

	rec, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		FrontImageRef: "uploads/front.jpg",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if rec.Status != StatusCompleted {
		t.Errorf("expected completed record, got %s", rec.Status)
	}
	if rec.Type != TypeInitial {
		t.Errorf("expected initial record, got %s", rec.Type)
	}
	if rec.Report == nil || rec.Report.Degraded() {
		t.Fatalf("expected non-degraded report, got %+v", rec.Report)
	}
	if rec.Report.Issues == nil {
		t.Error("expected issues array, got nil")
	}
	if got := rec.PlanWindow.End.Sub(rec.PlanWindow.Start); got != 28*24*time.Hour {
		t.Errorf("expected 28-day plan window, got %v", got)
	}

	// Front-only input reaches the model with a single tagged image.
	if len(env.analyzer.analyzeInputs) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(env.analyzer.analyzeInputs))
	}
	images := env.analyzer.analyzeInputs[0].Images
	if len(images) != 1 || images[0].Pose != "front" {
		t.Errorf("expected only the front image, got %+v", images)
	}

	// Detected issues trigger detached annotation.
	if len(env.annotator.calls) != 1 || env.annotator.calls[0] != annotate.ModeFireAndForget {
		t.Errorf("expected one fire-and-forget annotation call, got %v", env.annotator.calls)
	}
}

func TestAnalyze_AllThreePoses(t *testing.T) {
	env := newTestEnv()

	_, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		FrontImageRef: "uploads/front.jpg",
		LeftImageRef:  "uploads/left.jpg",
		RightImageRef: "uploads/right.jpg",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	images := env.analyzer.analyzeInputs[0].Images
	if len(images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(images))
	}
	if images[0].Pose != "front" {
		t.Errorf("front image must be first, got %s", images[0].Pose)
	}
}

func TestAnalyze_MissingFrontImage(t *testing.T) {
	env := newTestEnv()

	_, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{SubjectID: "subj-1"})
	if !errors.Is(err, ErrMissingFrontImage) {
		t.Fatalf("expected ErrMissingFrontImage, got %v", err)
	}
	if len(env.repo.records) != 0 {
		t.Error("no record should be created for a rejected submission")
	}
}

func TestAnalyze_LandmarkFailureFailsRecord(t *testing.T) {
	env := newTestEnv()
	env.landmarks.err = errors.New("landmark service failed with status 504: timeout")

	_, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		FrontImageRef: "uploads/front.jpg",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	rec := env.repo.single(t)
	if rec.Status != StatusFailed {
		t.Errorf("expected failed record, got %s", rec.Status)
	}
	if rec.Error == "" {
		t.Error("failed record must carry a non-null error")
	}
}

func TestAnalyze_ModelFailureCapturedVerbatim(t *testing.T) {
	env := newTestEnv()
	env.analyzer.analyzeErr = errors.New("OpenAI API error: 429 rate limited")

	_, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		FrontImageRef: "uploads/front.jpg",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	rec := env.repo.single(t)
	if rec.Status != StatusFailed {
		t.Errorf("expected failed record, got %s", rec.Status)
	}
	if rec.Error != "OpenAI API error: 429 rate limited" {
		t.Errorf("expected upstream error verbatim, got %q", rec.Error)
	}
}

func TestAnalyze_DegradedReportCompletesWithoutAnnotation(t *testing.T) {
	env := newTestEnv()
	env.analyzer.report = &ai.Report{Raw: "not json at all"}

	rec, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		FrontImageRef: "uploads/front.jpg",
	})
	if err != nil {
		t.Fatalf("a degraded report must not fail the pipeline: %v", err)
	}

	if rec.Status != StatusCompleted {
		t.Errorf("expected completed record, got %s", rec.Status)
	}
	if !rec.Report.Degraded() {
		t.Error("expected the degraded report to be preserved")
	}
	if len(env.annotator.calls) != 0 {
		t.Error("degraded reports must not trigger annotation")
	}
}

func TestAnalyze_OwnerReconciled(t *testing.T) {
	env := newTestEnv()
	env.subjects.subjects["subj-1"] = &Subject{
		ID:            "subj-1",
		OwnerID:       "user-42", // account merged while analysis ran
		FrontImageRef: "uploads/front.jpg",
	}

	rec, err := env.pipeline.Analyze(context.Background(), AnalyzeInput{
		SubjectID:     "subj-1",
		OwnerID:       "", // submitted anonymously
		FrontImageRef: "uploads/front.jpg",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if rec.OwnerID != "user-42" {
		t.Errorf("expected owner re-stamped to user-42, got %q", rec.OwnerID)
	}
}

// --- progress comparison tests ---

func (env *testEnv) seedBaseline(score int, createdDaysAgo int) *Record {
	baseline := &Record{
		ID:         "baseline-1",
		SubjectID:  "subj-base",
		OwnerID:    "user-1",
		Type:       TypeInitial,
		Status:     StatusCompleted,
		Report:     healthyReport(score),
		PlanWindow: NewPlanWindow(env.now.AddDate(0, 0, -createdDaysAgo)),
		CreatedAt:  env.now.AddDate(0, 0, -createdDaysAgo),
	}
	env.repo.baseline = baseline
	return baseline
}

func TestCompareProgress_ScoreChangeReconciled(t *testing.T) {
	env := newTestEnv()
	env.seedBaseline(60, 10)
	env.analyzer.report = healthyReport(75)
	// The model's arithmetic is wrong on purpose.
	env.analyzer.delta = &ai.ProgressDelta{ScoreChange: -3}

	result, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err != nil {
		t.Fatalf("CompareProgress failed: %v", err)
	}

	if result.Delta.ScoreChange != 15 {
		t.Errorf("expected reconciled score change 15, got %d", result.Delta.ScoreChange)
	}
	if result.DaysElapsed != 10 {
		t.Errorf("expected 10 days elapsed, got %d", result.DaysElapsed)
	}
	if result.WeekIndex != 1 {
		t.Errorf("expected week index 1 for day 10, got %d", result.WeekIndex)
	}
}

func TestCompareProgress_RecordLinkedToBaselineWindow(t *testing.T) {
	env := newTestEnv()
	baseline := env.seedBaseline(60, 5)

	result, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err != nil {
		t.Fatalf("CompareProgress failed: %v", err)
	}

	rec := env.repo.single(t)
	if rec.Type != TypeProgress {
		t.Errorf("expected progress record, got %s", rec.Type)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed record, got %s", rec.Status)
	}
	if !rec.PlanWindow.Start.Equal(baseline.PlanWindow.Start) || !rec.PlanWindow.End.Equal(baseline.PlanWindow.End) {
		t.Error("progress record must inherit the baseline plan window")
	}
	if rec.ProgressDelta == nil {
		t.Error("progress record must carry the delta")
	}
	if result.PlanWindow != baseline.PlanWindow {
		t.Error("result must expose the baseline plan window")
	}
}

func TestCompareProgress_NoActivePlan(t *testing.T) {
	env := newTestEnv()

	_, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if !errors.Is(err, ErrNoActivePlan) {
		t.Fatalf("expected ErrNoActivePlan, got %v", err)
	}
	if len(env.repo.records) != 0 {
		t.Error("no record should be created when preconditions fail")
	}
}

func TestCompareProgress_BaselineWithoutPlan(t *testing.T) {
	env := newTestEnv()
	baseline := env.seedBaseline(60, 5)
	baseline.Report.CarePlan = nil

	_, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if !errors.Is(err, ErrBaselineIncomplete) {
		t.Fatalf("expected ErrBaselineIncomplete, got %v", err)
	}
}

func TestCompareProgress_ModelFailureFailsRecord(t *testing.T) {
	env := newTestEnv()
	env.seedBaseline(60, 5)
	env.analyzer.compareErr = errors.New("comparison model unavailable")

	_, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err == nil {
		t.Fatal("expected error")
	}

	rec := env.repo.single(t)
	if rec.Status != StatusFailed {
		t.Errorf("expected failed progress record, got %s", rec.Status)
	}
	if rec.Error == "" {
		t.Error("failed record must carry a non-null error")
	}
}

func TestCompareProgress_UnchangedPlanSkipsRegeneration(t *testing.T) {
	env := newTestEnv()
	env.seedBaseline(60, 5)
	env.analyzer.report = healthyReport(75) // same care plan as baseline

	result, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err != nil {
		t.Fatalf("CompareProgress failed: %v", err)
	}

	if result.PlanChanged {
		t.Error("identical plans must not be flagged as changed")
	}
	if env.tasks.calls != 0 {
		t.Errorf("expected no regeneration, got %d calls", env.tasks.calls)
	}
}

func TestCompareProgress_SignificantChangeTriggersRegeneration(t *testing.T) {
	env := newTestEnv()
	env.seedBaseline(60, 5)
	changed := healthyReport(75)
	changed.CarePlan = []ai.CarePlanWeek{
		{Week: 1, Preview: "discontinue everything immediately"},
		{Week: 2, Preview: "schedule dermatologist appointment"},
		{Week: 3, Preview: "prescription medication only"},
		{Week: 4, Preview: "follow medical guidance"},
	}
	env.analyzer.report = changed

	result, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err != nil {
		t.Fatalf("CompareProgress failed: %v", err)
	}

	if !result.PlanChanged {
		t.Error("expected the plan to be flagged as changed")
	}
	if env.tasks.calls != 1 || !env.tasks.forced {
		t.Errorf("expected one forced regeneration, got calls=%d forced=%v", env.tasks.calls, env.tasks.forced)
	}
}

func TestCompareProgress_AnnotationAwaited(t *testing.T) {
	env := newTestEnv()
	env.seedBaseline(60, 5)
	env.annotator.outcome = &annotate.Outcome{
		AnnotatedImageRef: "annotated/abc.jpg",
		Overlays:          []annotate.SVGOverlay{{IssueType: "acne", SVG: "<circle/>"}},
	}

	result, err := env.pipeline.CompareProgress(context.Background(), "user-1", ProgressImages{FrontRef: "uploads/front.jpg"})
	if err != nil {
		t.Fatalf("CompareProgress failed: %v", err)
	}

	if len(env.annotator.calls) != 1 || env.annotator.calls[0] != annotate.ModeAwait {
		t.Errorf("expected one awaited annotation call, got %v", env.annotator.calls)
	}
	if result.AnnotatedImageURL != "https://signed.example.com/annotated/abc.jpg" {
		t.Errorf("expected presigned annotated URL, got %q", result.AnnotatedImageURL)
	}
	if len(result.Overlays) != 1 {
		t.Errorf("expected overlays in result, got %+v", result.Overlays)
	}
}

// --- helpers ---

func TestWeekIndex(t *testing.T) {
	tests := []struct {
		days    int
		planLen int
		want    int
	}{
		{0, 4, 0},
		{6, 4, 0},
		{7, 4, 1},
		{10, 4, 1},
		{21, 4, 3},
		{35, 4, 3}, // clamped to the last week
		{10, 0, 0},
	}

	for _, tt := range tests {
		if got := WeekIndex(tt.days, tt.planLen); got != tt.want {
			t.Errorf("WeekIndex(%d, %d) = %d, want %d", tt.days, tt.planLen, got, tt.want)
		}
	}
}

func TestNewPlanWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w := NewPlanWindow(now)

	if !w.Contains(now) {
		t.Error("window must contain its anchor")
	}
	if !w.Contains(now.AddDate(0, 0, 27)) {
		t.Error("window must contain day 27")
	}
	if w.Contains(now.AddDate(0, 0, 28)) {
		t.Error("window must exclude day 28")
	}
	if w.Contains(now.Add(-time.Hour)) {
		t.Error("window must exclude times before its anchor")
	}
}
