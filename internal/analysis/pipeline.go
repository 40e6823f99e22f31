package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mirelabs/dermatrack/internal/ai"
	"github.com/mirelabs/dermatrack/internal/annotate"
)

// ErrMissingFrontImage rejects submissions without a front image.
var ErrMissingFrontImage = errors.New("a front image is required")

// Resolver turns stored image references into fetchable URLs.
type Resolver interface {
	Resolve(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// LandmarkExtractor extracts facial keypoints from one image.
type LandmarkExtractor interface {
	Extract(ctx context.Context, imageURL string) (json.RawMessage, error)
}

// Annotator is the annotation side-channel.
type Annotator interface {
	Run(ctx context.Context, req annotate.Request, mode annotate.Mode) *annotate.Outcome
}

// TaskRegenerator regenerates the user's daily task list after a significant
// plan change. It is an external collaborator; failures never fail the
// triggering progress request.
type TaskRegenerator interface {
	Regenerate(ctx context.Context, ownerID string, force bool) error
}

// PipelineDeps carries the injected collaborators. Everything is constructed
// once at startup and passed in; the pipeline holds no process-wide state.
type PipelineDeps struct {
	Repo       RecordRepository
	Subjects   SubjectSource
	Resolver   Resolver
	Landmarks  LandmarkExtractor
	Analyzer   ai.Analyzer
	Annotator  Annotator
	Tasks      TaskRegenerator
	PresignTTL time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time // defaults to time.Now, overridable in tests
}

// Pipeline orchestrates analysis submissions end to end.
type Pipeline struct {
	repo       RecordRepository
	subjects   SubjectSource
	resolver   Resolver
	landmarks  LandmarkExtractor
	analyzer   ai.Analyzer
	annotator  Annotator
	tasks      TaskRegenerator
	presignTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PresignTTL == 0 {
		deps.PresignTTL = 15 * time.Minute
	}
	return &Pipeline{
		repo:       deps.Repo,
		subjects:   deps.Subjects,
		resolver:   deps.Resolver,
		landmarks:  deps.Landmarks,
		analyzer:   deps.Analyzer,
		annotator:  deps.Annotator,
		tasks:      deps.Tasks,
		presignTTL: deps.PresignTTL,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

// AnalyzeInput is one initial-analysis submission.
type AnalyzeInput struct {
	SubjectID     string
	OwnerID       string
	FrontImageRef string
	LeftImageRef  string
	RightImageRef string
	Answers       map[string]string
}

// AnalyzeSubject loads a stored subject (onboarding answer) and runs the
// initial analysis against its images and intake answers.
func (p *Pipeline) AnalyzeSubject(ctx context.Context, subjectID string) (*Record, error) {
	sub, err := p.subjects.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return p.Analyze(ctx, AnalyzeInput{
		SubjectID:     sub.ID,
		OwnerID:       sub.OwnerID,
		FrontImageRef: sub.FrontImageRef,
		LeftImageRef:  sub.LeftImageRef,
		RightImageRef: sub.RightImageRef,
		Answers:       sub.Answers,
	})
}

// Analyze runs the initial analysis pipeline: create the record first so a
// concurrent status read never sees an absent record, then presign, extract
// landmarks, call the model, and persist a terminal state. Any component
// failure after record creation lands the record in FAILED, never leaves it
// stuck in PROCESSING.
func (p *Pipeline) Analyze(ctx context.Context, in AnalyzeInput) (*Record, error) {
	if in.FrontImageRef == "" {
		return nil, ErrMissingFrontImage
	}
	if in.SubjectID == "" {
		in.SubjectID = uuid.NewString()
	}

	now := p.now()
	rec := &Record{
		ID:         uuid.NewString(),
		SubjectID:  in.SubjectID,
		OwnerID:    in.OwnerID,
		Type:       TypeInitial,
		Status:     StatusProcessing,
		PlanWindow: NewPlanWindow(now),
		CreatedAt:  now,
	}
	if err := p.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating analysis record: %w", err)
	}

	frontURL, report, keypoints, err := p.runAnalysis(ctx, in)
	if err != nil {
		p.fail(ctx, rec, err)
		return rec, err
	}

	rec.Keypoints = keypoints
	rec.Report = report
	p.complete(ctx, rec)

	if !report.Degraded() && len(report.Issues) > 0 {
		p.annotator.Run(ctx, annotate.Request{
			RecordID: rec.ID,
			ImageURL: frontURL,
			Issues:   report.Issues,
		}, annotate.ModeFireAndForget)
	}

	return rec, nil
}

// runAnalysis performs the external calls of an initial analysis and returns
// the presigned front URL, the report and the extracted keypoints.
func (p *Pipeline) runAnalysis(ctx context.Context, in AnalyzeInput) (string, *ai.Report, json.RawMessage, error) {
	images, err := p.resolveImages(ctx, in.FrontImageRef, in.LeftImageRef, in.RightImageRef)
	if err != nil {
		return "", nil, nil, err
	}

	keypoints, err := p.landmarks.Extract(ctx, images[0].URL)
	if err != nil {
		return "", nil, nil, err
	}

	report, err := p.analyzer.AnalyzeSkin(ctx, &ai.SkinAnalysisInput{
		Images:         images,
		Keypoints:      keypoints,
		ProfileSummary: ai.ProfileSummary(in.Answers),
	})
	if err != nil {
		return "", nil, nil, err
	}

	return images[0].URL, report, keypoints, nil
}

// resolveImages presigns the provided image refs concurrently. Missing left
// and right refs are simply omitted; the front image is always index 0.
func (p *Pipeline) resolveImages(ctx context.Context, front, left, right string) ([]ai.PoseImage, error) {
	refs := []ai.PoseImage{{Pose: "front", URL: front}}
	if left != "" {
		refs = append(refs, ai.PoseImage{Pose: "left", URL: left})
	}
	if right != "" {
		refs = append(refs, ai.PoseImage{Pose: "right", URL: right})
	}

	images := make([]ai.PoseImage, len(refs))
	errs := make([]error, len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref ai.PoseImage) {
			defer wg.Done()
			url, err := p.resolver.Resolve(ctx, ref.URL, p.presignTTL)
			if err != nil {
				errs[i] = fmt.Errorf("resolving %s image: %w", ref.Pose, err)
				return
			}
			images[i] = ai.PoseImage{Pose: ref.Pose, URL: url}
		}(i, ref)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return images, nil
}

// complete re-reads the subject's current owner and writes the terminal
// completed state. The owner re-stamp is a best-effort post-hoc fix for
// submissions made under an anonymous session that was merged into an
// account while the analysis ran.
func (p *Pipeline) complete(ctx context.Context, rec *Record) {
	p.reconcileOwner(ctx, rec)

	completedAt := p.now()
	rec.Status = StatusCompleted
	rec.CompletedAt = &completedAt

	if err := p.repo.Complete(ctx, rec); err != nil {
		// The in-memory result is still returned to the caller.
		p.logger.Error().Err(err).Str("record_id", rec.ID).Msg("failed to persist completed record")
	}
}

func (p *Pipeline) fail(ctx context.Context, rec *Record, cause error) {
	rec.Status = StatusFailed
	rec.Error = cause.Error()

	if err := p.repo.Fail(ctx, rec.ID, cause.Error()); err != nil {
		p.logger.Error().Err(err).Str("record_id", rec.ID).Msg("failed to persist failed record")
	}
	p.logger.Warn().Err(cause).Str("record_id", rec.ID).Str("subject_id", rec.SubjectID).Msg("analysis failed")
}

func (p *Pipeline) reconcileOwner(ctx context.Context, rec *Record) {
	sub, err := p.subjects.Get(ctx, rec.SubjectID)
	if err != nil {
		if !errors.Is(err, ErrSubjectNotFound) {
			p.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("owner reconciliation lookup failed")
		}
		return
	}
	if sub.OwnerID != "" && sub.OwnerID != rec.OwnerID {
		p.logger.Info().Str("record_id", rec.ID).Str("owner_id", sub.OwnerID).Msg("re-stamping record owner")
		rec.OwnerID = sub.OwnerID
	}
}
