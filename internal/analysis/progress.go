package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mirelabs/dermatrack/internal/ai"
	"github.com/mirelabs/dermatrack/internal/annotate"
)

// ProgressImages are the images of one progress submission.
type ProgressImages struct {
	FrontRef string
	LeftRef  string
	RightRef string
}

// ProgressResult is the full payload returned to the progress endpoint.
type ProgressResult struct {
	RecordID          string                `json:"record_id"`
	SubjectID         string                `json:"subject_id"`
	BaselineReport    *ai.Report            `json:"baseline_report"`
	CurrentReport     *ai.Report            `json:"current_report"`
	Delta             *ai.ProgressDelta     `json:"progress_delta"`
	DaysElapsed       int                   `json:"days_elapsed"`
	WeekIndex         int                   `json:"week_index"`
	PlanWindow        PlanWindow            `json:"plan_window"`
	PlanChanged       bool                  `json:"plan_changed"`
	FrontImageURL     string                `json:"front_image_url"`
	AnnotatedImageURL string                `json:"annotated_image_url,omitempty"`
	Overlays          []annotate.SVGOverlay `json:"overlays,omitempty"`
}

// CompareProgress runs a progress submission against the owner's active
// baseline. Preconditions (an active plan window with a completed baseline
// carrying report and care plan) surface as client errors, not pipeline
// failures.
func (p *Pipeline) CompareProgress(ctx context.Context, ownerID string, images ProgressImages) (*ProgressResult, error) {
	if images.FrontRef == "" {
		return nil, ErrMissingFrontImage
	}

	// Baseline lookup, presigning and keypoint extraction are independent;
	// issue them together and join before proceeding.
	var (
		wg        sync.WaitGroup
		baseline  *Record
		resolved  []ai.PoseImage
		keypoints json.RawMessage
		errs      [3]error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		baseline, errs[0] = p.repo.ActiveBaseline(ctx, ownerID, p.now())
	}()
	go func() {
		defer wg.Done()
		resolved, errs[1] = p.resolveImages(ctx, images.FrontRef, images.LeftRef, images.RightRef)
	}()
	go func() {
		defer wg.Done()
		frontURL, err := p.resolver.Resolve(ctx, images.FrontRef, p.presignTTL)
		if err != nil {
			errs[2] = fmt.Errorf("resolving front image: %w", err)
			return
		}
		keypoints, errs[2] = p.landmarks.Extract(ctx, frontURL)
	}()
	wg.Wait()

	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}

	if baseline == nil {
		return nil, ErrNoActivePlan
	}
	if baseline.Report == nil || baseline.Report.Degraded() || len(baseline.Report.CarePlan) == 0 {
		return nil, ErrBaselineIncomplete
	}

	daysElapsed := int(p.now().Sub(baseline.CreatedAt).Hours() / 24)
	plan := baseline.Report.CarePlan
	weekIdx := WeekIndex(daysElapsed, len(plan))

	rec := &Record{
		ID:         uuid.NewString(),
		SubjectID:  uuid.NewString(),
		OwnerID:    ownerID,
		Type:       TypeProgress,
		Status:     StatusProcessing,
		PlanWindow: baseline.PlanWindow,
		CreatedAt:  p.now(),
	}
	if err := p.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating progress record: %w", err)
	}

	current, delta, err := p.runComparison(ctx, baseline, resolved, keypoints, daysElapsed, weekIdx)
	if err != nil {
		p.fail(ctx, rec, err)
		return nil, err
	}

	// Guarantee the score invariant even if the model's arithmetic drifted.
	if !current.Degraded() {
		delta.ScoreChange = current.Score - baseline.Report.Score
	}

	rec.Keypoints = keypoints
	rec.Report = current
	rec.ProgressDelta = delta
	p.complete(ctx, rec)

	planChanged := p.maybeRegeneratePlan(ctx, ownerID, plan, current, delta)

	result := &ProgressResult{
		RecordID:       rec.ID,
		SubjectID:      rec.SubjectID,
		BaselineReport: baseline.Report,
		CurrentReport:  current,
		Delta:          delta,
		DaysElapsed:    daysElapsed,
		WeekIndex:      weekIdx,
		PlanWindow:     rec.PlanWindow,
		PlanChanged:    planChanged,
		FrontImageURL:  resolved[0].URL,
	}

	if !current.Degraded() && len(current.Issues) > 0 {
		outcome := p.annotator.Run(ctx, annotate.Request{
			RecordID: rec.ID,
			ImageURL: resolved[0].URL,
			Issues:   current.Issues,
		}, annotate.ModeAwait)
		if outcome != nil {
			result.Overlays = outcome.Overlays
			if url, err := p.resolver.Resolve(ctx, outcome.AnnotatedImageRef, p.presignTTL); err == nil {
				result.AnnotatedImageURL = url
			} else {
				p.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("could not presign annotated image")
			}
		}
	}

	return result, nil
}

// runComparison issues the full re-analysis and the comparison call together
// and joins them.
func (p *Pipeline) runComparison(ctx context.Context, baseline *Record, images []ai.PoseImage, keypoints json.RawMessage, daysElapsed, weekIdx int) (*ai.Report, *ai.ProgressDelta, error) {
	profile := ""
	if sub, err := p.subjects.Get(ctx, baseline.SubjectID); err == nil {
		profile = ai.ProfileSummary(sub.Answers)
	}

	var (
		wg      sync.WaitGroup
		current *ai.Report
		delta   *ai.ProgressDelta
		errs    [2]error
	)

	plan := baseline.Report.CarePlan

	wg.Add(2)
	go func() {
		defer wg.Done()
		current, errs[0] = p.analyzer.AnalyzeSkin(ctx, &ai.SkinAnalysisInput{
			Images:         images,
			Keypoints:      keypoints,
			ProfileSummary: profile,
		})
	}()
	go func() {
		defer wg.Done()
		delta, errs[1] = p.analyzer.CompareProgress(ctx, &ai.ProgressInput{
			Keypoints:      keypoints,
			BaselineReport: baseline.Report,
			BaselineScore:  baseline.Report.Score,
			CarePlan:       plan,
			DaysElapsed:    daysElapsed,
			WeekIndex:      weekIdx,
			CurrentWeek:    plan[weekIdx],
		})
	}()
	wg.Wait()

	if err := errors.Join(errs[:]...); err != nil {
		return nil, nil, err
	}
	return current, delta, nil
}

// maybeRegeneratePlan runs the plan-change detector and, on a significant
// change, asks the task collaborator to rebuild the daily task list.
// Regeneration failures are logged and never fail the progress request.
func (p *Pipeline) maybeRegeneratePlan(ctx context.Context, ownerID string, baselinePlan []ai.CarePlanWeek, current *ai.Report, delta *ai.ProgressDelta) bool {
	newPlan := current.CarePlan
	if len(newPlan) == 0 && len(delta.UpdatedCarePlan) > 0 {
		newPlan = delta.UpdatedCarePlan
	}

	if !HasSignificantChange(baselinePlan, newPlan) {
		return false
	}

	p.logger.Info().Str("owner_id", ownerID).Msg("care plan changed significantly, regenerating tasks")
	if p.tasks == nil {
		return true
	}
	if err := p.tasks.Regenerate(ctx, ownerID, true); err != nil {
		p.logger.Error().Err(err).Str("owner_id", ownerID).Msg("task regeneration failed")
	}
	return true
}
