package annotate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirelabs/dermatrack/internal/ai"
)

// Mode selects how the coordinator runs: Await blocks until the overlay is
// ready (progress endpoint, which returns it in the same response),
// FireAndForget detaches so the initial-analysis response is not held up.
type Mode int

const (
	ModeAwait Mode = iota
	ModeFireAndForget
)

// Uploader persists the rendered raster overlay.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// RecordStore is the slice of the record repository the coordinator needs.
// Both writes are partial updates so a concurrent analysis-result write can
// never be clobbered.
type RecordStore interface {
	SetAnnotatedImageRef(ctx context.Context, recordID, ref string) error
	ReplaceReportIssues(ctx context.Context, recordID string, issues []ai.Issue) error
}

// Request names the record being annotated and what to annotate.
type Request struct {
	RecordID string
	ImageURL string
	Issues   []ai.Issue
}

// Outcome is returned in Await mode.
type Outcome struct {
	AnnotatedImageRef string
	Overlays          []SVGOverlay
	Issues            []ai.Issue
}

// Coordinator runs the annotation side-channel. Annotation is best-effort
// visual enhancement: every failure is logged and swallowed, and the record's
// annotated image ref simply stays null.
type Coordinator struct {
	client        *Client
	uploader      Uploader
	records       RecordStore
	logger        zerolog.Logger
	detachTimeout time.Duration
	maxOverlayPx  int
}

func NewCoordinator(client *Client, uploader Uploader, records RecordStore, logger zerolog.Logger, detachTimeout time.Duration, maxOverlayPx int) *Coordinator {
	return &Coordinator{
		client:        client,
		uploader:      uploader,
		records:       records,
		logger:        logger,
		detachTimeout: detachTimeout,
		maxOverlayPx:  maxOverlayPx,
	}
}

// Run executes one annotation request. In Await mode it returns the outcome,
// or nil if annotation failed. In FireAndForget mode it detaches a goroutine
// with its own timeout budget and returns nil immediately.
func (c *Coordinator) Run(ctx context.Context, req Request, mode Mode) *Outcome {
	if mode == ModeFireAndForget {
		go func() {
			detachedCtx, cancel := context.WithTimeout(context.Background(), c.detachTimeout)
			defer cancel()
			if _, err := c.annotate(detachedCtx, req); err != nil {
				c.logger.Warn().Err(err).Str("record_id", req.RecordID).Msg("detached annotation failed")
			}
		}()
		return nil
	}

	outcome, err := c.annotate(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("record_id", req.RecordID).Msg("annotation failed")
		return nil
	}
	return outcome
}

func (c *Coordinator) annotate(ctx context.Context, req Request) (*Outcome, error) {
	result, err := c.client.Annotate(ctx, req.ImageURL, req.Issues)
	if err != nil {
		return nil, err
	}

	raster, err := ai.ResizeJPEG(result.AnnotatedImage, c.maxOverlayPx)
	if err != nil {
		return nil, err
	}

	ref, err := c.uploader.Upload(ctx, raster, "image/jpeg")
	if err != nil {
		return nil, err
	}

	if err := c.records.SetAnnotatedImageRef(ctx, req.RecordID, ref); err != nil {
		return nil, err
	}

	// The service's landmark model may be more precise than ours; when it
	// returns corrected issue data, the stored report follows it so overlay
	// rendering and stored data stay consistent.
	if len(result.Issues) > 0 {
		if err := c.records.ReplaceReportIssues(ctx, req.RecordID, result.Issues); err != nil {
			return nil, err
		}
	}

	c.logger.Info().Str("record_id", req.RecordID).Str("ref", ref).Msg("annotation stored")

	return &Outcome{
		AnnotatedImageRef: ref,
		Overlays:          result.Overlays,
		Issues:            result.Issues,
	}, nil
}
