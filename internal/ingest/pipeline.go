// Package ingest turns raw error reports into deduplicated error groups and
// append-only occurrences.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/faultline/internal/enrich"
	"github.com/thebtf/faultline/internal/fingerprint"
	"github.com/thebtf/faultline/internal/normalize"
	"github.com/thebtf/faultline/pkg/models"
)

var tracer = otel.Tracer("faultline.ingest")

// ErrStorage wraps every persistence failure returned by Ingest.
var ErrStorage = errors.New("storage failure")

// GroupStore finds or atomically creates the group for a fingerprint.
type GroupStore interface {
	FindOrCreateGroup(ctx context.Context, group *models.ErrorGroup) (*models.ErrorGroup, bool, error)
}

// OccurrenceStore appends occurrences.
type OccurrenceStore interface {
	AppendOccurrence(ctx context.Context, occ *models.Occurrence) error
}

// Result describes what Ingest recorded.
type Result struct {
	GroupID     string
	Environment string
	Created     bool
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	groups      GroupStore
	occurrences OccurrenceStore
	enqueuer    enrich.Enqueuer
	normalizer  atomic.Pointer[normalize.Normalizer]
}

// New creates a pipeline. A nil enqueuer disables enrichment.
func New(groups GroupStore, occurrences OccurrenceStore, enqueuer enrich.Enqueuer) *Pipeline {
	if enqueuer == nil {
		enqueuer = enrich.Discard{}
	}
	p := &Pipeline{
		groups:      groups,
		occurrences: occurrences,
		enqueuer:    enqueuer,
	}
	p.normalizer.Store(normalize.Default())
	return p
}

// SetNormalizer swaps the normalizer used for subsequent events.
func (p *Pipeline) SetNormalizer(n *normalize.Normalizer) {
	if n == nil {
		n = normalize.Default()
	}
	p.normalizer.Store(n)
}

// Normalizer returns the normalizer currently in use.
func (p *Pipeline) Normalizer() *normalize.Normalizer {
	return p.normalizer.Load()
}

// Ingest records one event for projectID. The event's group is created on
// first sight and left untouched afterwards; every call appends exactly one
// occurrence. Enrichment is requested only by the call that created the group.
func (p *Pipeline) Ingest(ctx context.Context, projectID string, ev models.RawEvent) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.Pipeline.Ingest",
		trace.WithAttributes(attribute.String("faultline.project_id", projectID)),
	)
	defer span.End()

	message := DefaultedMessage(ev.Message)
	stack := DefaultedStack(ev.Stack)
	env := defaultedString(ev.Environment, models.EnvironmentDev)
	commit := defaultedString(ev.CommitSHA, models.DefaultCommitSHA)

	form := p.normalizer.Load().Normalize(message, stack)
	fp := fingerprint.Of(form)
	span.SetAttributes(attribute.String("faultline.fingerprint", fp))

	group, created, err := p.groups.FindOrCreateGroup(ctx, &models.ErrorGroup{
		ProjectID:         projectID,
		Fingerprint:       fp,
		RawMessage:        message,
		RawStack:          stack,
		NormalizedMessage: form.Message,
		NormalizedStack:   form.Stack,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find or create group")
		return Result{}, fmt.Errorf("%w: find or create group: %w", ErrStorage, err)
	}

	if created {
		queued := p.enqueuer.Enqueue(enrich.Job{
			GroupID: group.ID,
			Message: message,
			Stack:   stack,
		})
		log.Debug().
			Str("project_id", projectID).
			Str("group_id", group.ID).
			Bool("enrichment_queued", queued).
			Msg("New error group")
	}

	if err := p.occurrences.AppendOccurrence(ctx, &models.Occurrence{
		ProjectID:    projectID,
		ErrorGroupID: group.ID,
		Environment:  env,
		CommitSHA:    commit,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append occurrence")
		return Result{}, fmt.Errorf("%w: append occurrence: %w", ErrStorage, err)
	}

	span.SetAttributes(attribute.Bool("faultline.created", created))
	return Result{GroupID: group.ID, Environment: env, Created: created}, nil
}

// DefaultedMessage returns v if it is a string, otherwise the default message.
func DefaultedMessage(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return models.DefaultMessage
}

// DefaultedStack returns v as a stack if it is a non-empty string, otherwise nil.
func DefaultedStack(v any) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

func defaultedString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
