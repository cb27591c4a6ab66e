// Package studio runs generation requests end to end: the tracker debits and
// records the request, the provider produces the output, the media mirror
// copies it into our bucket and the tracker settles the outcome.
package studio

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/internal/provider"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	providerFailureMessage = "generation provider failed"
	mirrorFailureMessage   = "generation output could not be stored"
)

// Provider produces the output of a request.
type Provider interface {
	Generate(ctx context.Context, request generation.Request) (provider.Output, error)
}

// MediaMirror copies provider URLs to durable storage.
type MediaMirror interface {
	Mirror(ctx context.Context, generationID string, urls []string) ([]string, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the generator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(generator *Generator) {
		if logger != nil {
			generator.logger = logger
		}
	}
}

// WithMediaMirror enables mirroring of produced media URLs.
func WithMediaMirror(mirror MediaMirror) Option {
	return func(generator *Generator) {
		generator.mirror = mirror
	}
}

// WithRunObserver registers a callback invoked after every run with the
// request category and final status.
func WithRunObserver(observer func(category generation.Category, status generation.Status)) Option {
	return func(generator *Generator) {
		generator.observe = observer
	}
}

// Generator drives a request through the provider.
type Generator struct {
	tracker  *generation.Tracker
	provider Provider
	mirror   MediaMirror
	logger   *zap.Logger
	observe  func(category generation.Category, status generation.Status)
}

// NewGenerator wires a Generator.
func NewGenerator(tracker *generation.Tracker, provider Provider, options ...Option) (*Generator, error) {
	if tracker == nil {
		return nil, fmt.Errorf("%w: generation tracker is nil", ledger.ErrInvalidServiceConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is nil", ledger.ErrInvalidServiceConfig)
	}
	generator := &Generator{
		tracker:  tracker,
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(generator)
		}
	}
	return generator, nil
}

// Submit creates the request and runs it.
func (generator *Generator) Submit(ctx context.Context, input generation.CreateInput) (generation.Request, error) {
	request, err := generator.tracker.Create(ctx, input)
	if err != nil {
		return generation.Request{}, err
	}
	return generator.Run(ctx, request.ID)
}

// Run moves a pending request through processing to a terminal state. Any
// failure after the request left pending fails it and refunds its cost; the
// returned error then matches ledger.ErrProviderFailure.
func (generator *Generator) Run(ctx context.Context, id string) (generation.Request, error) {
	request, err := generator.tracker.MarkProcessing(ctx, id)
	if err != nil {
		return generation.Request{}, err
	}
	output, err := generator.provider.Generate(ctx, request)
	if err != nil {
		return generator.fail(ctx, request, providerFailureMessage, err)
	}
	result := output.Result
	if generator.mirror != nil && len(result.URLs) > 0 {
		mirrored, mirrorErr := generator.mirror.Mirror(ctx, request.ID, result.URLs)
		if mirrorErr != nil {
			return generator.fail(ctx, request, mirrorFailureMessage, mirrorErr)
		}
		result.URLs = mirrored
	}
	completed, err := generator.tracker.MarkCompleted(ctx, request.ID, result, output.ProcessingTimeMs)
	if err != nil {
		return generation.Request{}, err
	}
	generator.logger.Info("generation completed",
		zap.String("generation_id", completed.ID),
		zap.String("category", string(completed.Category)),
		zap.Int64("processing_time_ms", completed.ProcessingTimeMs))
	generator.report(completed)
	return completed, nil
}

func (generator *Generator) fail(ctx context.Context, request generation.Request, message string, cause error) (generation.Request, error) {
	generator.logger.Warn("generation failed",
		zap.String("generation_id", request.ID),
		zap.String("account_id", request.AccountID.String()),
		zap.Error(cause))
	failed, err := generator.tracker.Fail(context.WithoutCancel(ctx), request.ID, message)
	if err != nil {
		generator.logger.Error("generation refund failed",
			zap.String("generation_id", request.ID),
			zap.Error(err))
		return generation.Request{}, errors.Join(wrapProviderFailure(cause), err)
	}
	generator.report(failed)
	return failed, wrapProviderFailure(cause)
}

func (generator *Generator) report(request generation.Request) {
	if generator.observe != nil {
		generator.observe(request.Category, request.Status)
	}
}

func wrapProviderFailure(err error) error {
	if errors.Is(err, ledger.ErrProviderFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ledger.ErrProviderFailure, err)
}
