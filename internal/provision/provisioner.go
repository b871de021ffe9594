// Package provision implements the versioned-artifact coordination
// protocol: ensure and verify the deployment bucket, then converge the
// local host on the agent archive for the current fingerprint through an
// atomic publish-or-fetch against shared object storage, all inside a
// bounded best-effort retry loop.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentboot/internal/storage"
)

// archiveObjectName is the object name under each fingerprint prefix.
const archiveObjectName = "agent-archive"

// Params configures a Provisioner.
type Params struct {
	Store storage.Store

	// Bucket is the per-project deployment bucket; ProjectID is passed to
	// bucket creation and ExpectedOwner is what the bucket's recorded
	// owner must equal.
	Bucket        string
	ProjectID     string
	ExpectedOwner string

	// Canonical read-only source of the newest agent archive.
	SourceBucket string
	SourceObject string

	// Local installation layout.
	InstallRoot string
	Binary      string

	Attempts int
	Delay    time.Duration
	Log      zerolog.Logger
}

// Provisioner drives the end-to-end provisioning flow for one fingerprint.
type Provisioner struct {
	store         storage.Store
	bucket        string
	projectID     string
	expectedOwner string
	sourceBucket  string
	sourceObject  string
	installRoot   string
	binary        string
	attempts      int
	delay         time.Duration
	log           zerolog.Logger
}

// New validates params and returns a Provisioner.
func New(p Params) (*Provisioner, error) {
	if p.Store == nil {
		return nil, errors.New("store is required")
	}
	if p.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if p.SourceBucket == "" || p.SourceObject == "" {
		return nil, errors.New("canonical source bucket and object are required")
	}
	if p.InstallRoot == "" {
		return nil, errors.New("install root is required")
	}
	if p.Binary == "" {
		return nil, errors.New("agent binary name is required")
	}
	if p.Attempts <= 0 {
		return nil, fmt.Errorf("attempts must be positive, got %d", p.Attempts)
	}
	if p.Delay <= 0 {
		return nil, fmt.Errorf("delay must be positive, got %s", p.Delay)
	}
	return &Provisioner{
		store:         p.Store,
		bucket:        p.Bucket,
		projectID:     p.ProjectID,
		expectedOwner: p.ExpectedOwner,
		sourceBucket:  p.SourceBucket,
		sourceObject:  p.SourceObject,
		installRoot:   p.InstallRoot,
		binary:        p.Binary,
		attempts:      p.Attempts,
		delay:         p.Delay,
		log:           p.Log,
	}, nil
}

// Run executes up to the configured number of provisioning attempts with a
// fixed delay between them. A FatalError (bucket owner mismatch) stops the
// loop immediately and propagates. Any other failure is logged and retried;
// an exhausted budget is a degraded outcome, not an error: Run returns
// (false, nil) and the caller proceeds without the agent.
func (p *Provisioner) Run(ctx context.Context, fp string) (installed bool, err error) {
	// A prior run on this host already converged this fingerprint; reuse
	// the local installation without touching storage at all.
	if p.Installed(fp) {
		p.log.Debug().Str("fingerprint", fp).Msg("agent already installed, skipping storage")
		return true, nil
	}

	backoff := retry.WithMaxRetries(uint64(p.attempts-1), retry.NewConstant(p.delay))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := p.attempt(ctx, fp, attempt); err != nil {
			if IsFatal(err) {
				return err
			}
			p.log.Warn().Err(err).Int("attempt", attempt).Msg("provisioning attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if IsFatal(err) {
			return false, err
		}
		p.log.Error().Err(err).Int("attempts", attempt).Msg("provisioning gave up, continuing without agent")
		return false, nil
	}
	return true, nil
}

func (p *Provisioner) attempt(ctx context.Context, fp string, attempt int) error {
	ctx, span := otel.Tracer("agentboot/provision").Start(ctx, "provision.attempt",
		trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("fingerprint", fp),
		))
	defer span.End()

	err := p.runAttempt(ctx, fp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Provisioner) runAttempt(ctx context.Context, fp string) error {
	if err := p.store.EnsureBucket(ctx, p.bucket, p.projectID); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	// The ownership check must precede any artifact I/O: a bucket recorded
	// against a foreign owner must never be read from or written to.
	if err := p.store.VerifyOwner(ctx, p.bucket, p.expectedOwner); err != nil {
		if errors.Is(err, storage.ErrOwnerMismatch) {
			return &FatalError{Err: err}
		}
		return fmt.Errorf("verify bucket owner: %w", err)
	}
	return p.ensureArtifact(ctx, fp)
}
