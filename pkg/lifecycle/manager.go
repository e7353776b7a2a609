// Package lifecycle implements the run state machine: creation with
// supersession of earlier runs, status reconciliation, completion and
// promotion of a run to an identity's active result.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/platform"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/fitrun/fitrun/pkg/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/fitrun/fitrun/pkg/lifecycle"

	// maxCASAttempts bounds compare-and-swap retries on runs and profiles.
	maxCASAttempts = 5

	minHeightCm = 50.0
	maxHeightCm = 300.0

	defaultTimeout      = 10 * time.Second
	sweepAttemptTimeout = 10 * time.Second
)

// CreateRequest describes a new run.
type CreateRequest struct {
	Shop      string
	Identity  identity.Identity
	InputKeys []string
	HeightCm  *float64
}

// CompleteRequest is a worker completion report.
type CompleteRequest struct {
	JobID     string
	Status    string
	OutputKey string
	Error     string
}

// CompleteResult is the outcome of a completion.
type CompleteResult struct {
	Run      *store.Run
	Promoted bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithWorkerTimeout bounds each worker gateway call.
func WithWorkerTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.workerTimeout = d
		}
	}
}

// WithPublishTimeout bounds each platform profile push.
func WithPublishTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.publishTimeout = d
		}
	}
}

// WithTracerProvider sets the provider lifecycle spans are recorded with.
// The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// Manager drives runs through their lifecycle.
type Manager struct {
	log            logrus.FieldLogger
	store          store.Store
	gateway        worker.Gateway
	publisher      platform.Publisher
	cfg            *config.LifecycleConfig
	now            func() time.Time
	workerTimeout  time.Duration
	publishTimeout time.Duration
	tracer         trace.Tracer

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a lifecycle manager. A nil publisher disables
// profile pushes.
func NewManager(
	log logrus.FieldLogger,
	st store.Store,
	gw worker.Gateway,
	pub platform.Publisher,
	cfg *config.LifecycleConfig,
	opts ...Option,
) *Manager {
	if pub == nil {
		pub = platform.NopPublisher{}
	}

	m := &Manager{
		log:            log.WithField("component", "lifecycle"),
		store:          st,
		gateway:        gw,
		publisher:      pub,
		cfg:            cfg,
		now:            time.Now,
		workerTimeout:  defaultTimeout,
		publishTimeout: defaultTimeout,
		tracer:         otel.Tracer(tracerName),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Close stops pending sweep retries and waits for background tasks.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})

	m.wg.Wait()
}

// Create validates req, enforces the creation window, inserts a queued run,
// supersedes the identity's earlier runs and submits the run to the worker.
// When submission fails the created run is returned together with
// ErrGateway.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (run *store.Run, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Create",
		trace.WithAttributes(attribute.String("shop", req.Shop)),
	)
	defer func() { endSpan(span, err) }()

	inputKey, err := validateCreate(req)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()

	run = &store.Run{
		ID:           uuid.NewString(),
		ShopDomain:   req.Shop,
		Status:       store.StatusQueued,
		ModelVersion: m.cfg.ModelVersion,
		InputKey:     inputKey,
		HeightCm:     req.HeightCm,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	run.SetIdentity(req.Identity)

	span.SetAttributes(attribute.String("run.id", run.ID))

	log := m.log.WithField("run_id", run.ID).WithField("shop", run.ShopDomain)

	if err := m.insertAndSweep(ctx, log, run, now.Add(-m.cfg.CreateWindow)); err != nil {
		if errors.Is(err, store.ErrRecentRun) {
			return nil, fmt.Errorf(
				"%w: a run was created within the last %s", ErrRateLimited, m.cfg.CreateWindow,
			)
		}

		return nil, err
	}

	log.Info("Run created")

	submitCtx, cancel := context.WithTimeout(ctx, m.workerTimeout)
	defer cancel()

	if err := m.gateway.Submit(submitCtx, worker.Job{
		ID:       run.ID,
		InputKey: run.InputKey,
		HeightCm: run.HeightCm,
	}); err != nil {
		log.WithError(err).Warn("Worker submission failed, run left queued")

		return run, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	return run, nil
}

func validateCreate(req CreateRequest) (string, error) {
	if strings.TrimSpace(req.Shop) == "" {
		return "", fmt.Errorf("%w: shop is required", ErrValidation)
	}

	if err := req.Identity.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if h := req.HeightCm; h != nil && (*h < minHeightCm || *h > maxHeightCm) {
		return "", fmt.Errorf(
			"%w: height_cm must be within [%.0f, %.0f]", ErrValidation, minHeightCm, maxHeightCm,
		)
	}

	for _, key := range req.InputKeys {
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
	}

	return "", fmt.Errorf("%w: at least one input key is required", ErrValidation)
}

// insertAndSweep stores run unless the identity created one at or after
// windowStart, then replaces the identity's earlier runs according to the
// configured sweep policy.
func (m *Manager) insertAndSweep(
	ctx context.Context, log logrus.FieldLogger, run *store.Run, windowStart time.Time,
) error {
	opts := store.InsertOptions{WindowStart: windowStart}

	if m.cfg.SweepPolicy == config.SweepPolicyStrict {
		opts.Replace = ReplaceableStatuses

		n, err := m.store.InsertRun(ctx, run, opts)
		if err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		log.WithField("replaced", n).Debug("Supersession sweep done")

		return nil
	}

	if _, err := m.store.InsertRun(ctx, run, opts); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	n, err := m.store.ReplacePriorRuns(ctx, run, ReplaceableStatuses)
	if err == nil {
		log.WithField("replaced", n).Debug("Supersession sweep done")

		return nil
	}

	log.WithError(err).
		WithField("contention", store.IsContention(err)).
		Warn("Supersession sweep failed")

	if m.cfg.SweepPolicy == config.SweepPolicyRetry {
		m.retrySweep(run)
	}

	return nil
}

// retrySweep re-runs the supersession sweep in the background with a
// doubling delay until it succeeds, retries run out or Close is called.
func (m *Manager) retrySweep(run *store.Run) {
	sweepRun := *run
	log := m.log.WithField("run_id", run.ID).WithField("shop", run.ShopDomain)

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		delay := m.cfg.SweepRetryDelay

		for attempt := 1; attempt <= m.cfg.SweepRetries; attempt++ {
			timer := time.NewTimer(delay)

			select {
			case <-m.done:
				timer.Stop()

				return
			case <-timer.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), sweepAttemptTimeout)
			n, err := m.store.ReplacePriorRuns(ctx, &sweepRun, ReplaceableStatuses)
			cancel()

			if err == nil {
				log.WithField("replaced", n).
					WithField("attempt", attempt).
					Info("Supersession sweep retry succeeded")

				return
			}

			log.WithError(err).WithField("attempt", attempt).Warn("Supersession sweep retry failed")

			delay *= 2
		}

		log.Error("Supersession sweep retries exhausted")
	}()
}

// Reconcile returns shop's run for jobID, refreshing its status from the
// worker while it is still queued or running. Runs of other shops are
// reported as ErrNotFound without contacting the worker. Worker errors are
// logged and the stored state is returned.
func (m *Manager) Reconcile(ctx context.Context, shop, jobID string) (run *store.Run, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Reconcile",
		trace.WithAttributes(
			attribute.String("shop", shop),
			attribute.String("run.id", jobID),
		),
	)
	defer func() { endSpan(span, err) }()

	run, err = m.getRun(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if run.ShopDomain != shop {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	if run.Status != store.StatusQueued && run.Status != store.StatusRunning {
		return run, nil
	}

	log := m.log.WithField("run_id", run.ID).WithField("shop", run.ShopDomain)

	fetchCtx, cancel := context.WithTimeout(ctx, m.workerTimeout)
	defer cancel()

	reported, err := m.gateway.FetchStatus(fetchCtx, run.ID)
	if err != nil {
		log.WithError(err).Debug("Worker status unavailable")

		return run, nil
	}

	status, err := NormalizeStatus(reported.Status)
	if err != nil {
		log.WithError(err).Warn("Ignoring unknown worker status")

		return run, nil
	}

	var outputKey *string
	if status == store.StatusSucceeded && reported.OutputKey != "" {
		outputKey = &reported.OutputKey
	}

	if status == run.Status && outputKey == nil {
		return run, nil
	}

	updated, _, err := m.record(ctx, log, run, status, outputKey)
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Complete records a worker completion report and, for a successful run
// that has not been superseded, promotes it to the identity's active run.
// Replaying the same report reaches the same outcome.
func (m *Manager) Complete(ctx context.Context, req CompleteRequest) (res *CompleteResult, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Complete",
		trace.WithAttributes(
			attribute.String("run.id", req.JobID),
			attribute.String("run.reported_status", req.Status),
		),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(req.JobID) == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrValidation)
	}

	status, err := NormalizeStatus(req.Status)
	if err != nil {
		return nil, err
	}

	if status == store.StatusQueued || status == store.StatusReplaced {
		return nil, fmt.Errorf("%w: status %q cannot be reported", ErrValidation, req.Status)
	}

	run, err := m.getRun(ctx, req.JobID)
	if err != nil {
		return nil, err
	}

	log := m.log.WithField("run_id", run.ID).WithField("shop", run.ShopDomain)

	if req.Error != "" {
		log.WithField("worker_error", req.Error).Info("Worker reported an error")
	}

	var outputKey *string
	if status == store.StatusSucceeded && req.OutputKey != "" {
		outputKey = &req.OutputKey
	}

	run, recorded, err := m.record(ctx, log, run, status, outputKey)
	if err != nil {
		return nil, err
	}

	res = &CompleteResult{Run: run}

	if !recorded || run.Status != store.StatusSucceeded || run.ReplacedByRunID != nil {
		return res, nil
	}

	promoted, err := m.promote(ctx, log, run)
	if err != nil {
		return nil, err
	}

	res.Promoted = promoted

	span.SetAttributes(attribute.Bool("run.promoted", promoted))

	if promoted {
		log.Info("Run promoted to active")
		m.publishAsync(run)
	}

	return res, nil
}

// record stores status on run with a version compare-and-swap, reloading
// and re-evaluating on conflict. Reports that would regress the run are
// ignored and reported as not recorded.
func (m *Manager) record(
	ctx context.Context,
	log logrus.FieldLogger,
	run *store.Run,
	status store.RunStatus,
	outputKey *string,
) (*store.Run, bool, error) {
	for range maxCASAttempts {
		if !CanRecord(run.Status, status) {
			log.WithField("current", run.Status).
				WithField("reported", status).
				Info("Ignoring status report that would regress run")

			return run, false, nil
		}

		ok, err := m.store.UpdateRunOutcome(ctx, run.ID, run.Version, status, outputKey)
		if err != nil {
			return nil, false, fmt.Errorf("recording run outcome: %w", err)
		}

		if ok {
			run.Status = status
			run.Version++

			if outputKey != nil {
				run.OutputKey = outputKey
			}

			log.WithField("status", status).Debug("Run outcome recorded")

			return run, true, nil
		}

		if run, err = m.getRun(ctx, run.ID); err != nil {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("%w: run %s kept changing", ErrConflict, run.ID)
}

// promote points the identity's profile at run unless a strictly newer run
// is already active. The pointer is swapped with compare-and-swap; losing
// the swap re-evaluates against the new pointer. Exhausted swaps are
// logged and leave the pointer as is.
func (m *Manager) promote(
	ctx context.Context, log logrus.FieldLogger, run *store.Run,
) (bool, error) {
	id := run.Identity()

	for range maxCASAttempts {
		var expected *string

		profile, err := m.store.GetProfile(ctx, run.ShopDomain, id)

		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return false, fmt.Errorf("loading profile: %w", err)
		default:
			expected = profile.ActiveRunID
		}

		if expected != nil {
			if *expected == run.ID {
				return true, nil
			}

			newer, err := m.isNewerActive(ctx, run, *expected)
			if err != nil {
				return false, err
			}

			if newer {
				log.WithField("active_run_id", *expected).
					Info("Newer run already active, not promoting")

				return false, nil
			}
		}

		swapped, err := m.store.SwapActiveRun(ctx, run.ShopDomain, id, expected, run.ID)
		if err != nil {
			if store.IsContention(err) {
				log.WithError(err).Debug("Active run swap contended")

				continue
			}

			return false, fmt.Errorf("swapping active run: %w", err)
		}

		if swapped {
			return true, nil
		}
	}

	log.Warn("Active run swap kept losing to concurrent updates, leaving pointer unchanged")

	return false, nil
}

// isNewerActive reports whether the active run was created strictly after
// run. A missing active run never wins.
func (m *Manager) isNewerActive(
	ctx context.Context, run *store.Run, activeID string,
) (bool, error) {
	active, err := m.store.GetRun(ctx, activeID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("loading active run: %w", err)
	}

	return active.CreatedAt.After(run.CreatedAt), nil
}

// publishAsync pushes the promoted run's profile attributes to the
// platform. Only customer identities have a platform record; failures are
// logged.
func (m *Manager) publishAsync(run *store.Run) {
	if run.CustomerID == nil {
		return
	}

	snapshot := *run

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
		defer cancel()

		log := m.log.WithField("run_id", snapshot.ID).WithField("shop", snapshot.ShopDomain)

		payload := platform.ProfilePayload{
			ModelVersion: snapshot.ModelVersion,
			HeightCm:     snapshot.HeightCm,
			UpdatedAt:    m.now().UTC().Format(time.RFC3339),
		}

		if profile, err := m.store.GetProfile(ctx, snapshot.ShopDomain, snapshot.Identity()); err == nil &&
			profile.HeightCm != nil {
			payload.HeightCm = profile.HeightCm
		}

		if snapshot.OutputKey != nil {
			mesh := m.cfg.AssetURLPrefix + *snapshot.OutputKey
			payload.MeshURL = &mesh
		}

		if err := m.publisher.PublishProfile(
			ctx, snapshot.ShopDomain, *snapshot.CustomerID, payload,
		); err != nil {
			log.WithError(err).Warn("Failed to publish profile to platform")

			return
		}

		log.Debug("Profile published to platform")
	}()
}

func (m *Manager) getRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := m.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	return run, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}
