// Package pipeline drives one job from a shared link to a stored, delivered
// note: parse, three provider-backed stages, persist, deliver.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/vidnote/internal/media"
	"github.com/kalambet/vidnote/internal/prompts"
	"github.com/kalambet/vidnote/internal/provider"
	"github.com/kalambet/vidnote/internal/render"
	"github.com/kalambet/vidnote/internal/session"
	"github.com/kalambet/vidnote/internal/storage"
)

const (
	defaultWorkers      = 4
	defaultStageTimeout = 240 * time.Second
	defaultCancelGrace  = 10 * time.Second
)

// Parser resolves a link to media.
type Parser interface {
	Parse(ctx context.Context, link string) (media.Info, error)
}

// Invoker runs one logical provider call with failover.
type Invoker interface {
	Invoke(ctx context.Context, p provider.Payload, timeout time.Duration) (provider.Result, error)
}

// Providers holds one Invoker per stage.
type Providers struct {
	Transcribe Invoker
	Critique   Invoker
	Synthesize Invoker
}

// Store is the subset of the knowledge store the pipeline writes to.
type Store interface {
	PutNote(ctx context.Context, n storage.Note) error
	CodeExists(ctx context.Context, code string) (bool, error)
	FindNoteByTitleAuthor(ctx context.Context, title, author string) (storage.Note, error)
	RecordJob(ctx context.Context, j storage.JobRecord) error
}

// Spool keeps notes that could not be persisted.
type Spool interface {
	Save(n storage.Note) error
}

// Renderer turns a note into a document.
type Renderer interface {
	Render(n storage.Note) (render.Document, error)
}

// Deliverer sends a document to a conversation.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, filename string, data []byte) error
}

// Notifier sends a text message to a conversation.
type Notifier interface {
	Notify(ctx context.Context, conversationID, text string) error
}

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Parser    Parser
	Providers Providers
	Prompts   *prompts.Catalogue
	Store     Store
	Spool     Spool
	Renderer  Renderer
	Deliverer Deliverer
	Notifier  Notifier
}

func (d Deps) validate() error {
	switch {
	case d.Parser == nil:
		return errors.New("pipeline: parser is required")
	case d.Providers.Transcribe == nil || d.Providers.Critique == nil || d.Providers.Synthesize == nil:
		return errors.New("pipeline: a provider is required for every stage")
	case d.Prompts == nil:
		return errors.New("pipeline: prompt catalogue is required")
	case d.Store == nil:
		return errors.New("pipeline: store is required")
	case d.Spool == nil:
		return errors.New("pipeline: spool is required")
	case d.Renderer == nil || d.Deliverer == nil || d.Notifier == nil:
		return errors.New("pipeline: renderer, deliverer and notifier are required")
	}
	return nil
}

// Orchestrator runs jobs on a bounded worker pool. It is safe for concurrent
// use.
type Orchestrator struct {
	deps         Deps
	pool         *ants.Pool
	workers      int
	stageTimeout time.Duration
	cancelGrace  time.Duration
	language     string
	now          func() time.Time
	onFinish     func(Outcome)
	logger       *slog.Logger
	tracer       trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets how many jobs may run at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithStageTimeout bounds each provider HTTP attempt.
func WithStageTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

// WithLanguage fixes the language notes are written in. By default notes
// follow the language spoken in the video.
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = strings.TrimSpace(lang) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNow replaces the clock used for note and job timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithOnFinish registers a callback run after every dispatched job reaches
// a terminal stage.
func WithOnFinish(f func(Outcome)) Option {
	return func(o *Orchestrator) { o.onFinish = f }
}

// New creates an Orchestrator. Call Shutdown to release its workers.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		deps:         deps,
		workers:      defaultWorkers,
		stageTimeout: defaultStageTimeout,
		cancelGrace:  defaultCancelGrace,
		now:          time.Now,
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/kalambet/vidnote/internal/pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "pipeline")

	pool, err := ants.NewPool(o.workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	o.pool = pool
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Dispatch queues job for execution and returns without waiting. It
// implements session.Dispatcher.
func (o *Orchestrator) Dispatch(job session.Job) {
	o.wg.Add(1)
	queued := o.newRecord(job)
	o.record(o.baseCtx, &queued)

	// Submission blocks while every worker is busy; the caller must not.
	go func() {
		err := o.pool.Submit(func() {
			defer o.wg.Done()
			out := o.Run(o.baseCtx, job)
			if o.onFinish != nil {
				o.onFinish(out)
			}
		})
		if err != nil {
			defer o.wg.Done()
			o.logger.Error("job rejected by worker pool", "job_id", job.ID, "error", err)
			rec := o.newRecord(job)
			out := o.fail(o.baseCtx, &rec, fmt.Errorf("%w: %v", ErrInternal, err))
			if o.onFinish != nil {
				o.onFinish(out)
			}
		}
	}()
}

// Wait blocks until every dispatched job has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Running returns the number of jobs currently executing.
func (o *Orchestrator) Running() int { return o.pool.Running() }

// Shutdown waits for dispatched jobs until ctx is done, then cancels the
// remainder and releases the pool. Cancelled jobs get cancelGrace to unwind,
// which is when a finished but unpersisted note reaches the spool, so the
// store and spool must stay open until Shutdown returns.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		o.cancel()
		select {
		case <-done:
		case <-time.After(o.cancelGrace):
			o.logger.Error("jobs still running after cancellation", "running", o.pool.Running())
		}
	}
	o.cancel()
	o.pool.Release()
	return err
}

func (o *Orchestrator) newRecord(job session.Job) storage.JobRecord {
	return storage.JobRecord{
		ID:             job.ID,
		ConversationID: job.ConversationID,
		Link:           job.Link,
		Instructions:   strings.Join(job.Instructions, "\n"),
		Stage:          string(StageParsing),
		CreatedAt:      job.CreatedAt,
	}
}

// Run executes job synchronously and always returns a terminal Outcome.
func (o *Orchestrator) Run(ctx context.Context, job session.Job) (out Outcome) {
	rec := o.newRecord(job)
	logger := o.logger.With("job_id", job.ID, "conversation", job.ConversationID)

	ctx, span := o.tracer.Start(ctx, "pipeline.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.conversation", job.ConversationID),
		attribute.Int("job.instructions", len(job.Instructions)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panic", "stage", rec.Stage, "panic", r, "stack", string(debug.Stack()))
			out = o.fail(ctx, &rec, fmt.Errorf("%w: panic: %v", ErrInternal, r))
		}
		if out.Stage == StageFailed {
			span.SetStatus(codes.Error, out.Err.Error())
		}
	}()

	logger.Info("job started", "link", job.Link)

	// PARSING
	o.advance(ctx, &rec, StageParsing)
	info, err := o.parse(ctx, job.Link)
	if err != nil {
		return o.fail(ctx, &rec, err)
	}
	code := newCode(ctx, o.deps.Store.CodeExists)
	o.notify(ctx, job.ConversationID, ackMessage(info, code))
	if prior, ok := o.similarNote(ctx, info); ok {
		o.notify(ctx, job.ConversationID, similarNoteMessage(prior))
	}

	in := prompts.Input{
		Title:        info.Title,
		Author:       info.Author,
		Instructions: job.Instructions,
		Language:     o.language,
	}
	if d := info.Duration(); d > 0 {
		in.Duration = d.Round(time.Second).String()
	}

	// STAGE1..3; each consumes only its predecessors' output.
	r1, err := o.runStage(ctx, &rec, stageCall{
		stage: StageTranscribe, index: 1, role: prompts.RoleTranscribe,
		invoker: o.deps.Providers.Transcribe, input: in, mediaURI: info.MediaURI,
	})
	if err != nil {
		return o.fail(ctx, &rec, err)
	}

	in.Transcript = r1.Output
	r2, err := o.runStage(ctx, &rec, stageCall{
		stage: StageCritique, index: 2, role: prompts.RoleCritique,
		invoker: o.deps.Providers.Critique, input: in,
	})
	if err != nil {
		return o.fail(ctx, &rec, err)
	}

	in.Critique = r2.Output
	r3, err := o.runStage(ctx, &rec, stageCall{
		stage: StageSynthesize, index: 3, role: prompts.RoleSynthesize,
		invoker: o.deps.Providers.Synthesize, input: in,
	})
	if err != nil {
		return o.fail(ctx, &rec, err)
	}

	note := storage.Note{
		ID:             uuid.NewString(),
		Code:           code,
		ConversationID: job.ConversationID,
		SourceLink:     job.Link,
		Title:          noteTitle(info.Title, r3.Output),
		Author:         info.Author,
		BodyMarkdown:   r3.Output,
		Tags:           extractTags(r3.Output),
		Instructions:   strings.Join(job.Instructions, "\n"),
		CreatedAt:      o.now().UTC(),
		StageResults:   []storage.StageResult{r1, r2, r3},
	}

	// PERSISTING
	o.advance(ctx, &rec, StagePersisting)
	if err := o.persist(ctx, &note); err != nil {
		return o.fail(ctx, &rec, err)
	}
	rec.NoteID = note.ID

	// DELIVERING
	o.advance(ctx, &rec, StageDelivering)
	deliveryErr := o.deliver(ctx, note)

	o.advance(ctx, &rec, StageDone)
	logger.Info("job done", "note_id", note.ID, "code", note.Code, "delivered", deliveryErr == nil)
	return Outcome{JobID: job.ID, Stage: StageDone, Note: &note, DeliveryErr: deliveryErr}
}

type stageCall struct {
	stage    Stage
	index    int
	role     string
	invoker  Invoker
	input    prompts.Input
	mediaURI string
}

func (o *Orchestrator) runStage(ctx context.Context, rec *storage.JobRecord, c stageCall) (storage.StageResult, error) {
	o.advance(ctx, rec, c.stage)
	if msg, ok := progressMessages[c.stage]; ok {
		o.notify(ctx, rec.ConversationID, msg)
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", string(c.stage)),
		attribute.String("stage.role", c.role),
	))
	defer span.End()

	p, err := o.deps.Prompts.Get(c.role)
	if err != nil {
		return storage.StageResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	user, err := p.Render(c.input)
	if err != nil {
		return storage.StageResult{}, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	res, err := c.invoker.Invoke(ctx, provider.Payload{
		System:      p.System,
		User:        user,
		MediaURI:    c.mediaURI,
		Search:      p.Search,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}, o.stageTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storage.StageResult{}, fmt.Errorf("%s: %w", strings.ToLower(string(c.stage)), err)
	}

	span.SetAttributes(
		attribute.String("stage.provider", string(res.Provider)),
		attribute.Int("stage.attempts", res.Attempts),
	)
	o.logger.Debug("stage complete", "job_id", rec.ID, "stage", c.stage,
		"provider", res.Provider, "attempts", res.Attempts, "latency", res.Latency)

	return storage.StageResult{
		Stage:    c.index,
		Provider: string(res.Provider),
		Attempts: res.Attempts,
		Output:   res.Output,
		Latency:  res.Latency,
	}, nil
}

func (o *Orchestrator) parse(ctx context.Context, link string) (media.Info, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.parse")
	defer span.End()

	info, err := o.deps.Parser.Parse(ctx, link)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return media.Info{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return info, nil
}

// similarNote finds an earlier note for the same video. Notes are never
// replaced, so a match only earns the user a pointer to it.
func (o *Orchestrator) similarNote(ctx context.Context, info media.Info) (storage.Note, bool) {
	prior, err := o.deps.Store.FindNoteByTitleAuthor(ctx, info.Title, info.Author)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.logger.Warn("looking up similar note failed", "title", info.Title, "error", err)
		}
		return storage.Note{}, false
	}
	return prior, true
}

// persist writes the note, retrying once. On a second failure the note goes
// to the recovery spool. The note's code may change if the drawn one was
// taken in the meantime.
func (o *Orchestrator) persist(ctx context.Context, note *storage.Note) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	err := o.putNote(ctx, note)
	if err != nil {
		o.logger.Warn("persisting note failed, retrying", "note_id", note.ID, "error", err)
		err = o.putNote(ctx, note)
	}
	if err == nil {
		return nil
	}

	span.RecordError(err)
	spoolErr := o.deps.Spool.Save(*note)
	o.logger.Error("note not persisted",
		"note_id", note.ID, "code", note.Code, "data_loss_risk", true,
		"spooled", spoolErr == nil, "error", err, "spool_error", spoolErr)
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// putNote writes note, drawing a fresh code while its code is held by
// another note.
func (o *Orchestrator) putNote(ctx context.Context, note *storage.Note) error {
	err := o.deps.Store.PutNote(ctx, *note)
	for i := 0; errors.Is(err, storage.ErrCodeTaken) && i < maxCodeTries; i++ {
		taken := note.Code
		note.Code = newCode(ctx, o.deps.Store.CodeExists)
		o.logger.Warn("note code taken, drawing another", "note_id", note.ID, "code", taken, "new_code", note.Code)
		err = o.deps.Store.PutNote(ctx, *note)
	}
	return err
}

// deliver is best-effort. When rendering fails the note body is sent as text.
func (o *Orchestrator) deliver(ctx context.Context, note storage.Note) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.deliver")
	defer span.End()

	doc, err := o.deps.Renderer.Render(note)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRender, err)
		o.logger.Warn("render failed, sending text instead", "note_id", note.ID, "error", err)
		if nerr := o.deps.Notifier.Notify(ctx, note.ConversationID, note.BodyMarkdown); nerr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %v", ErrDelivery, nerr))
		}
		span.RecordError(err)
		return err
	}

	if err := o.deps.Deliverer.Deliver(ctx, note.ConversationID, doc.Filename, doc.Content); err != nil {
		err = fmt.Errorf("%w: %v", ErrDelivery, err)
		o.logger.Warn("delivery failed; note remains stored", "note_id", note.ID, "error", err)
		span.RecordError(err)
		return err
	}
	return nil
}

// fail moves the job to FAILED, logs by category and tells the user.
func (o *Orchestrator) fail(ctx context.Context, rec *storage.JobRecord, err error) Outcome {
	failedAt := Stage(rec.Stage)
	rec.LastError = err.Error()

	attrs := []any{"job_id", rec.ID, "stage", failedAt, "error", err}
	switch {
	case errors.Is(err, provider.ErrProviderFatal):
		o.logger.Error("job failed", append(attrs, "misconfiguration", true)...)
	case errors.Is(err, provider.ErrProviderExhausted), errors.Is(err, ErrParse):
		o.logger.Warn("job failed", attrs...)
	default:
		o.logger.Error("job failed", attrs...)
	}

	o.advance(ctx, rec, StageFailed)
	o.notify(ctx, rec.ConversationID, failureMessage(err))
	return Outcome{JobID: rec.ID, Stage: StageFailed, FailedAt: failedAt, Err: err}
}

func (o *Orchestrator) advance(ctx context.Context, rec *storage.JobRecord, s Stage) {
	rec.Stage = string(s)
	o.record(ctx, rec)
}

// record writes the job's progress. Failures are logged and never stop the job.
func (o *Orchestrator) record(ctx context.Context, rec *storage.JobRecord) {
	rec.UpdatedAt = o.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := o.deps.Store.RecordJob(context.WithoutCancel(ctx), *rec); err != nil {
		o.logger.Warn("recording job progress failed", "job_id", rec.ID, "stage", rec.Stage, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, conversationID, text string) {
	if err := o.deps.Notifier.Notify(context.WithoutCancel(ctx), conversationID, text); err != nil {
		o.logger.Warn("notifying conversation failed", "conversation", conversationID, "error", err)
	}
}
