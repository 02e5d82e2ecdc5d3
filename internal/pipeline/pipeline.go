package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nlfolio/converter/internal/models"
	"github.com/nlfolio/converter/internal/pipeline/station"
	"github.com/nlfolio/converter/internal/pipeline/worker"
	"github.com/nlfolio/converter/internal/transform/page"
	"github.com/nlfolio/converter/internal/transform/pagecount"
	"github.com/nlfolio/converter/internal/transform/render"
	"github.com/nlfolio/converter/internal/transform/spec"
	"github.com/nlfolio/converter/pkg/logger"
	"github.com/nlfolio/converter/pkg/router"
	"github.com/nlfolio/converter/pkg/storage"
)

// Config 流水线配置
type Config struct {
	Extractor       page.Extractor
	WorkerRetries   int
	RetryBaseDelay  time.Duration
	Concurrency     int
	JoinTimeout     time.Duration
	TombstoneWindow time.Duration
	Instance        string
}

// Pipeline wires the conversion stages together over the router:
//
//	jobs.pagecount -> results.pagecount      (pagecount worker)
//	results.pagecount -> jobs.page x N       (folio station fan-out)
//	jobs.page -> results.page                (page workers)
//	results.page x N -> results.folio        (folio station fan-in)
//	results.folio -> jobs.spec               (folio station)
//	jobs.spec -> results.spec                (spec worker)
//	results.spec -> jobs.render              (relay)
//	jobs.render -> results.render            (render worker)
//
// A failure at any stage escalates on failures.<stage> and fails the
// document exactly once.
type Pipeline struct {
	cfg    Config
	router router.Router
	store  storage.Store
	logger logger.Logger

	workers []*worker.Worker
	folio   *station.Station
	relay   *worker.Relay
}

func New(cfg Config, r router.Router, store storage.Store, log logger.Logger) *Pipeline {
	if cfg.Extractor == nil {
		cfg.Extractor = page.NewPDFTextExtractor()
	}

	p := &Pipeline{
		cfg:    cfg,
		router: r,
		store:  store,
		logger: log.Named("pipeline"),
	}

	workerCfg := func(stage string) worker.Config {
		return worker.Config{
			Stage:          stage,
			MaxRetries:     cfg.WorkerRetries,
			RetryBaseDelay: cfg.RetryBaseDelay,
			Concurrency:    cfg.Concurrency,
			Instance:       cfg.Instance,
		}
	}

	p.workers = []*worker.Worker{
		worker.New(workerCfg(models.StagePageCount), pagecount.New(store, log), r, log),
		worker.New(workerCfg(models.StagePage), page.New(store, cfg.Extractor, log), r, log),
		worker.New(workerCfg(models.StageSpec), spec.New(store, log), r, log),
		worker.New(workerCfg(models.StageRender), render.New(store, log), r, log),
	}

	p.folio = station.New(
		station.Config{
			Name:               models.StageFolio,
			CardinalityPattern: models.ResultsPattern(models.StagePageCount),
			ChildPattern:       models.ResultsPattern(models.StagePage),
			FailurePatterns: []string{
				models.FailuresPattern(models.StagePageCount),
				models.FailuresPattern(models.StagePage),
			},
			Timeout:         cfg.JoinTimeout,
			TombstoneWindow: cfg.TombstoneWindow,
		},
		station.Callbacks{
			ExtractCardinality: extractPageCount,
			FanOut:             p.fanOutPages,
			Complete:           p.completeFolio,
			Failed:             p.failDocument,
		},
		r, log,
	)

	p.relay = worker.NewRelay("spec-render",
		models.ResultsPattern(models.StageSpec),
		translateSpecResult,
		r, log,
	)

	return p
}

// Start brings up the station before the workers so no result can slip
// past an unsubscribed join point.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.folio.Start(ctx); err != nil {
		return fmt.Errorf("failed to start folio station: %w", err)
	}
	if err := p.relay.Start(ctx); err != nil {
		p.Stop()
		return fmt.Errorf("failed to start relay: %w", err)
	}
	for _, w := range p.workers {
		if err := w.Start(ctx); err != nil {
			p.Stop()
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	p.logger.Info("Pipeline started", logger.Int("workers", len(p.workers)))
	return nil
}

// Stop detaches all components, workers first so the station can still
// consume in-flight results.
func (p *Pipeline) Stop() error {
	for _, w := range p.workers {
		w.Stop()
	}
	p.relay.Stop()
	p.folio.Stop()
	p.logger.Info("Pipeline stopped")
	return nil
}

// Folio exposes the join station for introspection.
func (p *Pipeline) Folio() *station.Station { return p.folio }

func extractPageCount(msg models.ResultMessage) (int, bool) {
	if msg.Stage != models.StagePageCount || msg.PageCount < 0 {
		return 0, false
	}
	return msg.PageCount, true
}

// fanOutPages publishes one page job per ordinal. The source location and
// target type ride on the cardinality result.
func (p *Pipeline) fanOutPages(ctx context.Context, docID string, cardMsg models.ResultMessage) error {
	for n := 0; n < cardMsg.PageCount; n++ {
		job := models.JobMessage{
			DocumentID:    docID,
			Stage:         models.StagePage,
			Ordinal:       n,
			InputLocation: cardMsg.OutputLocation,
			TargetType:    cardMsg.TargetType,
			PageCount:     cardMsg.PageCount,
			SubmittedAt:   time.Now().UTC(),
		}
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal page job %d: %w", n, err)
		}
		if err := p.router.Publish(ctx, models.JobKey(models.StagePage, docID, n), payload); err != nil {
			return fmt.Errorf("failed to publish page job %d: %w", n, err)
		}
	}
	p.logger.Info("Fanned out page jobs",
		logger.String("documentId", docID),
		logger.Int("pages", cardMsg.PageCount),
	)
	return nil
}

// completeFolio assembles the folio from the collected page results,
// stores it and hands the document to the spec stage.
func (p *Pipeline) completeFolio(ctx context.Context, docID string, cardMsg models.ResultMessage, children []models.ResultMessage) error {
	folio := models.Folio{
		DocumentID: docID,
		PageCount:  cardMsg.PageCount,
		Pages:      make([]models.Page, 0, len(children)),
	}
	for _, child := range children {
		if child.Page == nil {
			return fmt.Errorf("page result %d for document %s carries no page", child.Ordinal, docID)
		}
		folio.Pages = append(folio.Pages, *child.Page)
	}

	encoded, err := json.Marshal(folio)
	if err != nil {
		return fmt.Errorf("failed to encode folio: %w", err)
	}

	location, err := p.store.Put(ctx, models.FolioKey(docID), bytes.NewReader(encoded), int64(len(encoded)), string(models.ContentTypeJSON))
	if err != nil {
		return fmt.Errorf("failed to store folio: %w", err)
	}

	result := models.ResultMessage{
		DocumentID:     docID,
		Stage:          models.StageFolio,
		Ordinal:        -1,
		PageCount:      folio.PageCount,
		OutputLocation: location,
		TargetType:     cardMsg.TargetType,
		CompletedAt:    time.Now().UTC(),
	}
	resultPayload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal folio result: %w", err)
	}
	if err := p.router.Publish(ctx, models.ResultKey(models.StageFolio, docID, -1), resultPayload); err != nil {
		return fmt.Errorf("failed to publish folio result: %w", err)
	}

	job := models.JobMessage{
		DocumentID:    docID,
		Stage:         models.StageSpec,
		Ordinal:       -1,
		InputLocation: location,
		TargetType:    cardMsg.TargetType,
		SubmittedAt:   time.Now().UTC(),
	}
	jobPayload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal spec job: %w", err)
	}
	if err := p.router.Publish(ctx, models.JobKey(models.StageSpec, docID, -1), jobPayload); err != nil {
		return fmt.Errorf("failed to publish spec job: %w", err)
	}
	return nil
}

// failDocument escalates a station failure on the folio failure key, which
// the notifier turns into the document's terminal error event.
func (p *Pipeline) failDocument(ctx context.Context, docID string, cause error) error {
	failure := models.FailureMessage{
		DocumentID: docID,
		Stage:      models.StageFolio,
		Ordinal:    -1,
		Reason:     cause.Error(),
		FailedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("failed to marshal failure: %w", err)
	}
	return p.router.Publish(ctx, models.FailureKey(models.StageFolio, docID, -1), payload)
}

// translateSpecResult turns a spec result into the render job that
// consumes it.
func translateSpecResult(d router.Delivery) (string, []byte, bool) {
	var result models.ResultMessage
	if err := json.Unmarshal(d.Payload, &result); err != nil || result.DocumentID == "" {
		return "", nil, false
	}

	job := models.JobMessage{
		DocumentID:    result.DocumentID,
		Stage:         models.StageRender,
		Ordinal:       -1,
		InputLocation: result.OutputLocation,
		TargetType:    result.TargetType,
		SubmittedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", nil, false
	}
	return models.JobKey(models.StageRender, result.DocumentID, -1), payload, true
}
