package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/custodialabs/armorytrace/internal/anomaly/clustering"
	"github.com/custodialabs/armorytrace/internal/anomaly/ensemble"
	"github.com/custodialabs/armorytrace/internal/anomaly/features"
	"github.com/custodialabs/armorytrace/internal/anomaly/notify"
	"github.com/custodialabs/armorytrace/internal/anomaly/statistical"
	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/internal/anomaly/trainer"
	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/pkg/metrics"
	"github.com/custodialabs/armorytrace/pkg/models"
)

const modelType = "kmeans"

// scoreTimeout bounds one asynchronous scoring pass.
const scoreTimeout = 30 * time.Second

// Service is the anomaly detection orchestrator. Scoring is
// asynchronous and best-effort: custody recording never waits on it and
// never fails because of it.
type Service interface {
	// ScoreEvent runs the full pipeline for one custody event and
	// persists the verdict. A pipeline failure yields a degraded
	// zero-score verdict rather than an error.
	ScoreEvent(ctx context.Context, eventID uuid.UUID) (*models.AnomalyVerdict, error)

	// Enqueue submits an event for background scoring. Returns false
	// when the queue is full; the event is dropped, not blocked on.
	Enqueue(eventID uuid.UUID) bool

	// Start launches the background scoring workers.
	Start()
	// Stop drains the queue and stops the workers.
	Stop()

	// RunTraining trains and activates a new clustering model.
	RunTraining(ctx context.Context) (*models.AnomalyModel, error)
	// CheckRetrain evaluates whether the active model needs retraining.
	CheckRetrain(ctx context.Context) (*trainer.RetrainDecision, error)
	// Performance reports review-based quality of the active model.
	Performance(ctx context.Context, since time.Time) (*trainer.Performance, error)

	// ListVerdicts pages persisted verdicts, optionally by severity.
	ListVerdicts(ctx context.Context, severity models.Severity, limit, offset int) ([]models.AnomalyVerdict, int64, error)
}

type service struct {
	history   *store.HistoryStore
	modelsDB  *store.ModelStore
	extractor *features.Extractor
	detector  *statistical.Detector
	scorer    *ensemble.Scorer
	trainer   *trainer.Trainer
	notifier  *notify.Notifier
	logger    *zap.Logger

	workers int
	queue   chan uuid.UUID
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewService wires the detection pipeline together.
func NewService(
	history *store.HistoryStore,
	modelsDB *store.ModelStore,
	tr *trainer.Trainer,
	notifier *notify.Notifier,
	cfg config.AnomalyConfig,
	logger *zap.Logger,
) Service {
	return &service{
		history:   history,
		modelsDB:  modelsDB,
		extractor: features.NewExtractor(history, logger),
		detector:  statistical.NewDetector(),
		scorer:    ensemble.NewScorer(cfg, logger),
		trainer:   tr,
		notifier:  notifier,
		logger:    logger,
		workers:   cfg.Workers,
		queue:     make(chan uuid.UUID, cfg.QueueSize),
	}
}

func (s *service) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("anomaly scoring workers started",
		zap.Int("workers", s.workers),
		zap.Int("queue_capacity", cap(s.queue)))
}

func (s *service) Stop() {
	s.stop.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
	s.logger.Info("anomaly scoring workers stopped")
}

func (s *service) Enqueue(eventID uuid.UUID) bool {
	select {
	case s.queue <- eventID:
		return true
	default:
		metrics.EventsScored.WithLabelValues("dropped").Inc()
		s.logger.Warn("scoring queue full, event dropped",
			zap.String("event_id", eventID.String()))
		return false
	}
}

func (s *service) worker(id int) {
	defer s.wg.Done()
	for eventID := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), scoreTimeout)
		if _, err := s.ScoreEvent(ctx, eventID); err != nil {
			s.logger.Error("background scoring failed",
				zap.Int("worker", id),
				zap.String("event_id", eventID.String()),
				zap.Error(err))
		}
		cancel()
	}
}

func (s *service) ScoreEvent(ctx context.Context, eventID uuid.UUID) (*models.AnomalyVerdict, error) {
	start := time.Now()
	defer func() {
		metrics.ScoringLatency.Observe(time.Since(start).Seconds())
	}()

	event, err := s.history.EventByID(ctx, eventID)
	if err != nil {
		metrics.EventsScored.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load custody event: %w", err)
	}

	record, err := s.extractor.Extract(ctx, event)
	if err != nil {
		return s.degradedVerdict(ctx, event, err), nil
	}

	model, err := s.modelsDB.ActiveModel(ctx, modelType)
	if err != nil {
		s.logger.Warn("active model unavailable, scoring without clustering",
			zap.Error(err))
		model = nil
	}

	var clusterRes *clustering.Result
	var statRes *statistical.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if model == nil {
			return nil
		}
		res, err := clustering.Predict(model, features.Vector(record))
		if err != nil {
			// Undecodable artifact degrades to rule-only scoring.
			s.logger.Warn("clustering prediction failed",
				zap.String("model_id", model.ID.String()),
				zap.Error(err))
			return nil
		}
		clusterRes = res
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		default:
		}
		statRes = s.detector.Detect(record)
		return nil
	})
	if err := g.Wait(); err != nil {
		return s.degradedVerdict(ctx, event, err), nil
	}

	outcome := s.scorer.Score(record, clusterRes, statRes)
	verdict := s.buildVerdict(event, model, clusterRes, statRes, outcome)

	if err := s.history.SaveVerdict(ctx, verdict); err != nil {
		s.logger.Error("failed to persist verdict",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
	}

	outcomeLabel := "normal"
	if verdict.IsAnomaly {
		outcomeLabel = "anomaly"
		metrics.AnomaliesBySeverity.WithLabelValues(string(verdict.Severity)).Inc()
		s.logger.Info("anomalous custody event detected",
			zap.String("event_id", eventID.String()),
			zap.String("anomaly_type", verdict.AnomalyType),
			zap.String("severity", string(verdict.Severity)),
			zap.Float64("score", verdict.AnomalyScore),
			zap.Float64("confidence", verdict.Confidence))
	}
	metrics.EventsScored.WithLabelValues(outcomeLabel).Inc()

	if s.notifier != nil {
		s.notifier.Notify(ctx, verdict, record)
	}

	return verdict, nil
}

// degradedVerdict records that scoring could not complete. The event
// stays visible to reviewers with a zero score instead of silently
// disappearing.
func (s *service) degradedVerdict(ctx context.Context, event *models.CustodyEvent, cause error) *models.AnomalyVerdict {
	metrics.EventsScored.WithLabelValues("degraded").Inc()
	s.logger.Error("scoring degraded",
		zap.String("event_id", event.ID.String()),
		zap.Error(cause))

	verdict := &models.AnomalyVerdict{
		ID:           uuid.New(),
		EventID:      event.ID,
		FirearmID:    event.FirearmID,
		OfficerID:    event.OfficerID,
		UnitID:       event.UnitID,
		IsAnomaly:    false,
		AnomalyScore: 0,
		Confidence:   0,
		Severity:     models.SeverityLow,
		ScoringError: cause.Error(),
	}
	if err := s.history.SaveVerdict(ctx, verdict); err != nil {
		s.logger.Error("failed to persist degraded verdict",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
	return verdict
}

func (s *service) buildVerdict(
	event *models.CustodyEvent,
	model *models.AnomalyModel,
	clusterRes *clustering.Result,
	statRes *statistical.Result,
	outcome *ensemble.Outcome,
) *models.AnomalyVerdict {
	verdict := &models.AnomalyVerdict{
		ID:              uuid.New(),
		EventID:         event.ID,
		FirearmID:       event.FirearmID,
		OfficerID:       event.OfficerID,
		UnitID:          event.UnitID,
		IsAnomaly:       outcome.IsAnomaly,
		AnomalyScore:    outcome.Score,
		Confidence:      outcome.Confidence,
		Severity:        outcome.Severity,
		AnomalyType:     outcome.AnomalyType,
		MandatoryReview: outcome.MandatoryReview,
	}
	if model != nil {
		id := model.ID
		verdict.ModelID = &id
	}
	verdict.FeatureImportanceJSON = encodeJSON(outcome.FeatureImportance)
	verdict.ContributingFactorsJSON = encodeJSON(outcome.ContributingFactors)
	if clusterRes != nil {
		verdict.ClusteringJSON = encodeJSON(clusterRes)
	}
	if statRes != nil {
		verdict.StatisticalJSON = encodeJSON(statRes)
	}
	return verdict
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *service) RunTraining(ctx context.Context) (*models.AnomalyModel, error) {
	return s.trainer.Train(ctx)
}

func (s *service) CheckRetrain(ctx context.Context) (*trainer.RetrainDecision, error) {
	return s.trainer.NeedsRetrain(ctx)
}

func (s *service) Performance(ctx context.Context, since time.Time) (*trainer.Performance, error) {
	return s.trainer.ActivePerformance(ctx, since)
}

func (s *service) ListVerdicts(ctx context.Context, severity models.Severity, limit, offset int) ([]models.AnomalyVerdict, int64, error) {
	return s.history.ListVerdicts(ctx, severity, limit, offset)
}
