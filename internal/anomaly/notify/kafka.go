package notify

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/pkg/metrics"
	"github.com/custodialabs/armorytrace/pkg/models"
)

const maxFactorsPerAlert = 3

// Alert is the wire payload published for anomalous verdicts.
type Alert struct {
	VerdictID           string            `json:"verdict_id"`
	EventID             string            `json:"event_id"`
	FirearmID           string            `json:"firearm_id"`
	OfficerID           string            `json:"officer_id"`
	UnitID              string            `json:"unit_id"`
	Severity            string            `json:"severity"`
	AnomalyType         string            `json:"anomaly_type"`
	Score               float64           `json:"score"`
	Confidence          float64           `json:"confidence"`
	MandatoryReview     bool              `json:"mandatory_review"`
	IsCrossUnitTransfer bool              `json:"is_cross_unit_transfer"`
	BallisticAccess     bool              `json:"ballistic_access"`
	TopFactors          map[string]string `json:"top_factors,omitempty"`
	DetectedAt          time.Time         `json:"detected_at"`
}

// Notifier publishes anomaly alerts to Kafka. Publication is
// best-effort: a broker failure is logged and swallowed so scoring is
// never blocked on the alert path.
type Notifier struct {
	writer      *kafka.Writer
	minSeverity models.Severity
	logger      *zap.Logger
}

// NewNotifier builds a Kafka-backed notifier, or a disabled one when
// the broker is not configured.
func NewNotifier(cfg config.KafkaConfig, minSeverity models.Severity, logger *zap.Logger) *Notifier {
	n := &Notifier{minSeverity: minSeverity, logger: logger}
	if !cfg.Enabled {
		logger.Info("alert notifier disabled")
		return n
	}
	n.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return n
}

// Notify publishes an alert for the verdict when it is anomalous and at
// or above the configured severity. Messages are keyed by firearm so
// alerts for one weapon stay ordered.
func (n *Notifier) Notify(ctx context.Context, verdict *models.AnomalyVerdict, record *models.FeatureRecord) {
	if n.writer == nil {
		return
	}
	if !verdict.IsAnomaly || verdict.Severity.Rank() < n.minSeverity.Rank() {
		return
	}

	alert := buildAlert(verdict, record)

	payload, err := json.Marshal(alert)
	if err != nil {
		n.logger.Error("failed to encode alert", zap.Error(err))
		metrics.AlertsPublished.WithLabelValues("error").Inc()
		return
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.FirearmID.String()),
		Value: payload,
	})
	if err != nil {
		n.logger.Error("failed to publish alert",
			zap.String("verdict_id", alert.VerdictID),
			zap.Error(err))
		metrics.AlertsPublished.WithLabelValues("error").Inc()
		return
	}

	metrics.AlertsPublished.WithLabelValues("success").Inc()
	n.logger.Info("anomaly alert published",
		zap.String("verdict_id", alert.VerdictID),
		zap.String("severity", alert.Severity),
		zap.String("anomaly_type", alert.AnomalyType))
}

// Close flushes and closes the underlying writer.
func (n *Notifier) Close() error {
	if n.writer == nil {
		return nil
	}
	return n.writer.Close()
}

// buildAlert assembles the wire payload from the verdict and the
// feature record it was scored on.
func buildAlert(verdict *models.AnomalyVerdict, record *models.FeatureRecord) Alert {
	alert := Alert{
		VerdictID:           verdict.ID.String(),
		EventID:             verdict.EventID.String(),
		FirearmID:           record.FirearmID.String(),
		OfficerID:           record.OfficerID.String(),
		UnitID:              record.UnitID.String(),
		Severity:            string(verdict.Severity),
		AnomalyType:         verdict.AnomalyType,
		Score:               verdict.AnomalyScore,
		Confidence:          verdict.Confidence,
		MandatoryReview:     verdict.MandatoryReview,
		IsCrossUnitTransfer: record.IsCrossUnitTransfer,
		BallisticAccess:     record.AccessBeforeCustody || record.AccessDuringCustody || record.AccessAfterCustody,
		DetectedAt:          verdict.CreatedAt,
	}
	if factors, err := verdict.ContributingFactors(); err == nil {
		importance, _ := verdict.FeatureImportance()
		alert.TopFactors = topFactors(factors, importance, maxFactorsPerAlert)
	}
	return alert
}

// topFactors keeps the k highest-importance factor descriptions.
func topFactors(factors map[string]string, importance map[string]float64, k int) map[string]string {
	if len(factors) <= k {
		return factors
	}
	names := make([]string, 0, len(factors))
	for name := range factors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if importance[names[i]] != importance[names[j]] {
			return importance[names[i]] > importance[names[j]]
		}
		return names[i] < names[j]
	})
	top := make(map[string]string, k)
	for _, name := range names[:k] {
		top[name] = factors[name]
	}
	return top
}
