package cloudevents

import (
	"context"
	"net/http"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/protocol"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/rs/zerolog"
)

// Inbound CloudEvent types §4.10 routes into instance commands.
const (
	TypeCollectionCompleted = "assessment.collection.completed"
	TypeGradingCompleted    = "assessment.grading.completed"
)

type assessmentPayload struct {
	InstanceID string   `json:"instance_id"`
	Score      *float64 `json:"score,omitempty"`
}

// Consumer accepts inbound CloudEvents over HTTP and routes them to
// instance transitions, deduplicating by event id.
type Consumer struct {
	instances *instance.Service
	coord     dedupStore
	logger    zerolog.Logger
}

// NewConsumer creates a Consumer. coord may be nil, disabling inbound
// dedup (every delivery is handled, idempotency aside).
func NewConsumer(instances *instance.Service, coord dedupStore) *Consumer {
	return &Consumer{instances: instances, coord: coord, logger: log.WithComponent("cloudevents.consumer")}
}

// Handler returns the http.Handler to mount at the CloudEvents ingress
// path.
func (c *Consumer) Handler() (http.Handler, error) {
	p, err := cehttp.New()
	if err != nil {
		return nil, err
	}
	return cloudevents.NewHTTPReceiveHandler(context.Background(), p, c.receive)
}

func (c *Consumer) receive(ctx context.Context, event cloudevents.Event) protocol.Result {
	return c.Receive(ctx, event)
}

// Receive processes one inbound CloudEvent directly, bypassing HTTP —
// used by the HTTP handler and exercised directly in tests.
func (c *Consumer) Receive(ctx context.Context, event cloudevents.Event) protocol.Result {
	now := time.Now()
	if c.coord != nil && c.coord.WasProcessed(event.ID(), now) {
		metrics.CloudEventsReceivedTotal.WithLabelValues(event.Type(), "duplicate").Inc()
		return cehttp.NewResult(http.StatusAccepted, "")
	}

	var outcome string
	switch event.Type() {
	case TypeCollectionCompleted:
		outcome = c.handleCollectionCompleted(event)
	case TypeGradingCompleted:
		outcome = c.handleGradingCompleted(event)
	default:
		outcome = "ignored"
	}
	metrics.CloudEventsReceivedTotal.WithLabelValues(event.Type(), outcome).Inc()

	if c.coord != nil {
		if err := c.coord.MarkProcessed(event.ID(), dedupTTL, now); err != nil {
			c.logger.Error().Err(err).Str("event_id", event.ID()).Msg("failed to record processed cloudevent")
		}
	}
	return cehttp.NewResult(http.StatusAccepted, "")
}

func (c *Consumer) handleCollectionCompleted(event cloudevents.Event) string {
	var payload assessmentPayload
	if err := event.DataAs(&payload); err != nil || payload.InstanceID == "" {
		c.logger.Warn().Err(err).Str("event_id", event.ID()).Msg("malformed assessment.collection.completed payload")
		return "malformed"
	}
	if err := c.instances.BeginGrading(payload.InstanceID); err != nil {
		c.logger.Error().Err(err).Str("instance_id", payload.InstanceID).Msg("begin grading failed")
		return "error"
	}
	return "ok"
}

func (c *Consumer) handleGradingCompleted(event cloudevents.Event) string {
	var payload assessmentPayload
	if err := event.DataAs(&payload); err != nil || payload.InstanceID == "" || payload.Score == nil {
		c.logger.Warn().Err(err).Str("event_id", event.ID()).Msg("malformed assessment.grading.completed payload")
		return "malformed"
	}
	if err := c.instances.RecordGrade(payload.InstanceID, *payload.Score); err != nil {
		c.logger.Error().Err(err).Str("instance_id", payload.InstanceID).Msg("record grade failed")
		return "error"
	}
	return "ok"
}
