package cloudevents

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	retry "github.com/avast/retry-go"
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// publishRateLimit caps how fast the publisher sends to the external
// sink, independent of how fast the bus produces events, so a burst of
// aggregate writes can't hammer a slow or rate-limited collector.
const publishRateLimit = rate.Limit(50)
const publishBurst = 50

// dedupTTL bounds how long a published (or received) event id is
// remembered for dedup, per §6's default.
const dedupTTL = 24 * time.Hour

// Publisher republishes every event the bus emits as an outbound
// CloudEvent, retrying transient send failures with capped exponential
// backoff and deduplicating by event id across restarts.
type Publisher struct {
	client  cloudevents.Client
	sinkURL string
	source  string
	coord   dedupStore
	bus     *events.Broker
	retry   config.RetryConfig
	sub     events.Subscriber
	doneCh  chan struct{}
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// NewPublisher creates a Publisher that sends to sinkURL, tagging
// outbound events with source. coord may be nil, disabling outbound
// dedup (every event is sent, retried failures aside).
func NewPublisher(bus *events.Broker, coord dedupStore, sinkURL, source string, retryCfg config.RetryConfig) (*Publisher, error) {
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, err
	}
	return newPublisher(client, bus, coord, sinkURL, source, retryCfg), nil
}

func newPublisher(client cloudevents.Client, bus *events.Broker, coord dedupStore, sinkURL, source string, retryCfg config.RetryConfig) *Publisher {
	return &Publisher{
		client:  client,
		sinkURL: sinkURL,
		source:  source,
		coord:   coord,
		bus:     bus,
		retry:   retryCfg,
		doneCh:  make(chan struct{}),
		logger:  log.WithComponent("cloudevents.publisher"),
		limiter: rate.NewLimiter(publishRateLimit, publishBurst),
	}
}

// Start subscribes to the bus and begins publishing in the background.
// Publishing never blocks the aggregate store's save path: the bus
// subscription is already asynchronous, and each event is sent from this
// single loop rather than from the publisher that raised it.
func (p *Publisher) Start() {
	p.sub = p.bus.Subscribe(1024)
	go p.run()
}

// Stop unsubscribes from the bus and waits for in-flight sends to drain.
func (p *Publisher) Stop() {
	p.bus.Unsubscribe(p.sub)
	<-p.doneCh
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	for evt := range p.sub {
		p.publish(evt)
	}
}

func (p *Publisher) publish(evt *events.Event) {
	if p.sinkURL == "" || evt.Type == events.SystemShutdown {
		return
	}

	dedupKey := "cloudevents:out:" + evt.ID
	if p.coord != nil && p.coord.WasProcessed(dedupKey, time.Now()) {
		return
	}

	ce := toCloudEvent(evt, p.source)
	ctx := cloudevents.ContextWithTarget(context.Background(), p.sinkURL)

	if err := p.limiter.Wait(ctx); err != nil {
		p.logger.Warn().Err(err).Str("event_id", evt.ID).Msg("rate limiter wait aborted")
		return
	}

	attempts := uint(p.retry.MaxAttempts)
	if attempts == 0 {
		attempts = 5
	}
	err := retry.Do(func() error {
		result := p.client.Send(ctx, ce)
		if cloudevents.IsACK(result) {
			return nil
		}
		return orcherr.Wrap(orcherr.ExternalTransient, result, "publish cloudevent %s", evt.ID)
	},
		retry.Attempts(attempts),
		retry.Delay(p.retry.Base),
		retry.MaxDelay(p.retry.Cap),
		retry.DelayType(p.retry.DelayType()),
		retry.RetryIf(func(err error) bool { return orcherr.Transient(err) }),
		retry.LastErrorOnly(true),
	)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		p.logger.Error().Err(err).Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("cloudevent publish exhausted retries")
	} else if p.coord != nil {
		if markErr := p.coord.MarkProcessed(dedupKey, dedupTTL, time.Now()); markErr != nil {
			p.logger.Error().Err(markErr).Str("event_id", evt.ID).Msg("failed to record published cloudevent")
		}
	}
	metrics.CloudEventsPublishedTotal.WithLabelValues(string(evt.Type), outcome).Inc()
}

func toCloudEvent(evt *events.Event, source string) cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(evt.ID)
	ce.SetSource(source)
	ce.SetType(string(evt.Type))
	ce.SetTime(evt.Timestamp)
	ce.SetExtension("aggregateid", evt.AggregateID)
	ce.SetExtension("aggregateversion", evt.Version)
	_ = ce.SetData(cloudevents.ApplicationJSON, map[string]any{
		"aggregate_id": evt.AggregateID,
		"version":      evt.Version,
		"reason":       evt.Reason,
		"metadata":     evt.Metadata,
	})
	return ce
}
