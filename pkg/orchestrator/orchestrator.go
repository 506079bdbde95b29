package orchestrator

import (
	"context"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cuemby/cmlfleet/pkg/cloudadapter"
	"github.com/cuemby/cmlfleet/pkg/cloudevents"
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/controller"
	"github.com/cuemby/cmlfleet/pkg/coordination"
	"github.com/cuemby/cmlfleet/pkg/events"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/labhost"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/pipeline"
	"github.com/cuemby/cmlfleet/pkg/portalloc"
	"github.com/cuemby/cmlfleet/pkg/scheduler"
	"github.com/cuemby/cmlfleet/pkg/sse"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/cuemby/cmlfleet/pkg/worker"
	"github.com/rs/zerolog"
)

// Orchestrator owns every long-running core component for one node and
// the HTTP surface (metrics, health, CloudEvents ingress) that fronts
// them. The SSE hub is started but not mounted on the HTTP mux.
type Orchestrator struct {
	cfg    *config.Config
	logger zerolog.Logger

	store storage.Store
	coord *coordination.Coordinator
	bus   *events.Broker

	workers   *worker.Service
	instances *instance.Service
	ports     *portalloc.Allocator

	pipe *pipeline.Pipeline
	sched *scheduler.Scheduler
	ctrl  *controller.Controller

	hub        *sse.Hub
	cePublisher *cloudevents.Publisher
	ceConsumer  *cloudevents.Consumer
	collector   *metrics.Collector

	httpServer *http.Server
}

// New builds every component from cfg but does not start any of them.
func New(cfg *config.Config) (*Orchestrator, error) {
	logger := log.WithComponent("orchestrator")

	bus := events.NewBroker()

	store, err := storage.NewBoltStore(cfg.DataDir, bus)
	if err != nil {
		return nil, fmt.Errorf("open aggregate store: %w", err)
	}

	coord := coordination.New(coordination.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
	})

	ports := portalloc.New(store)
	workers := worker.New(store)
	instances := instance.New(store, workers, ports)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	cloud := cloudadapter.NewEC2Adapter(ec2.NewFromConfig(awsCfg))
	artifacts := pipeline.NewS3Fetcher(s3.NewFromConfig(awsCfg))
	lh := labhost.NewHTTPClient(0)

	pipe := pipeline.New(store, instances, lh, artifacts, cfg.Retry)
	sched := scheduler.New(store, coord, bus, instances, pipe, cfg.Scheduler, cfg.Leader.LeaseTTL, cfg.NodeID)
	ctrl := controller.New(store, coord, bus, instances, workers, cloud, cfg, cfg.NodeID)

	hub := sse.NewHub(bus, cfg.SSE.QueueDepth)

	var cePublisher *cloudevents.Publisher
	var ceConsumer *cloudevents.Consumer
	if cfg.CloudEvents.SinkURL != "" {
		cePublisher, err = cloudevents.NewPublisher(bus, coord, cfg.CloudEvents.SinkURL, cfg.CloudEvents.Source, cfg.Retry)
		if err != nil {
			return nil, fmt.Errorf("build cloudevents publisher: %w", err)
		}
	}
	ceConsumer = cloudevents.NewConsumer(instances, coord)

	collector := metrics.NewCollector(store, store, leaseAdapter{coord})

	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		coord:       coord,
		bus:         bus,
		workers:     workers,
		instances:   instances,
		ports:       ports,
		pipe:        pipe,
		sched:       sched,
		ctrl:        ctrl,
		hub:         hub,
		cePublisher: cePublisher,
		ceConsumer:  ceConsumer,
		collector:   collector,
	}, nil
}

// leaseAdapter narrows *coordination.Coordinator (single Raft group, no
// per-lease fencing in this deployment shape) to metrics.LeaseHolder.
type leaseAdapter struct {
	coord *coordination.Coordinator
}

func (l leaseAdapter) IsLeader(_ string) bool { return l.coord.IsLeader() }

// Start brings up Raft, seeds worker templates, and launches every
// background loop plus the HTTP surface. It returns once the process is
// ready to serve traffic; the loops themselves keep running in the
// background until Stop is called.
func (o *Orchestrator) Start() error {
	if err := o.coord.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap coordination store: %w", err)
	}
	metrics.RegisterComponent("raft", true, "bootstrapped")

	if err := o.seedTemplates(); err != nil {
		return fmt.Errorf("seed worker templates: %w", err)
	}

	o.bus.Start()
	o.sched.Start()
	o.ctrl.Start()
	o.collector.Start()
	o.hub.Start()
	if o.cePublisher != nil {
		o.cePublisher.Start()
	}
	metrics.RegisterComponent("scheduler", true, "running")
	metrics.RegisterComponent("controller", true, "running")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	ceHandler, err := o.ceConsumer.Handler()
	if err != nil {
		return fmt.Errorf("build cloudevents handler: %w", err)
	}
	mux.Handle("/cloudevents", ceHandler)

	o.httpServer = &http.Server{Addr: o.cfg.APIAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	metrics.RegisterComponent("api", true, "ready")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Store returns the aggregate store, for CLI one-shot commands that
// need direct read/write access without the full background loops.
func (o *Orchestrator) Store() storage.Store { return o.store }

// Coordinator returns the coordination store, for CLI commands that
// bootstrap just enough of the stack to take a lease and run one pass.
func (o *Orchestrator) Coordinator() *coordination.Coordinator { return o.coord }

// Scheduler returns the scheduler, for the "scheduler run-once" command.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Controller returns the resource controller, for the
// "controller run-once" command.
func (o *Orchestrator) Controller() *controller.Controller { return o.ctrl }

// Workers returns the worker aggregate service, for the
// "worker drain"/"worker cancel-drain" commands.
func (o *Orchestrator) Workers() *worker.Service { return o.workers }

// SeedTemplates persists every worker template from config into the
// aggregate store. Exported so one-shot CLI commands can ensure
// templates are present without going through Start.
func (o *Orchestrator) SeedTemplates() error { return o.seedTemplates() }

// seedTemplates persists every worker template from config into the
// aggregate store so the controller and scheduler can read it back via
// the store rather than holding a second copy of config state.
func (o *Orchestrator) seedTemplates() error {
	for _, t := range o.cfg.WorkerTemplates {
		tmpl := &types.WorkerTemplate{
			Name:         t.Name,
			InstanceType: t.InstanceType,
			Capacity: types.ResourceRequirements{
				CPU:       t.Capacity.CPUCores,
				MemoryGB:  int64(t.Capacity.MemoryGB),
				StorageGB: int64(t.Capacity.StorageGB),
				Nodes:     t.Capacity.MaxNodes,
			},
			LicenseType:  types.LicenseAffinity(t.LicenseType),
			AMIPattern:   t.AMIPattern,
			Regions:      t.Regions,
			PortRange:    types.PortRange{Lo: t.PortRange.Start, Hi: t.PortRange.End},
			DrainTimeout: t.DrainTimeout,
			DefaultTags:  t.Tags,
		}
		if err := o.store.SaveTemplate(tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts every component down in reverse dependency order, waiting
// for each to finish before moving to the next.
func (o *Orchestrator) Stop() error {
	if o.httpServer != nil {
		_ = o.httpServer.Shutdown(context.Background())
	}
	if o.cePublisher != nil {
		o.cePublisher.Stop()
	}
	o.hub.Stop()
	o.collector.Stop()
	o.ctrl.Stop()
	o.sched.Stop()
	o.bus.Stop()
	if err := o.coord.Shutdown(); err != nil {
		o.logger.Error().Err(err).Msg("coordination store shutdown error")
	}
	return o.store.Close()
}
