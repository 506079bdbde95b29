package pipeline

import (
	"context"

	retry "github.com/avast/retry-go"
	"github.com/cuemby/cmlfleet/pkg/config"
	"github.com/cuemby/cmlfleet/pkg/instance"
	"github.com/cuemby/cmlfleet/pkg/labhost"
	"github.com/cuemby/cmlfleet/pkg/log"
	"github.com/cuemby/cmlfleet/pkg/metrics"
	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/cuemby/cmlfleet/pkg/storage"
	"github.com/cuemby/cmlfleet/pkg/topology"
	"github.com/cuemby/cmlfleet/pkg/types"
	"github.com/rs/zerolog"
)

// Pipeline drives a SCHEDULED instance through port allocation, artifact
// fetch, topology rewrite, import, and start.
type Pipeline struct {
	store     storage.Store
	instances *instance.Service
	labhost   labhost.Client
	artifacts ArtifactFetcher
	retry     config.RetryConfig
	logger    zerolog.Logger
}

// New creates a Pipeline.
func New(store storage.Store, instances *instance.Service, lh labhost.Client, artifacts ArtifactFetcher, retry config.RetryConfig) *Pipeline {
	return &Pipeline{store: store, instances: instances, labhost: lh, artifacts: artifacts, retry: retry, logger: log.WithComponent("pipeline")}
}

// Run executes the instantiation pipeline for inst, which must already
// be SCHEDULED with a worker_id bound. need is the capacity reserved for
// inst at schedule time, released on terminal failure.
func (p *Pipeline) Run(ctx context.Context, inst *types.LabletInstance, def *types.LabletDefinition, need types.ResourceRequirements) error {
	stage := metrics.NewTimer()
	defer stage.ObserveDuration(metrics.PipelineStageDuration.WithLabelValues("total"))

	ports, err := p.instances.BeginInstantiation(inst.ID, def.PortTemplate)
	if err != nil {
		return err
	}

	worker, err := p.store.GetWorker(inst.WorkerID)
	if err != nil {
		return p.fail(inst.ID, "worker_lost", need, err)
	}

	raw, err := p.fetchArtifact(ctx, def.ArtifactURI)
	if err != nil {
		return p.fail(inst.ID, "artifact_fetch_failed", need, err)
	}
	if !VerifyHash(raw, def.TopologyHash) {
		return p.fail(inst.ID, "topology_hash_mismatch", need, orcherr.New(orcherr.ExternalPermanent, "topology_hash mismatch for %s", def.ID))
	}

	rewritten, err := topology.Rewrite(raw, ports)
	if err != nil {
		return p.fail(inst.ID, "topology_rewrite_failed", need, err)
	}

	labID, err := p.importTopology(ctx, worker.PrivateEndpoint, rewritten)
	if err != nil {
		return p.fail(inst.ID, "import_failed", need, err)
	}

	if err := p.startLab(ctx, worker.PrivateEndpoint, labID); err != nil {
		return p.fail(inst.ID, "start_failed", need, err)
	}

	if err := p.instances.MarkRunning(inst.ID, labID); err != nil {
		return err
	}
	metrics.PipelineFailuresTotal.WithLabelValues("none").Add(0)
	return nil
}

func (p *Pipeline) fetchArtifact(ctx context.Context, uri string) ([]byte, error) {
	var out []byte
	err := p.retryExternal(ctx, "fetch", func() error {
		body, err := p.artifacts.Fetch(ctx, uri)
		if err != nil {
			return err
		}
		out = body
		return nil
	})
	return out, err
}

func (p *Pipeline) importTopology(ctx context.Context, endpoint string, doc []byte) (string, error) {
	var labID string
	err := p.retryExternal(ctx, "import", func() error {
		id, err := p.labhost.ImportTopology(ctx, endpoint, doc)
		if err != nil {
			return err
		}
		labID = id
		return nil
	})
	return labID, err
}

func (p *Pipeline) startLab(ctx context.Context, endpoint, labID string) error {
	return p.retryExternal(ctx, "start", func() error {
		return p.labhost.StartLab(ctx, endpoint, labID)
	})
}

// retryExternal wraps fn with capped exponential backoff, stopping early
// on non-transient errors.
func (p *Pipeline) retryExternal(ctx context.Context, stage string, fn func() error) error {
	attempts := uint(p.retry.MaxAttempts)
	if attempts == 0 {
		attempts = 5
	}
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.retry.Base),
		retry.MaxDelay(p.retry.Cap),
		retry.DelayType(p.retry.DelayType()),
		retry.RetryIf(func(err error) bool { return orcherr.Transient(err) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues(stage).Inc()
	}
	return err
}

func (p *Pipeline) fail(instanceID, reason string, need types.ResourceRequirements, cause error) error {
	p.logger.Error().Err(cause).Str("instance_id", instanceID).Str("reason", reason).Msg("instantiation failed")
	if err := p.instances.FailInstantiation(instanceID, reason, need); err != nil {
		p.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to mark instance terminated after pipeline failure")
	}
	return cause
}
