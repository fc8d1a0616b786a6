package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ipozdeev/black-litterman-bayes/internal/config"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/blacklitterman"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/riskmodel"
	"github.com/ipozdeev/black-litterman-bayes/internal/modules/snapshots"
)

// RebuildPosteriorJob recomputes the Black-Litterman posterior from the
// current market estimates and stores it as a snapshot.
type RebuildPosteriorJob struct {
	builder      *riskmodel.Builder
	blRepo       *blacklitterman.Repository
	model        *blacklitterman.Model
	snapshotRepo *snapshots.Repository
	params       config.BlackLittermanParams
	log          zerolog.Logger
}

// NewRebuildPosteriorJob creates the posterior rebuild job.
func NewRebuildPosteriorJob(
	builder *riskmodel.Builder,
	blRepo *blacklitterman.Repository,
	model *blacklitterman.Model,
	snapshotRepo *snapshots.Repository,
	params config.BlackLittermanParams,
	log zerolog.Logger,
) *RebuildPosteriorJob {
	return &RebuildPosteriorJob{
		builder:      builder,
		blRepo:       blRepo,
		model:        model,
		snapshotRepo: snapshotRepo,
		params:       params,
		log:          log.With().Str("job", "rebuild_posterior").Logger(),
	}
}

// Name implements Job.
func (j *RebuildPosteriorJob) Name() string { return "rebuild_posterior" }

// Run implements Job: build covariance, compute posterior, snapshot, prune.
func (j *RebuildPosteriorJob) Run() error {
	_, err := j.Execute()
	return err
}

// Execute runs the rebuild and returns the stored snapshot. Handlers use this
// directly so a manual trigger can return the result it produced.
func (j *RebuildPosteriorJob) Execute() (*snapshots.Snapshot, error) {
	start := time.Now()

	symbols, err := j.builder.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to load universe symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols with volatility estimates")
	}

	covResult, err := j.builder.BuildCovarianceMatrix(symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to build covariance matrix: %w", err)
	}

	weights, err := j.blRepo.MarketWeights()
	if err != nil {
		return nil, fmt.Errorf("failed to load market weights: %w", err)
	}

	views, err := j.blRepo.Views()
	if err != nil {
		return nil, fmt.Errorf("failed to load views: %w", err)
	}

	posterior, err := j.model.ComputePosterior(weights, views, covResult.Matrix, symbols, blacklitterman.Params{
		Tau:          j.params.Tau,
		RiskAversion: j.params.RiskAversion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute posterior: %w", err)
	}

	snapshot := snapshots.Snapshot{
		CreatedAt:  time.Now().UTC(),
		Symbols:    posterior.Symbols,
		Mean:       posterior.Mean,
		Covariance: posterior.Covariance,
		Repaired:   covResult.Repaired || posterior.Repaired,
	}
	id, err := j.snapshotRepo.Save(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to save snapshot: %w", err)
	}
	snapshot.UUID = id

	if _, err := j.snapshotRepo.Prune(j.params.SnapshotKeep); err != nil {
		// Pruning failure leaves stale rows behind but the new posterior is
		// already stored; log and carry on.
		j.log.Warn().Err(err).Msg("Failed to prune old snapshots")
	}

	j.log.Info().
		Str("uuid", id).
		Int("num_symbols", len(symbols)).
		Int("num_views", len(views)).
		Bool("covariance_repaired", covResult.Repaired).
		Bool("posterior_repaired", posterior.Repaired).
		Dur("elapsed", time.Since(start)).
		Msg("Rebuilt posterior")

	return &snapshot, nil
}
