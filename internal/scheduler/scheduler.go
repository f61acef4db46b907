// Package scheduler runs the process's periodic background sweeps on a
// single shared cron instance: rendezvous index reconciliation, chunk
// hot-cache expiry, attestation grace-period enforcement, and federation
// heartbeat gossip and suspect sweeps. Mirrors the teacher's plugin scheduler: one cron.Cron, jobs wrapped
// with panic recovery and logged by name.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/attestation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/chunkrelay"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/federation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/rendezvous"
)

// Scheduler owns the shared cron instance and every job registered on it.
type Scheduler struct {
	cron   *cron.Cron
	jobIDs map[string]cron.EntryID
}

func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobIDs: make(map[string]cron.EntryID),
	}
}

// schedule wraps job with panic recovery and named logging, the same
// contract as the teacher's PluginScheduler.Schedule.
func (s *Scheduler) schedule(jobName, cronExpr string, job func()) error {
	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.GetLogger().Error().Str("job", jobName).Interface("panic", r).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	entryID, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", jobName, err)
	}
	s.jobIDs[jobName] = entryID
	return nil
}

// Wire registers every sweep this process runs. Every job is registered
// whether or not its dependency is active; PublishHeartbeat, for one,
// returns immediately without a gossip connection.
func (s *Scheduler) Wire(cfg *config.Config, rendezvousRegistry *rendezvous.Registry, relay *chunkrelay.Relay, fedRegistry *federation.Registry, attestGateway *attestation.Gateway) error {
	if err := s.schedule("rendezvous-sweep", "*/5 * * * *", func() {
		if err := rendezvousRegistry.Sweep(context.Background()); err != nil {
			logger.Rendezvous().Error().Err(err).Msg("rendezvous sweep failed")
		}
	}); err != nil {
		return err
	}

	if err := s.schedule("chunk-sweep", "*/30 * * * *", func() {
		relay.Sweep()
	}); err != nil {
		return err
	}

	if err := s.schedule("attestation-sweep", "@every 30s", func() {
		attestGateway.Sweep()
	}); err != nil {
		return err
	}

	if err := s.schedule("federation-heartbeat", "@every 30s", func() {
		fedRegistry.PublishHeartbeat()
	}); err != nil {
		return err
	}

	if err := s.schedule("federation-suspect-sweep", "*/1 * * * *", func() {
		fedRegistry.SweepSuspect(context.Background())
	}); err != nil {
		return err
	}

	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop blocks until any in-flight job completes, per cron.Cron's own
// shutdown contract.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
