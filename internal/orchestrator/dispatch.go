package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/incidentforge/internal/incident"
	"github.com/lvonguyen/incidentforge/internal/resilience"
	"github.com/lvonguyen/incidentforge/internal/routing"
	"github.com/lvonguyen/incidentforge/internal/stages"
	"github.com/lvonguyen/incidentforge/internal/store"
	"github.com/lvonguyen/incidentforge/internal/telemetry/correlation"
)

const checkpointPrefix = "cluster:"

// execute runs one transfer against its stage worker and feeds the outcome
// back into the breaker, the state machine and the router.
func (l *Loop) execute(ctx context.Context, t incident.WorkflowTransfer) {
	stage := string(t.ToStage)
	ctx, span := l.tracer.Start(ctx, "orchestrator.dispatch", trace.WithAttributes(
		attribute.String("incident.id", t.IncidentID),
		attribute.String("transfer.id", t.ID),
		attribute.String("stage", stage),
		attribute.Int("attempt", t.AttemptNumber),
	))
	defer span.End()

	if err := l.deps.Breakers.Allow(stage); err != nil {
		t.Outcome = incident.OutcomeCircuitOpen
		t.Error = err.Error()
		l.metrics.ObserveTransfer(stage, string(t.Outcome), 0)
		l.apply(ctx, t)
		return
	}

	start := time.Now()
	res, err := l.submit(ctx, t)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() != nil {
		// shutting down; the attempt is neither counted nor recorded
		l.deps.Breakers.Release(stage)
		l.logger.Info("Dispatch abandoned on shutdown", zap.String("transfer_id", t.ID))
		return
	}
	if stages.IsSchemaError(err) {
		l.reject(ctx, span, t, err)
		return
	}

	if err == nil && res.Success {
		l.deps.Breakers.RecordSuccess(stage)
		t.Outcome = incident.OutcomeSuccess
		t.Result = &res
		l.metrics.ObserveTransfer(stage, string(t.Outcome), elapsed)
		if l.apply(ctx, t) {
			l.deps.Router.RecordSuccess(t.IncidentID)
		}
		return
	}

	l.deps.Breakers.RecordFailure(stage)
	t.Outcome = incident.OutcomeFailed
	if err != nil {
		t.Error = err.Error()
	} else {
		t.Result = &res
		t.Error = "worker reported failure"
		if res.ErrorKind != "" {
			t.Error = res.ErrorKind
		}
	}
	span.SetStatus(codes.Error, t.Error)
	l.metrics.ObserveTransfer(stage, string(t.Outcome), elapsed)

	delay, retryErr := l.deps.Router.RecordFailure(t.IncidentID, t.FromStage)
	t.RetryDelay = delay
	l.logger.Warn("Transfer failed",
		zap.String("incident_id", t.IncidentID),
		zap.String("stage", stage),
		zap.Int("attempt", t.AttemptNumber),
		zap.Duration("retry_in", delay),
		zap.String("error", t.Error),
	)
	if !l.apply(ctx, t) {
		return
	}
	if errors.Is(retryErr, routing.ErrMaxRetriesExceeded) {
		l.update(context.WithoutCancel(ctx), t.IncidentID, "mark manual review", func(ctx context.Context) error {
			_, err := l.deps.Machine.MarkManualReview(ctx, t.IncidentID, fmt.Sprintf("%d attempts at %s failed", t.AttemptNumber, stage))
			return err
		})
	}
}

// reject records a transfer whose payload the stage boundary refused. The
// stage itself is healthy and a resend would fail the same way, so the
// breaker and retry budget are left alone and the incident is parked.
func (l *Loop) reject(ctx context.Context, span trace.Span, t incident.WorkflowTransfer, err error) {
	stage := string(t.ToStage)
	l.deps.Breakers.Release(stage)
	t.Outcome = incident.OutcomeFailed
	t.Error = err.Error()
	span.SetStatus(codes.Error, t.Error)
	l.metrics.ObserveTransfer(stage, "rejected", 0)
	l.logger.Error("Transfer payload rejected",
		zap.String("incident_id", t.IncidentID),
		zap.String("transfer_id", t.ID),
		zap.String("stage", stage),
		zap.Error(err),
	)
	if !l.apply(ctx, t) {
		return
	}
	l.deps.Router.Forget(t.IncidentID)
	l.update(context.WithoutCancel(ctx), t.IncidentID, "mark manual review", func(ctx context.Context) error {
		_, err := l.deps.Machine.MarkManualReview(ctx, t.IncidentID, "context payload rejected at "+stage)
		return err
	})
}

type submitReply struct {
	res incident.TransferResult
	err error
}

// submit calls the stage worker bounded by the stage timeout. A worker
// that does not honour its context still times out.
func (l *Loop) submit(ctx context.Context, t incident.WorkflowTransfer) (incident.TransferResult, error) {
	worker, timeout, err := l.deps.Stages.Lookup(t.ToStage)
	if err != nil {
		return incident.TransferResult{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan submitReply, 1)
	go func() {
		res, err := worker.Submit(sctx, t)
		ch <- submitReply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return r.res, &incident.TransferTimeoutError{TransferID: t.ID, Stage: t.ToStage, Timeout: timeout}
		}
		return r.res, r.err
	case <-sctx.Done():
		if ctx.Err() != nil {
			return incident.TransferResult{}, ctx.Err()
		}
		return incident.TransferResult{}, &incident.TransferTimeoutError{TransferID: t.ID, Stage: t.ToStage, Timeout: timeout}
	}
}

// apply commits a finished transfer. Stale outcomes, for example after a
// force close, are logged and dropped.
func (l *Loop) apply(ctx context.Context, t incident.WorkflowTransfer) bool {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.StoreTimeout)
	defer cancel()

	_, err := l.deps.Machine.ApplyTransferOutcome(sctx, t.IncidentID, t)
	switch {
	case err == nil:
		return true
	case incident.IsInvalidTransition(err):
		l.logger.Info("Discarded stale transfer outcome",
			zap.String("incident_id", t.IncidentID),
			zap.String("transfer_id", t.ID),
			zap.Error(err),
		)
	default:
		l.logger.Error("Failed to record transfer outcome",
			zap.String("incident_id", t.IncidentID),
			zap.String("transfer_id", t.ID),
			zap.Error(err),
		)
	}
	return false
}

func (l *Loop) checkpoint(ctx context.Context, snap correlation.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		l.logger.Error("Failed to encode cluster checkpoint", zap.String("cluster_id", snap.ID), zap.Error(err))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
	defer cancel()
	if _, err := l.deps.Store.Put(sctx, checkpointPrefix+snap.ID, data); err != nil {
		l.logger.Warn("Failed to checkpoint cluster", zap.String("cluster_id", snap.ID), zap.Error(err))
	}
}

func (l *Loop) deleteCheckpoint(ctx context.Context, id string) {
	sctx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
	defer cancel()
	if err := l.deps.Store.Delete(sctx, checkpointPrefix+id); err != nil {
		l.logger.Warn("Failed to delete cluster checkpoint", zap.String("cluster_id", id), zap.Error(err))
	}
}

// Restore reloads persisted circuit states and cluster checkpoints. Open
// clusters resume in the engine; closed ones are queued for hand-off. It
// fails only when the store cannot be read.
func (l *Loop) Restore(ctx context.Context) error {
	states, err := resilience.LoadStates(ctx, l.deps.Store)
	if err != nil {
		return err
	}
	l.deps.Breakers.Restore(states)

	recs, err := l.deps.Store.Query(ctx, store.Filter{Prefix: checkpointPrefix})
	if err != nil {
		return fmt.Errorf("failed to query cluster checkpoints: %w", err)
	}
	var open, closed []correlation.Snapshot
	for _, rec := range recs {
		var snap correlation.Snapshot
		if err := json.Unmarshal(rec.Value, &snap); err != nil {
			l.logger.Warn("Skipping corrupt cluster checkpoint", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		if snap.State == correlation.StateOpen {
			open = append(open, snap)
		} else {
			closed = append(closed, snap)
		}
	}
	restored := l.deps.Engine.Restore(open)
	l.deps.Engine.Requeue(closed...)

	l.logger.Info("Restored orchestration state",
		zap.Int("circuits", len(states)),
		zap.Int("open_clusters", restored),
		zap.Int("pending_clusters", len(closed)),
	)
	return nil
}

// Workers returns the stages that have a registered worker, in pipeline
// order. Incidents bound for any other stage fail their attempts.
func (l *Loop) Workers() []incident.Stage {
	return l.deps.Stages.Stages()
}
