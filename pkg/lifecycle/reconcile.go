package lifecycle

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jsndz/ackbus/metrics"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/types"
)

// ReconcileGrace hides pending records younger than this from the missing
// index report, so a consumer between its record and index writes is not
// flagged.
const ReconcileGrace = 30 * time.Second

type ReconcileReport struct {
	Env types.Env `json:"env"`
	// MissingIndex lists pending records without a due index entry.
	MissingIndex []string `json:"missing_index"`
	// Orphans lists due index entries without a pending record.
	Orphans  []string `json:"orphans"`
	Repaired int      `json:"repaired"`
}

func (r ReconcileReport) Consistent() bool {
	return len(r.MissingIndex) == 0 && len(r.Orphans) == 0
}

// Reconcile compares the pending records of env with its due index. With
// repair, missing entries are scheduled for now and orphans are removed;
// both fixes re-check the record inside the update.
func (a *Admin) Reconcile(ctx context.Context, env types.Env, repair bool) ([]ReconcileReport, error) {
	envs, err := a.envs(env)
	if err != nil {
		return nil, err
	}
	out := make([]ReconcileReport, 0, len(envs))
	for _, e := range envs {
		rep, err := a.reconcileEnv(ctx, e, repair)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

func (a *Admin) reconcileEnv(ctx context.Context, env types.Env, repair bool) (ReconcileReport, error) {
	rep := ReconcileReport{Env: env, MissingIndex: []string{}, Orphans: []string{}}
	now := a.rt.Clock.Now()

	indexed, err := a.rt.Store.IndexedIDs(ctx, env)
	if err != nil {
		return rep, storeErr("indexed_ids", err)
	}
	inIndex := make(map[string]bool, len(indexed))
	for _, id := range indexed {
		inIndex[id] = true
	}

	pending := make(map[string]bool)
	err = a.rt.Store.ScanRecords(ctx, env, func(rec *models.NotificationRecord) error {
		if rec.Status != models.StatusPending {
			return nil
		}
		pending[rec.ID] = true
		if !inIndex[rec.ID] && now.Sub(rec.CreatedTime) >= ReconcileGrace {
			rep.MissingIndex = append(rep.MissingIndex, rec.ID)
		}
		return nil
	})
	if err != nil {
		return rep, storeErr("scan_records", err)
	}
	for _, id := range indexed {
		if !pending[id] {
			rep.Orphans = append(rep.Orphans, id)
		}
	}
	sort.Strings(rep.MissingIndex)
	sort.Strings(rep.Orphans)

	metrics.ReconcileInconsistenciesTotal.WithLabelValues(string(env), "missing_index").Add(float64(len(rep.MissingIndex)))
	metrics.ReconcileInconsistenciesTotal.WithLabelValues(string(env), "orphan_index").Add(float64(len(rep.Orphans)))

	log := a.log.With(zap.String("env", string(env)))
	if !rep.Consistent() {
		log.Warn("due index inconsistent",
			zap.Strings("missing_index", rep.MissingIndex),
			zap.Strings("orphans", rep.Orphans),
			zap.Bool("repair", repair),
		)
	}
	if !repair {
		return rep, nil
	}

	for _, id := range rep.MissingIndex {
		fixed := false
		_, err := a.rt.Store.Update(ctx, env, id, func(rec *models.NotificationRecord) (store.Mutation, error) {
			fixed = rec != nil && rec.Status == models.StatusPending
			if !fixed {
				return store.Mutation{}, nil
			}
			return store.Mutation{Index: store.IndexSchedule, Due: now}, nil
		})
		if err != nil {
			return rep, storeErr("update", err)
		}
		if fixed {
			rep.Repaired++
		}
	}
	for _, id := range rep.Orphans {
		fixed := false
		_, err := a.rt.Store.Update(ctx, env, id, func(rec *models.NotificationRecord) (store.Mutation, error) {
			fixed = rec == nil || rec.Status != models.StatusPending
			if !fixed {
				return store.Mutation{}, nil
			}
			return store.Mutation{Index: store.IndexRemove}, nil
		})
		if err != nil {
			return rep, storeErr("update", err)
		}
		if fixed {
			rep.Repaired++
		}
	}
	if rep.Repaired > 0 {
		log.Info("due index repaired", zap.Int("repaired", rep.Repaired))
	}
	return rep, nil
}

// RunReconciler reconciles every environment each interval until ctx is
// cancelled.
func (a *Admin) RunReconciler(ctx context.Context, interval time.Duration, repair bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Reconcile(ctx, "", repair); err != nil && ctx.Err() == nil {
				a.log.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}
