// Package mergeexec orchestrates the approval-to-commit pipeline: lock the
// change request, detect conflicts against the current main version,
// execute the upsert, persist audit artifacts, clean up staging and
// finalize the CR. Failures after the commit attempt move the CR back to
// review; main itself only ever moves by whole commits.
package mergeexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydata/quarry/internal/apperr"
	"github.com/quarrydata/quarry/internal/audit"
	"github.com/quarrydata/quarry/internal/catalog"
	"github.com/quarrydata/quarry/internal/changereq"
	"github.com/quarrydata/quarry/internal/dataset"
	"github.com/quarrydata/quarry/internal/liveedit"
	"github.com/quarrydata/quarry/internal/paths"
	"github.com/quarrydata/quarry/internal/table"
	"github.com/quarrydata/quarry/internal/tablelog"
	"github.com/quarrydata/quarry/internal/validation"
)

// Executor runs the merge pipeline.
type Executor struct {
	cat      *catalog.Catalog
	crs      *changereq.Service
	sessions *liveedit.Service
	adapter  *table.Adapter
	resolver *paths.Resolver
	auditor  *audit.Writer
}

// New creates an executor.
func New(cat *catalog.Catalog, crs *changereq.Service, sessions *liveedit.Service, adapter *table.Adapter, resolver *paths.Resolver) *Executor {
	return &Executor{
		cat:      cat,
		crs:      crs,
		sessions: sessions,
		adapter:  adapter,
		resolver: resolver,
		auditor:  audit.NewWriter(resolver),
	}
}

// Options modify one merge run.
type Options struct {
	// Actor is recorded on the finalization events.
	Actor string
	// Role is checked against the configured merge policy.
	Role string
	// Force skips conflict detection. Recorded as a distinct event.
	Force bool
}

// Report is the outcome of a merge run.
type Report struct {
	CRID          string         `json:"cr_id"`
	Status        string         `json:"status"`
	VersionBefore int64          `json:"version_before"`
	VersionAfter  int64          `json:"version_after"`
	RowsAdded     int64          `json:"rows_added"`
	RowsUpdated   int64          `json:"rows_updated"`
	RowsDeleted   int64          `json:"rows_deleted"`
	CommitID      string         `json:"commit_id,omitempty"`
	Conflicts     []tablelog.Row `json:"conflicts,omitempty"`
	MergedAt      time.Time      `json:"merged_at"`
}

// Execute runs the pipeline for an approved CR. On conflicts the CR stays
// APPROVED with a conflicts artifact attached; on execution failure it
// moves back to PENDING_REVIEW with staging preserved.
func (e *Executor) Execute(ctx context.Context, crID string, opts Options) (*Report, error) {
	if err := changereq.RequireRole(opts.Role, "merge"); err != nil {
		return nil, err
	}
	cr, err := e.crs.Get(ctx, crID)
	if err != nil {
		return nil, err
	}
	if cr.Status != changereq.StatusApproved {
		return nil, apperr.New(apperr.KindPreconditionFailed,
			"change request %s is %s; only approved requests merge", crID, cr.Status)
	}
	if !validation.CanMerge(cr.Validation.State) {
		return nil, apperr.New(apperr.KindValidationBlocked,
			"change request %s validation state %s does not allow merge", crID, cr.Validation.State)
	}

	locked, err := e.cat.AcquireMergeLock(ctx, crID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to lock change request %s", crID)
	}
	if !locked {
		return nil, apperr.New(apperr.KindPreconditionFailed,
			"change request %s is already merging", crID)
	}
	defer e.cat.ReleaseMergeLock(context.WithoutCancel(ctx), crID)

	main, err := e.resolver.Main(cr.ProjectID, cr.DatasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}

	if !e.adapter.Exists(cr.StagingPath) {
		if err := e.materializeStaging(ctx, cr); err != nil {
			return nil, err
		}
	}
	if !e.adapter.Exists(cr.StagingPath) {
		return nil, apperr.New(apperr.KindPreconditionFailed,
			"change request %s has no staging table", crID)
	}

	keys, err := e.mergeKeys(cr)
	if err != nil {
		return nil, err
	}

	report := &Report{CRID: crID, MergedAt: time.Now().UTC()}

	if opts.Force {
		payload, _ := json.Marshal(map[string]any{"skip_conflict_check": true})
		e.crs.Emit(ctx, crID, changereq.EventForceMerge, opts.Actor, "conflict detection skipped", payload)
	} else {
		conflicts, err := e.DetectConflicts(ctx, cr, keys)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			report.Status = "conflict"
			report.Conflicts = conflicts
			e.writeArtifact(cr, audit.FileConflicts, map[string]any{
				"cr_id":          crID,
				"detected_at":    report.MergedAt,
				"primary_keys":   keys,
				"conflict_count": len(conflicts),
				"conflicts":      conflicts,
			})
			payload, _ := json.Marshal(map[string]any{"conflict_count": len(conflicts)})
			e.crs.Emit(ctx, crID, changereq.EventConflict, opts.Actor, "merge blocked by conflicts", payload)
			return report, apperr.New(apperr.KindMergeConflict,
				"change request %s conflicts with %d changed rows", crID, len(conflicts))
		}
	}

	versionBefore, err := tablelog.Open(main).Version()
	if err != nil {
		versionBefore = -1
	}

	res, err := e.adapter.Merge(ctx, main, cr.StagingPath, keys)
	if err != nil {
		e.failMerge(ctx, cr, opts.Actor, err)
		return nil, err
	}

	report.Status = "merged"
	report.VersionBefore = versionBefore
	report.VersionAfter = res.Version
	report.RowsAdded = res.Inserted
	report.RowsUpdated = res.Updated
	report.RowsDeleted = res.Deleted
	report.CommitID = "mrg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	e.writeArtifact(cr, audit.FileMergeResult, report)
	e.writeArtifact(cr, audit.FileDiff, map[string]any{
		"cr_id":          crID,
		"version_before": report.VersionBefore,
		"version_after":  report.VersionAfter,
		"rows_added":     report.RowsAdded,
		"rows_updated":   report.RowsUpdated,
		"rows_deleted":   report.RowsDeleted,
	})

	// Best effort: a leftover staging directory after MERGED is a leak,
	// not a correctness problem.
	_ = os.RemoveAll(cr.StagingPath)

	if _, err := e.crs.MarkMerged(ctx, crID, opts.Actor, report.VersionBefore, report.VersionAfter, report.CommitID); err != nil {
		return report, err
	}
	return report, nil
}

// failMerge handles a failed commit attempt: staging is preserved, the CR
// returns to review and the failure is recorded.
func (e *Executor) failMerge(ctx context.Context, cr *catalog.ChangeRequest, actor string, cause error) {
	_, _ = e.crs.MarkMergeFailed(ctx, cr.ID, actor, cause.Error())
}

// DetectConflicts compares staging keys against main rows that changed
// since the CR's recorded version. When main has not advanced, no
// conflict is possible.
func (e *Executor) DetectConflicts(ctx context.Context, cr *catalog.ChangeRequest, keys []string) ([]tablelog.Row, error) {
	main, err := e.resolver.Main(cr.ProjectID, cr.DatasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	tbl := tablelog.Open(main)
	head, err := tbl.Version()
	if err != nil {
		// No main table yet: nothing to conflict with.
		return nil, nil
	}
	if cr.VersionBefore == head {
		return nil, nil
	}

	current, err := tbl.Snapshot()
	if err != nil {
		return nil, apperr.Internal(err, "failed to read main table")
	}
	currentByKey := indexByKey(current.Rows, keys)

	// Rows as they looked when the CR recorded its baseline. A missing
	// baseline (never existed, or vacuumed) degrades to treating every
	// overlapping key as changed.
	var baselineByKey map[string]tablelog.Row
	if cr.VersionBefore >= 0 {
		if baseline, err := tbl.SnapshotAt(cr.VersionBefore); err == nil {
			baselineByKey = indexByKey(baseline.Rows, keys)
		}
	}

	staging, err := tablelog.Open(cr.StagingPath).Snapshot()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err,
			"change request %s staging table unreadable", cr.ID)
	}

	var conflicts []tablelog.Row
	for _, srow := range staging.Rows {
		k := keyOf(srow, keys)
		mrow, inMain := currentByKey[k]
		if !inMain {
			continue
		}
		if baselineByKey != nil {
			if brow, hadBefore := baselineByKey[k]; hadBefore && rowsEqual(brow, mrow) {
				continue
			}
		}
		conflicts = append(conflicts, mrow)
	}
	return conflicts, nil
}

// materializeStaging builds the staging table from the CR's session edits
// when a live-edit CR reaches the merge without an uploaded staging set.
func (e *Executor) materializeStaging(ctx context.Context, cr *catalog.ChangeRequest) error {
	if cr.SessionID == "" {
		return nil
	}
	sess, err := e.cat.GetSession(ctx, cr.SessionID)
	if err != nil {
		return nil
	}
	changes, err := e.sessions.EffectiveEdits(sess)
	if err != nil || len(changes) == 0 {
		return nil
	}

	var ids []string
	seen := map[string]bool{}
	for _, ch := range changes {
		if !seen[ch.RowID] {
			seen[ch.RowID] = true
			ids = append(ids, ch.RowID)
		}
	}
	rows, err := e.sessions.GetRowsByIDs(ctx, cr.ProjectID, cr.DatasetID, ids)
	if err != nil {
		return err
	}
	byID := map[string]tablelog.Row{}
	for _, r := range rows {
		byID[fmt.Sprintf("%v", r[sess.RowIDColumn])] = r
	}
	for _, ch := range changes {
		if row, ok := byID[ch.RowID]; ok {
			row[ch.Column] = ch.NewValue
		}
	}

	staged := make([]tablelog.Row, 0, len(byID))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			staged = append(staged, row)
		}
	}
	if len(staged) == 0 {
		return nil
	}
	if _, err := e.adapter.AppendDedup(cr.StagingPath, staged); err != nil {
		return apperr.Internal(err, "failed to materialize staging for %s", cr.ID)
	}
	return nil
}

func (e *Executor) mergeKeys(cr *catalog.ChangeRequest) ([]string, error) {
	if len(cr.PrimaryKeys) > 0 {
		return cr.PrimaryKeys, nil
	}
	meta, err := dataset.Load(e.resolver, cr.ProjectID, cr.DatasetID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load dataset metadata")
	}
	main, err := e.resolver.Main(cr.ProjectID, cr.DatasetID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "invalid dataset coordinates")
	}
	head, err := tablelog.Open(main).Head()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "dataset has no main table")
	}
	rowID, err := meta.ResolveRowID(head.Schema)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPreconditionFailed, err,
			"change request %s has no merge keys", cr.ID)
	}
	return meta.ResolveKeys(rowID), nil
}

func (e *Executor) writeArtifact(cr *catalog.ChangeRequest, name string, doc any) {
	// Audit writes are best effort relative to the commit itself; a
	// failed artifact never rolls back main.
	_, _ = e.auditor.WriteChangeRequest(cr.ProjectID, cr.DatasetID, cr.ID, name, doc)
}

func indexByKey(rows []tablelog.Row, keys []string) map[string]tablelog.Row {
	out := make(map[string]tablelog.Row, len(rows))
	for _, r := range rows {
		out[keyOf(r, keys)] = r
	}
	return out
}

func keyOf(row tablelog.Row, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := row[k]
		if v == nil {
			parts[i] = "\x00nil"
			continue
		}
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

func rowsEqual(a, b tablelog.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}
