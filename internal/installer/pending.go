package installer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/logging"
	"github.com/apexpm/apex/internal/model"
)

const pendingMarkerName = "rollback-pending.json"

// persistPending durably records txn state at the Commit boundary: if the
// process dies mid-Commit, ResumePending can find this marker on the next
// startup and finish or undo it rather than leaving the install root in
// an indeterminate state.
func (tr *TransactionRunner) persistPending(txnStageDir string, p pending) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errs.Config("marshal pending transaction", err)
	}

	path := filepath.Join(txnStageDir, pendingMarkerName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Filesystem("persist pending transaction marker", path, err)
	}

	return nil
}

func (tr *TransactionRunner) clearPending(txnStageDir string) {
	os.Remove(filepath.Join(txnStageDir, pendingMarkerName))
	os.RemoveAll(txnStageDir)
}

// ResumePending scans stageDir for rollback-pending markers left by a
// transaction that did not reach Record, and either finishes it forward
// or rolls it back, per resumeCommit.
func (tr *TransactionRunner) ResumePending(ctx context.Context) error {
	log := logging.Component(ctx, "installer")

	entries, err := os.ReadDir(tr.stageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return errs.Filesystem("scan staging directory", tr.stageDir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		txnStageDir := filepath.Join(tr.stageDir, entry.Name())
		markerPath := filepath.Join(txnStageDir, pendingMarkerName)

		data, err := os.ReadFile(markerPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return errs.Filesystem("read pending transaction marker", markerPath, err)
		}

		var p pending
		if err := json.Unmarshal(data, &p); err != nil {
			return errs.Integrity("parse pending transaction marker", err)
		}

		log.Warn().Str("transaction", p.Txn.ID).Msg("resuming pending transaction found at startup")

		if err := tr.resumeCommit(ctx, txnStageDir, p); err != nil {
			return err
		}
	}

	return nil
}

// resumeCommit decides which half of Commit a crash interrupted. If the
// marker never reached CommitDone, Commit itself was still in progress (or
// had not yet started, when p.Committed is empty): roll back whatever
// subset of files it managed to rename and drop the transaction, exactly
// as if it had failed outright. If CommitDone is set, every file was
// already renamed into place before the crash, so the only remaining work
// is Post-hook and Record, using the file lists Commit already persisted
// rather than re-walking staged trees that Commit emptied by renaming
// their contents out.
func (tr *TransactionRunner) resumeCommit(ctx context.Context, txnStageDir string, p pending) error {
	lock, err := acquireLock(tr.lockPath)
	if err != nil {
		return err
	}
	defer lock.release()

	if !p.CommitDone {
		rollbackCommitted(ctx, p.Committed)
		tr.clearPending(txnStageDir)

		return nil
	}

	txn := p.Txn

	// txn.Actions spans the whole plan (every batch, plus any remove/purge
	// requests applyRemovals handles separately), but this marker only
	// staged one batch's packages — p.Files records exactly which. Remove/
	// Purge actions never had a stage dir to begin with, so they are
	// naturally excluded by looking them up through p.Files rather than
	// walking txn.Actions directly.
	byName := make(map[model.PackageName]model.PackageRecord, len(txn.Actions))
	for _, action := range txn.Actions {
		if action.Kind == model.ActionInstall || action.Kind == model.ActionUpgrade {
			byName[action.Package.Name] = action.Package
		}
	}

	puts := make([]model.InstalledRecord, 0, len(p.Files))

	for name, files := range p.Files {
		rec, ok := byName[name]
		if !ok {
			continue
		}

		pkgStageDir := filepath.Join(txnStageDir, string(name))

		if err := tr.runLifecycleHook(ctx, rec, pkgStageDir, "postinst"); err != nil {
			rollbackCommitted(ctx, p.Committed)
			return err
		}

		puts = append(puts, model.InstalledRecord{
			PackageRecord: rec,
			InstalledAt:   time.Now(),
			Status:        model.StatusInstalled,
			ManualInstall: true,
			Files:         files,
		})
	}

	txn.Phase = model.PhaseRecord

	if err := tr.store.RecordTransactionWithInstalled(ctx, txn, puts, nil); err != nil {
		rollbackCommitted(ctx, p.Committed)
		return err
	}

	removeBackups(p.Committed)
	tr.clearPending(txnStageDir)

	return nil
}
