// Package installer applies a resolved solver.Plan as a sequence of
// crash-restartable, all-or-nothing transactions: Prefetch, Verify,
// Stage, Pre-hook, Commit, Post-hook, Record.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apexpm/apex/internal/container"
	"github.com/apexpm/apex/internal/downloader"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/hooksandbox"
	"github.com/apexpm/apex/internal/logging"
	"github.com/apexpm/apex/internal/model"
	"github.com/apexpm/apex/internal/solver"
	"github.com/apexpm/apex/internal/verifier"
	"golang.org/x/sync/errgroup"
)

// Fetcher is the download surface the installer needs; *downloader.Pool
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req downloader.FetchRequest) (string, error)
}

// Store is the index surface the installer needs; *index.Store satisfies
// it.
type Store interface {
	InstalledSet(ctx context.Context) ([]model.InstalledRecord, error)
	PutInstalled(ctx context.Context, rec model.InstalledRecord) error
	RemoveInstalled(ctx context.Context, name model.PackageName) error
	RecordTransactionWithInstalled(ctx context.Context, txn model.Transaction, puts []model.InstalledRecord, removes []model.PackageName) error
}

// HookRunner is the hook-execution surface the installer needs;
// *hooksandbox.Runner satisfies it.
type HookRunner interface {
	Run(ctx context.Context, hook hooksandbox.Hook, stageDir string, rec model.PackageRecord, action string) error
}

// TransactionRunner applies solver plans to an install root.
type TransactionRunner struct {
	store Store
	fetch Fetcher
	trust *verifier.TrustStore
	chain []verifier.Certificate
	hooks HookRunner

	rootDir  string
	cacheDir string
	stageDir string
	lockPath string

	concurrency int
}

// NewTransactionRunner constructs a TransactionRunner rooted at rootDir,
// using cacheDir for fetched containers and stageDir as the base for
// per-transaction staging trees.
func NewTransactionRunner(store Store, fetch Fetcher, trust *verifier.TrustStore, chain []verifier.Certificate, hooks HookRunner, rootDir, cacheDir, stageDir, lockPath string) *TransactionRunner {
	return &TransactionRunner{
		store: store, fetch: fetch, trust: trust, chain: chain, hooks: hooks,
		rootDir: rootDir, cacheDir: cacheDir, stageDir: stageDir, lockPath: lockPath,
		concurrency: 8,
	}
}

// pending is the crash-restart marker persisted under stageDir/<txn.ID>
// once Stage completes and before Commit begins. Committed and Files grow
// incrementally as each package's Commit finishes, so a resume can tell
// whether Commit fully finished before a crash (CommitDone) and, either
// way, has everything rollback needs without re-walking staged trees that
// Commit has already emptied by renaming their contents out.
type pending struct {
	Txn        model.Transaction                       `json:"txn"`
	StageAt    string                                   `json:"stage_dir"`
	CommitDone bool                                     `json:"commit_done"`
	Committed  []committedFile                          `json:"committed,omitempty"`
	Files      map[model.PackageName][]model.FileEntry `json:"files,omitempty"`
}

// Apply runs every phase of plan in order, batch by batch, returning the
// durably recorded Transaction. A failure before Commit leaves the
// filesystem untouched; a failure during or after Commit either rolls
// back in-process (Post-hook, Record) or is recoverable via ResumePending
// after a crash.
func (tr *TransactionRunner) Apply(ctx context.Context, plan *solver.Plan) (*model.Transaction, error) {
	lock, err := acquireLock(tr.lockPath)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	log := logging.Component(ctx, "installer")

	installedList, err := tr.store.InstalledSet(ctx)
	if err != nil {
		return nil, err
	}

	installed := make(map[model.PackageName]model.InstalledRecord, len(installedList))
	for _, rec := range installedList {
		installed[rec.Name] = rec
	}

	actions := actionsFromPlan(plan, installed)

	txn := model.Transaction{
		ID:        transactionID(actions),
		Actions:   actions,
		Phase:     model.PhasePrefetch,
		CreatedAt: time.Now(),
	}

	txnStageDir := filepath.Join(tr.stageDir, txn.ID)
	if err := os.MkdirAll(txnStageDir, 0o755); err != nil {
		return nil, errs.Filesystem("create staging directory", txnStageDir, err)
	}

	decoded := make(map[model.PackageName]*container.Decoded, len(actions))

	for _, batch := range plan.Batches() {
		// A package already installed at its pinned version has no action
		// (see actionsFromPlan) and is not reinstalled.
		todo := batch[:0:0]
		for _, rec := range batch {
			if old, ok := installed[rec.Name]; ok && old.Version == rec.Version {
				continue
			}
			todo = append(todo, rec)
		}
		if len(todo) == 0 {
			continue
		}
		batch = todo

		log.Info().Int("batch_size", len(batch)).Msg("applying batch")

		cached, err := tr.prefetch(ctx, batch)
		if err != nil {
			return nil, err
		}

		txn.Phase = model.PhaseVerify

		for _, rec := range batch {
			d, err := tr.verify(rec, cached[rec.Name])
			if err != nil {
				return nil, err
			}

			decoded[rec.Name] = d
		}

		txn.Phase = model.PhaseStage

		var batchSize int64
		for _, rec := range batch {
			batchSize += rec.InstalledSize
		}

		if err := checkDiskSpace(tr.rootDir, batchSize); err != nil {
			return nil, err
		}

		stageDirs := make(map[model.PackageName]string, len(batch))

		for _, rec := range batch {
			dir := filepath.Join(txnStageDir, string(rec.Name))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errs.Filesystem("create package staging directory", dir, err)
			}

			if err := stagePackage(decoded[rec.Name], dir); err != nil {
				return nil, err
			}

			stageDirs[rec.Name] = dir
		}

		txn.Phase = model.PhasePreHook

		for _, rec := range batch {
			if err := tr.runLifecycleHook(ctx, rec, stageDirs[rec.Name], "preinst"); err != nil {
				return nil, err
			}
		}

		p := pending{Txn: txn, StageAt: txnStageDir, Files: make(map[model.PackageName][]model.FileEntry, len(batch))}

		if err := tr.persistPending(txnStageDir, p); err != nil {
			return nil, err
		}

		txn.Phase = model.PhaseCommit

		records := make(map[model.PackageName][]model.FileEntry, len(batch))

		var commitErr error

		for _, rec := range batch {
			files, committed, err := commitPackage(stageDirs[rec.Name], tr.rootDir)
			p.Committed = append(p.Committed, committed...)

			if err != nil {
				commitErr = err
				break
			}

			records[rec.Name] = files
			p.Files[rec.Name] = files

			if old, ok := installed[rec.Name]; ok {
				stale, err := removeStaleFiles(tr.rootDir, old.Files, files)
				p.Committed = append(p.Committed, stale...)

				if err != nil {
					commitErr = err
					break
				}
			}

			if err := tr.persistPending(txnStageDir, p); err != nil {
				rollbackCommitted(ctx, p.Committed)
				return nil, err
			}
		}

		if commitErr != nil {
			rollbackCommitted(ctx, p.Committed)
			return nil, commitErr
		}

		p.CommitDone = true
		if err := tr.persistPending(txnStageDir, p); err != nil {
			rollbackCommitted(ctx, p.Committed)
			return nil, err
		}

		txn.Phase = model.PhasePostHook

		for _, rec := range batch {
			if err := tr.runLifecycleHook(ctx, rec, stageDirs[rec.Name], "postinst"); err != nil {
				rollbackCommitted(ctx, p.Committed)
				return nil, err
			}
		}

		txn.Phase = model.PhaseRecord

		puts := make([]model.InstalledRecord, 0, len(batch))

		for _, rec := range batch {
			puts = append(puts, model.InstalledRecord{
				PackageRecord: rec,
				InstalledAt:   time.Now(),
				Status:        model.StatusInstalled,
				ManualInstall: true,
				Files:         records[rec.Name],
			})
		}

		if err := tr.store.RecordTransactionWithInstalled(ctx, txn, puts, nil); err != nil {
			rollbackCommitted(ctx, p.Committed)
			return nil, err
		}

		removeBackups(p.Committed)
		tr.clearPending(txnStageDir)
	}

	if err := tr.applyRemovals(ctx, &txn, plan.Removed, installed); err != nil {
		return nil, err
	}

	txn.Phase = model.PhaseDone

	for _, name := range plan.Orphans {
		log.Info().Str("package", string(name)).Msg("package is now an orphan")
	}

	return &txn, nil
}

// applyRemovals commits each requested removal as its own Commit/Record
// step: every file the installed package claimed is backed up and
// unlinked, then the index is updated (Purge drops the InstalledRecord
// entirely; a plain remove demotes it to config-files, matching Debian's
// "rc" state even though this format has no distinct conffile list to
// preserve). Removal never stages a container, so there is no pre/post
// hook to run: any hooks the package shipped lived only in its original
// install-time staging tree, long since discarded.
func (tr *TransactionRunner) applyRemovals(ctx context.Context, txn *model.Transaction, removes []solver.RemoveRequest, installed map[model.PackageName]model.InstalledRecord) error {
	for _, rm := range removes {
		rec, ok := installed[rm.Name]
		if !ok {
			continue
		}

		txn.Phase = model.PhaseCommit

		committed, err := removeStaleFiles(tr.rootDir, rec.Files, nil)
		if err != nil {
			rollbackCommitted(ctx, committed)
			return err
		}

		txn.Phase = model.PhaseRecord

		var puts []model.InstalledRecord
		var drops []model.PackageName

		if rm.Purge {
			drops = []model.PackageName{rm.Name}
		} else {
			demoted := rec
			demoted.Status = model.StatusConfigFiles
			demoted.Files = nil
			puts = []model.InstalledRecord{demoted}
		}

		if err := tr.store.RecordTransactionWithInstalled(ctx, *txn, puts, drops); err != nil {
			rollbackCommitted(ctx, committed)
			return err
		}

		removeBackups(committed)
	}

	return nil
}

func (tr *TransactionRunner) prefetch(ctx context.Context, batch []model.PackageRecord) (map[model.PackageName]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, tr.concurrency)

	out := make(map[model.PackageName]string, len(batch))
	var mu sync.Mutex

	for _, rec := range batch {
		rec := rec

		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return nil, errs.Cancel("prefetch", gctx.Err())
		}

		g.Go(func() error {
			defer func() { <-sem }()

			path, err := tr.fetch.Fetch(gctx, downloader.FetchRequest{
				Digest:       rec.SHA256,
				PathOnMirror: rec.Filename,
				Size:         rec.Size,
				Chunks:       []downloader.ChunkDigest{{Offset: 0, Length: rec.Size, SHA256: rec.SHA256}},
				DestDir:      tr.cacheDir,
			})
			if err != nil {
				return err
			}

			mu.Lock()
			out[rec.Name] = path
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (tr *TransactionRunner) verify(rec model.PackageRecord, cachedPath string) (*container.Decoded, error) {
	f, err := os.Open(cachedPath)
	if err != nil {
		return nil, errs.Filesystem("open cached container", cachedPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Filesystem("stat cached container", cachedPath, err)
	}

	if rec.Format == model.FormatLegacy {
		return nil, errs.Config("verify legacy container", fmt.Errorf("package %s: legacy containers are verified at repository sync time via the signed Release checksums, not per-transaction signatures", rec.Name))
	}

	d, err := container.Decode(f, info.Size())
	if err != nil {
		return nil, err
	}

	if err := verifier.VerifyNativeContainer(d, tr.chain, tr.trust); err != nil {
		return nil, err
	}

	if d.Record.Name != rec.Name || d.Record.Version != rec.Version {
		return nil, errs.Integrity("verify container identity", fmt.Errorf("fetched %s %s, expected %s %s", d.Record.Name, d.Record.Version, rec.Name, rec.Version))
	}

	return d, nil
}

func (tr *TransactionRunner) runLifecycleHook(ctx context.Context, rec model.PackageRecord, stageDir, action string) error {
	hookPath := filepath.Join(stageDir, ".apex-hooks", action)

	if _, err := os.Stat(hookPath); err != nil {
		return nil // packages need not ship every hook
	}

	return tr.hooks.Run(ctx, hooksandbox.Hook{Name: action, Path: hookPath}, stageDir, rec, action)
}

// commitPackage walks a staged package tree and commits every regular
// file into root, returning the FileEntry list for the InstalledRecord
// alongside the committedFile list a caller can pass to rollbackCommitted
// or removeBackups. The committed list includes every file this call
// placed even when it returns an error partway through, so the caller can
// still unwind exactly what happened.
func commitPackage(stageDir, root string) ([]model.FileEntry, []committedFile, error) {
	var files []model.FileEntry
	var committed []committedFile

	err := filepath.Walk(stageDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}

		if rel == ".apex-hooks" || strings.HasPrefix(rel, ".apex-hooks"+string(filepath.Separator)) {
			return nil // hooks are not installed content
		}

		finalPath := filepath.Join(root, rel)

		backupPath, err := commitFile(path, finalPath)
		if err != nil {
			return err
		}

		committed = append(committed, committedFile{FinalPath: finalPath, BackupPath: backupPath})

		sum, err := sha256File(finalPath)
		if err != nil {
			return err
		}

		files = append(files, model.FileEntry{Path: rel, SHA256: sum, Mode: uint32(info.Mode().Perm())})

		return nil
	})
	if err != nil {
		return nil, committed, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return files, committed, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Filesystem("checksum installed file", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Filesystem("checksum installed file", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// actionsFromPlan diffs a resolved Plan against the currently installed
// set to classify every package it touches: a name pinned at a version
// that differs from what's installed is an upgrade, a name pinned with
// nothing installed is a plain install, and a name the Plan was asked to
// remove becomes a remove or purge action depending on the request.
func actionsFromPlan(plan *solver.Plan, installed map[model.PackageName]model.InstalledRecord) []model.Action {
	names := make([]model.PackageName, 0, len(plan.Pinned))
	for n := range plan.Pinned {
		names = append(names, n)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	actions := make([]model.Action, 0, len(names)+len(plan.Removed))

	for _, n := range names {
		rec := plan.Pinned[n]

		if old, ok := installed[n]; ok {
			if old.Version == rec.Version {
				continue // already installed at this version; nothing to do
			}

			actions = append(actions, model.Action{Kind: model.ActionUpgrade, Package: rec})

			continue
		}

		actions = append(actions, model.Action{Kind: model.ActionInstall, Package: rec})
	}

	removes := append([]solver.RemoveRequest{}, plan.Removed...)
	sort.Slice(removes, func(i, j int) bool { return removes[i].Name < removes[j].Name })

	for _, rm := range removes {
		rec, ok := installed[rm.Name]
		if !ok {
			continue
		}

		kind := model.ActionRemove
		if rm.Purge {
			kind = model.ActionPurge
		}

		actions = append(actions, model.Action{Kind: kind, Package: rec.PackageRecord})
	}

	return actions
}

func transactionID(actions []model.Action) string {
	h := sha256.New()
	for _, a := range actions {
		h.Write([]byte(a.Package.Name))
		h.Write([]byte(a.Package.Version))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
