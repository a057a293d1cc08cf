package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexpm/apex/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

func TestSwapRepositoryIndexReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	first := []model.PackageRecord{{Name: "hello", Version: "1.0"}}
	if err := s.SwapRepositoryIndex(ctx, repo.ID, first); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	recs, err := s.Query(ctx, "hello")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(recs) != 1 || recs[0].Version != "1.0" {
		t.Fatalf("unexpected query result: %+v", recs)
	}

	second := []model.PackageRecord{{Name: "hello", Version: "2.0"}}
	if err := s.SwapRepositoryIndex(ctx, repo.ID, second); err != nil {
		t.Fatalf("second swap: %v", err)
	}

	recs, err = s.Query(ctx, "hello")
	if err != nil {
		t.Fatalf("query after swap: %v", err)
	}

	if len(recs) != 1 || recs[0].Version != "2.0" {
		t.Fatalf("expected old version set to be fully replaced, got: %+v", recs)
	}
}

func TestQueryAcrossMultipleRepositoriesByPriority(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	low := model.Repository{ID: "extra", Priority: 100}
	high := model.Repository{ID: "main", Priority: 900}

	if err := s.PutRepository(ctx, low); err != nil {
		t.Fatalf("put low: %v", err)
	}

	if err := s.PutRepository(ctx, high); err != nil {
		t.Fatalf("put high: %v", err)
	}

	if err := s.SwapRepositoryIndex(ctx, low.ID, []model.PackageRecord{{Name: "hello", Version: "1.0-extra"}}); err != nil {
		t.Fatalf("swap low: %v", err)
	}

	if err := s.SwapRepositoryIndex(ctx, high.ID, []model.PackageRecord{{Name: "hello", Version: "1.0-main"}}); err != nil {
		t.Fatalf("swap high: %v", err)
	}

	repos, err := s.Repositories(ctx)
	if err != nil {
		t.Fatalf("repositories: %v", err)
	}

	if len(repos) != 2 || repos[0].ID != "main" {
		t.Fatalf("expected main repository first by priority, got: %+v", repos)
	}

	recs, err := s.Query(ctx, "hello")
	if err != nil {
		t.Fatalf("query: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("expected records from both repositories, got: %+v", recs)
	}
}

func TestAllProvidersFindsVirtualPackage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	rec := model.PackageRecord{
		Name:    "sendmail-postfix",
		Version: "1.0",
		Provides: []model.DependencyClause{
			{Alternatives: []model.DependencyAtom{{Name: "mail-transport-agent"}}},
		},
	}

	if err := s.SwapRepositoryIndex(ctx, repo.ID, []model.PackageRecord{rec}); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	providers, err := s.AllProviders(ctx, "mail-transport-agent")
	if err != nil {
		t.Fatalf("all providers: %v", err)
	}

	if len(providers) != 1 || providers[0].Name != "sendmail-postfix" {
		t.Fatalf("unexpected providers: %+v", providers)
	}
}

func TestInstalledSetPutAndRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := model.InstalledRecord{
		PackageRecord: model.PackageRecord{Name: "hello", Version: "1.0"},
		Status:        model.StatusInstalled,
	}

	if err := s.PutInstalled(ctx, rec); err != nil {
		t.Fatalf("put installed: %v", err)
	}

	set, err := s.InstalledSet(ctx)
	if err != nil {
		t.Fatalf("installed set: %v", err)
	}

	if len(set) != 1 || set[0].Name != "hello" {
		t.Fatalf("unexpected installed set: %+v", set)
	}

	if err := s.RemoveInstalled(ctx, "hello"); err != nil {
		t.Fatalf("remove installed: %v", err)
	}

	set, err = s.InstalledSet(ctx)
	if err != nil {
		t.Fatalf("installed set after remove: %v", err)
	}

	if len(set) != 0 {
		t.Fatalf("expected empty installed set after remove, got: %+v", set)
	}
}

func TestUpsertPackagesMergesWithoutClearingExisting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	if err := s.SwapRepositoryIndex(ctx, repo.ID, []model.PackageRecord{{Name: "hello", Version: "1.0"}}); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	if err := s.UpsertPackages(ctx, repo.ID, []model.PackageRecord{{Name: "world", Version: "1.0"}}); err != nil {
		t.Fatalf("upsert packages: %v", err)
	}

	hello, err := s.Query(ctx, "hello")
	if err != nil {
		t.Fatalf("query hello: %v", err)
	}

	if len(hello) != 1 {
		t.Fatalf("expected upsert to leave the existing record alone, got: %+v", hello)
	}

	world, err := s.Query(ctx, "world")
	if err != nil {
		t.Fatalf("query world: %v", err)
	}

	if len(world) != 1 {
		t.Fatalf("expected the upserted record to be queryable, got: %+v", world)
	}
}

func TestQueryPrefixMatchesNameStart(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	recs := []model.PackageRecord{
		{Name: "libfoo-dev", Version: "1.0"},
		{Name: "libfoo-doc", Version: "1.0"},
		{Name: "bar", Version: "1.0"},
	}

	if err := s.SwapRepositoryIndex(ctx, repo.ID, recs); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	got, err := s.QueryPrefix(ctx, "libfoo")
	if err != nil {
		t.Fatalf("query prefix: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 libfoo-prefixed records, got: %+v", got)
	}
}

func TestQueryFullTextMatchesDescription(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	recs := []model.PackageRecord{
		{Name: "hello", Version: "1.0", Description: "friendly greeting program"},
		{Name: "world", Version: "1.0", Description: "unrelated utility"},
	}

	if err := s.SwapRepositoryIndex(ctx, repo.ID, recs); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	got, err := s.QueryFullText(ctx, "greeting")
	if err != nil {
		t.Fatalf("query full text: %v", err)
	}

	if len(got) != 1 || got[0].Name != "hello" {
		t.Fatalf("expected only hello to match, got: %+v", got)
	}
}

func TestShowReturnsExactOrLatestVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	repo := model.Repository{ID: "main", Priority: 500}
	if err := s.PutRepository(ctx, repo); err != nil {
		t.Fatalf("put repository: %v", err)
	}

	recs := []model.PackageRecord{
		{Name: "hello", Version: "1.0"},
		{Name: "hello", Version: "2.0"},
	}

	if err := s.SwapRepositoryIndex(ctx, repo.ID, recs); err != nil {
		t.Fatalf("swap index: %v", err)
	}

	latest, err := s.Show(ctx, "hello", "")
	if err != nil {
		t.Fatalf("show latest: %v", err)
	}

	if latest == nil || latest.Version != "2.0" {
		t.Fatalf("expected latest version 2.0, got: %+v", latest)
	}

	exact, err := s.Show(ctx, "hello", "1.0")
	if err != nil {
		t.Fatalf("show exact: %v", err)
	}

	if exact == nil || exact.Version != "1.0" {
		t.Fatalf("expected exact version 1.0, got: %+v", exact)
	}

	missing, err := s.Show(ctx, "hello", "9.9")
	if err != nil {
		t.Fatalf("show missing version: %v", err)
	}

	if missing != nil {
		t.Fatalf("expected nil for an unknown version, got: %+v", missing)
	}
}

func TestRecordMirrorSampleAndBestMirror(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.RecordMirrorSample(ctx, "main", "https://slow.example", 200*time.Millisecond, 1_000_000); err != nil {
		t.Fatalf("record slow sample: %v", err)
	}

	if err := s.RecordMirrorSample(ctx, "main", "https://fast.example", 20*time.Millisecond, 10_000_000); err != nil {
		t.Fatalf("record fast sample: %v", err)
	}

	best, err := s.BestMirror(ctx, "main")
	if err != nil {
		t.Fatalf("best mirror: %v", err)
	}

	if best != "https://fast.example" {
		t.Fatalf("expected the lower-RTT mirror to win, got %q", best)
	}

	none, err := s.BestMirror(ctx, "other-repo")
	if err != nil {
		t.Fatalf("best mirror for unknown repo: %v", err)
	}

	if none != "" {
		t.Fatalf("expected no best mirror for a repo with no samples, got %q", none)
	}
}

func TestRecordTransactionWithInstalledIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	txn := model.Transaction{ID: "txn-1", Phase: model.PhaseRecord}
	puts := []model.InstalledRecord{{PackageRecord: model.PackageRecord{Name: "hello", Version: "1.0"}, Status: model.StatusInstalled}}

	if err := s.RecordTransactionWithInstalled(ctx, txn, puts, nil); err != nil {
		t.Fatalf("record transaction: %v", err)
	}

	got, err := s.Transaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}

	if got == nil || got.Phase != model.PhaseRecord {
		t.Fatalf("unexpected transaction: %+v", got)
	}

	set, err := s.InstalledSet(ctx)
	if err != nil {
		t.Fatalf("installed set: %v", err)
	}

	if len(set) != 1 || set[0].Name != "hello" {
		t.Fatalf("unexpected installed set: %+v", set)
	}
}
