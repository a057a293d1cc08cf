package installer

import (
	"archive/tar"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexpm/apex/internal/container"
	"github.com/apexpm/apex/internal/downloader"
	"github.com/apexpm/apex/internal/hooksandbox"
	"github.com/apexpm/apex/internal/model"
	"github.com/apexpm/apex/internal/solver"
	"github.com/apexpm/apex/internal/verifier"
)

type fakeFetcher struct {
	paths map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, req downloader.FetchRequest) (string, error) {
	return f.paths[req.Digest], nil
}

type fakeStore struct {
	installed map[model.PackageName]model.InstalledRecord
	recorded  []model.InstalledRecord
}

func (s *fakeStore) InstalledSet(context.Context) ([]model.InstalledRecord, error) {
	out := make([]model.InstalledRecord, 0, len(s.installed))
	for _, rec := range s.installed {
		out = append(out, rec)
	}

	return out, nil
}

func (s *fakeStore) PutInstalled(_ context.Context, rec model.InstalledRecord) error {
	s.recorded = append(s.recorded, rec)
	return nil
}

func (s *fakeStore) RemoveInstalled(context.Context, model.PackageName) error { return nil }

func (s *fakeStore) RecordTransactionWithInstalled(_ context.Context, _ model.Transaction, puts []model.InstalledRecord, _ []model.PackageName) error {
	s.recorded = append(s.recorded, puts...)
	return nil
}

type noopHooks struct{}

func (noopHooks) Run(context.Context, hooksandbox.Hook, string, model.PackageRecord, string) error {
	return nil
}

func selfSignedChain(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey) []verifier.Certificate {
	t.Helper()

	cert := verifier.Certificate{
		Serial:    "1",
		Subject:   "test-root",
		Issuer:    "test-root",
		PublicKey: pub,
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}

	tbs, err := certTBS(&cert)
	if err != nil {
		t.Fatalf("tbs: %v", err)
	}

	cert.Signature = ed25519.Sign(priv, tbs)

	return []verifier.Certificate{cert}
}

// certTBS re-derives the canonical bytes verifier.Certificate signs, since
// the field is unexported; tests sign the same shape VerifyCertificate
// recomputes.
func certTBS(c *verifier.Certificate) ([]byte, error) {
	type tbsShape struct {
		Serial    string    `json:"serial"`
		Subject   string    `json:"subject"`
		Issuer    string    `json:"issuer"`
		PublicKey []byte    `json:"public_key"`
		NotBefore time.Time `json:"not_before"`
		NotAfter  time.Time `json:"not_after"`
	}

	return json.Marshal(tbsShape{c.Serial, c.Subject, c.Issuer, c.PublicKey, c.NotBefore, c.NotAfter})
}

func buildNativeContainer(t *testing.T, dir string, rec model.PackageRecord, priv ed25519.PrivateKey, fileBody string) string {
	t.Helper()

	path := filepath.Join(dir, string(rec.Name)+".apx")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create container: %v", err)
	}
	defer f.Close()

	files := []container.FileDigest{{Path: "usr/bin/" + string(rec.Name), SHA256: sha256Hex(fileBody), Mode: 0o755}}

	err = container.Encode(f, rec, files, func(tw *tar.Writer) error {
		body := []byte(fileBody)
		hdr := &tar.Header{Name: "usr/bin/" + string(rec.Name), Mode: 0o755, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		_, err := tw.Write(body)

		return err
	}, func(data []byte) ([]byte, error) {
		return ed25519.Sign(priv, data), nil
	})
	if err != nil {
		t.Fatalf("encode container: %v", err)
	}

	return path
}

func TestApplyCommitsVerifiedPackage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	trust := verifier.NewTrustStore()
	trust.AddRoot(pub)
	chain := selfSignedChain(t, pub, priv)

	root := t.TempDir()
	cache := t.TempDir()
	stage := t.TempDir()

	rec := model.PackageRecord{Name: "hello", Version: "1.0", Format: model.FormatNative, SHA256: "digest-hello"}
	containerPath := buildNativeContainer(t, cache, rec, priv, "#!/bin/sh\necho hi\n")

	fetcher := &fakeFetcher{paths: map[string]string{"digest-hello": containerPath}}
	store := &fakeStore{}

	tr := NewTransactionRunner(store, fetcher, trust, chain, noopHooks{}, root, cache, stage, filepath.Join(stage, "apex.lock"))

	idx := &planIndex{recs: map[model.PackageName][]model.PackageRecord{"hello": {rec}}}
	r := solver.NewResolver(idx, solver.ResolveOptions{})

	plan, err := r.Resolve(context.Background(), nil, []solver.Requirement{{Name: "hello", Constraint: model.DependencyClause{}}}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	txn, err := tr.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if txn.Phase != model.PhaseDone {
		t.Fatalf("expected PhaseDone, got %s", txn.Phase)
	}

	installedPath := filepath.Join(root, "usr/bin/hello")
	if _, err := os.Stat(installedPath); err != nil {
		t.Fatalf("expected installed file at %s: %v", installedPath, err)
	}

	if len(store.recorded) != 1 || store.recorded[0].Name != "hello" {
		t.Fatalf("expected hello recorded as installed, got %+v", store.recorded)
	}
}

func TestActionsFromPlanClassifiesUpgrade(t *testing.T) {
	plan := &solver.Plan{Pinned: map[model.PackageName]model.PackageRecord{
		"foo": {Name: "foo", Version: "2.0"},
		"bar": {Name: "bar", Version: "1.0"},
	}}

	installed := map[model.PackageName]model.InstalledRecord{
		"foo": {PackageRecord: model.PackageRecord{Name: "foo", Version: "1.0"}},
	}

	actions := actionsFromPlan(plan, installed)

	var sawUpgrade, sawInstall bool

	for _, a := range actions {
		switch a.Package.Name {
		case "foo":
			if a.Kind != model.ActionUpgrade {
				t.Fatalf("expected foo to be an upgrade, got %s", a.Kind)
			}

			sawUpgrade = true
		case "bar":
			if a.Kind != model.ActionInstall {
				t.Fatalf("expected bar to be an install, got %s", a.Kind)
			}

			sawInstall = true
		}
	}

	if !sawUpgrade || !sawInstall {
		t.Fatalf("expected both an upgrade and an install action, got %+v", actions)
	}
}

func TestActionsFromPlanSkipsAlreadyCurrentVersion(t *testing.T) {
	plan := &solver.Plan{Pinned: map[model.PackageName]model.PackageRecord{
		"foo": {Name: "foo", Version: "1.0"},
	}}

	installed := map[model.PackageName]model.InstalledRecord{
		"foo": {PackageRecord: model.PackageRecord{Name: "foo", Version: "1.0"}},
	}

	actions := actionsFromPlan(plan, installed)
	if len(actions) != 0 {
		t.Fatalf("expected no action for an already-current package, got %+v", actions)
	}
}

func TestActionsFromPlanEmitsRemoveAndPurge(t *testing.T) {
	plan := &solver.Plan{
		Pinned: map[model.PackageName]model.PackageRecord{},
		Removed: []solver.RemoveRequest{
			{Name: "foo"},
			{Name: "bar", Purge: true},
		},
	}

	installed := map[model.PackageName]model.InstalledRecord{
		"foo": {PackageRecord: model.PackageRecord{Name: "foo", Version: "1.0"}},
		"bar": {PackageRecord: model.PackageRecord{Name: "bar", Version: "1.0"}},
	}

	actions := actionsFromPlan(plan, installed)
	if len(actions) != 2 {
		t.Fatalf("expected 2 removal actions, got %+v", actions)
	}

	for _, a := range actions {
		switch a.Package.Name {
		case "foo":
			if a.Kind != model.ActionRemove {
				t.Fatalf("expected foo to be a plain remove, got %s", a.Kind)
			}
		case "bar":
			if a.Kind != model.ActionPurge {
				t.Fatalf("expected bar to be a purge, got %s", a.Kind)
			}
		}
	}
}

func TestRollbackCommittedRestoresBackupsAndUnlinksNewFiles(t *testing.T) {
	root := t.TempDir()

	existing := filepath.Join(root, "etc/existing.conf")
	if err := os.MkdirAll(filepath.Dir(existing), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(existing, []byte("original"), 0o644); err != nil {
		t.Fatalf("write original: %v", err)
	}

	backupPath := existing + ".apex-backup"
	if err := os.Rename(existing, backupPath); err != nil {
		t.Fatalf("rename to backup: %v", err)
	}

	if err := os.WriteFile(existing, []byte("new contents"), 0o644); err != nil {
		t.Fatalf("write replacement: %v", err)
	}

	newFile := filepath.Join(root, "usr/bin/newtool")
	if err := os.MkdirAll(filepath.Dir(newFile), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(newFile, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write new file: %v", err)
	}

	committed := []committedFile{
		{FinalPath: existing, BackupPath: backupPath},
		{FinalPath: newFile},
	}

	rollbackCommitted(context.Background(), committed)

	data, err := os.ReadFile(existing)
	if err != nil {
		t.Fatalf("expected restored file to exist: %v", err)
	}

	if string(data) != "original" {
		t.Fatalf("expected restored original contents, got %q", data)
	}

	if _, err := os.Stat(newFile); !os.IsNotExist(err) {
		t.Fatalf("expected newly-committed file to be unlinked, got err=%v", err)
	}

	if _, err := os.Stat(backupPath); !os.IsNotExist(err) {
		t.Fatalf("expected backup to be consumed by the restore")
	}
}

type planIndex struct {
	recs map[model.PackageName][]model.PackageRecord
}

func (p *planIndex) Query(_ context.Context, name model.PackageName) ([]model.PackageRecord, error) {
	return p.recs[name], nil
}

func (p *planIndex) AllProviders(context.Context, model.PackageName) ([]model.PackageRecord, error) {
	return nil, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
