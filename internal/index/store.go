// Package index is apex's durable, transactional repository and installed-
// state store. It wraps bbolt so readers always observe a consistent
// snapshot and a repository's metadata swap is atomic: no reader ever
// observes a torn mix of an old and new package set for the same
// repository.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apexpm/apex/internal/debver"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRepositories  = []byte("repositories")
	bucketInstalled     = []byte("installed")
	bucketTransactions  = []byte("transactions")
)

func packagesBucketName(repoID string) []byte {
	return []byte("packages:" + repoID)
}

// Store is apex's bbolt-backed index.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the index database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, nil)
	if err != nil {
		return nil, errs.Filesystem("open index", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRepositories, bucketInstalled, bucketTransactions, bucketMirrorSamples} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.Filesystem("initialize index buckets", path, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutRepository registers or updates a repository definition.
func (s *Store) PutRepository(ctx context.Context, repo model.Repository) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("put repository", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)

		data, err := json.Marshal(repo)
		if err != nil {
			return err
		}

		return b.Put([]byte(repo.ID), data)
	})
}

// Repositories lists every registered repository.
func (s *Store) Repositories(ctx context.Context) ([]model.Repository, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("list repositories", err)
	}

	var out []model.Repository

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositories)
		return b.ForEach(func(_, v []byte) error {
			var r model.Repository
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			out = append(out, r)

			return nil
		})
	})
	if err != nil {
		return nil, errs.Filesystem("list repositories", "", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })

	return out, nil
}

// SwapRepositoryIndex atomically replaces a repository's package set.
// Readers already inside a View transaction continue to see the old
// bucket contents in full; any transaction started after this commits
// sees the new contents in full. bbolt serializes this against any other
// writer, so two swaps of the same repository never interleave.
func (s *Store) SwapRepositoryIndex(ctx context.Context, repoID string, records []model.PackageRecord) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("swap repository index", err)
	}

	name := packagesBucketName(repoID)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}

		b, err := tx.CreateBucket(name)
		if err != nil {
			return err
		}

		for i := range records {
			key := recordKey(records[i].Name, records[i].Version)

			data, err := json.Marshal(records[i])
			if err != nil {
				return err
			}

			if err := b.Put(key, data); err != nil {
				return err
			}
		}

		return nil
	})
}

func recordKey(name model.PackageName, version string) []byte {
	return []byte(fmt.Sprintf("%s@%s", name, version))
}

// UpsertPackages merges records into a repository's bucket without
// disturbing any record already there, for incremental (delta) index
// updates. Use SwapRepositoryIndex instead when replacing the full set.
func (s *Store) UpsertPackages(ctx context.Context, repoID string, records []model.PackageRecord) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("upsert packages", err)
	}

	name := packagesBucketName(repoID)

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}

		for i := range records {
			key := recordKey(records[i].Name, records[i].Version)

			data, err := json.Marshal(records[i])
			if err != nil {
				return err
			}

			if err := b.Put(key, data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Query returns every known version of name across all repositories,
// highest repository priority first.
func (s *Store) Query(ctx context.Context, name model.PackageName) ([]model.PackageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("query index", err)
	}

	repos, err := s.Repositories(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.PackageRecord

	err = s.db.View(func(tx *bolt.Tx) error {
		for _, repo := range repos {
			b := tx.Bucket(packagesBucketName(repo.ID))
			if b == nil {
				continue
			}

			prefix := []byte(string(name) + "@")

			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var rec model.PackageRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				out = append(out, rec)
			}
		}

		return nil
	})
	if err != nil {
		return nil, errs.Filesystem("query index", "", err)
	}

	return out, nil
}

// AllProviders returns every record across every repository whose
// Provides clauses include virtual.
func (s *Store) AllProviders(ctx context.Context, virtual model.PackageName) ([]model.PackageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("query providers", err)
	}

	repos, err := s.Repositories(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.PackageRecord

	err = s.db.View(func(tx *bolt.Tx) error {
		for _, repo := range repos {
			b := tx.Bucket(packagesBucketName(repo.ID))
			if b == nil {
				continue
			}

			if err := b.ForEach(func(_, v []byte) error {
				var rec model.PackageRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				for _, clause := range rec.Provides {
					for _, atom := range clause.Alternatives {
						if atom.Name == virtual {
							out = append(out, rec)
							return nil
						}
					}
				}

				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, errs.Filesystem("query providers", "", err)
	}

	return out, nil
}

// QueryPrefix returns every known record across all repositories whose
// package name begins with p, highest repository priority first.
func (s *Store) QueryPrefix(ctx context.Context, p string) ([]model.PackageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("query index by prefix", err)
	}

	repos, err := s.Repositories(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.PackageRecord

	err = s.db.View(func(tx *bolt.Tx) error {
		for _, repo := range repos {
			b := tx.Bucket(packagesBucketName(repo.ID))
			if b == nil {
				continue
			}

			prefix := []byte(p)

			c := b.Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var rec model.PackageRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				out = append(out, rec)
			}
		}

		return nil
	})
	if err != nil {
		return nil, errs.Filesystem("query index by prefix", "", err)
	}

	return out, nil
}

// QueryFullText returns every record across all repositories whose name or
// description contains q, a simple case-insensitive substring search (no
// inverted index: a repository's package set is small enough, a few tens
// of thousands of records at most, that a linear scan per query is cheap
// next to the network round trip a search precedes).
func (s *Store) QueryFullText(ctx context.Context, q string) ([]model.PackageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("query index full text", err)
	}

	repos, err := s.Repositories(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(q)

	var out []model.PackageRecord

	err = s.db.View(func(tx *bolt.Tx) error {
		for _, repo := range repos {
			b := tx.Bucket(packagesBucketName(repo.ID))
			if b == nil {
				continue
			}

			if err := b.ForEach(func(_, v []byte) error {
				var rec model.PackageRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}

				if strings.Contains(strings.ToLower(string(rec.Name)), needle) ||
					strings.Contains(strings.ToLower(rec.Description), needle) {
					out = append(out, rec)
				}

				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, errs.Filesystem("query index full text", "", err)
	}

	return out, nil
}

// Show returns a single named package record: the exact version if given,
// otherwise the highest version known across all repositories. It reports
// (nil, nil) rather than an error when name is simply unknown, leaving the
// "not found" decision to the caller's presentation layer.
func (s *Store) Show(ctx context.Context, name model.PackageName, version string) (*model.PackageRecord, error) {
	recs, err := s.Query(ctx, name)
	if err != nil {
		return nil, err
	}

	if version != "" {
		for i := range recs {
			if recs[i].Version == version {
				return &recs[i], nil
			}
		}

		return nil, nil
	}

	var best *model.PackageRecord

	for i := range recs {
		if best == nil || debver.Compare(recs[i].Version, best.Version) > 0 {
			best = &recs[i]
		}
	}

	return best, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}

	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}

	return true
}
