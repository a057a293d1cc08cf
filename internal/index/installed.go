package index

import (
	"context"
	"encoding/json"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
	bolt "go.etcd.io/bbolt"
)

// InstalledSet returns every currently-installed package record.
func (s *Store) InstalledSet(ctx context.Context) ([]model.InstalledRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("list installed set", err)
	}

	var out []model.InstalledRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)
		return b.ForEach(func(_, v []byte) error {
			var rec model.InstalledRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			out = append(out, rec)

			return nil
		})
	})
	if err != nil {
		return nil, errs.Filesystem("list installed set", "", err)
	}

	return out, nil
}

// PutInstalled upserts an InstalledRecord.
func (s *Store) PutInstalled(ctx context.Context, rec model.InstalledRecord) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("put installed record", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstalled)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put([]byte(rec.Name), data)
	})
}

// RemoveInstalled deletes an InstalledRecord by package name.
func (s *Store) RemoveInstalled(ctx context.Context, name model.PackageName) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("remove installed record", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstalled).Delete([]byte(name))
	})
}

// RecordTransactionWithInstalled durably records a completed Transaction
// and its resulting InstalledRecord mutations in a single bbolt
// transaction, so a crash can never observe one without the other. This
// is the installer's Record phase and the only place both buckets are
// written together.
func (s *Store) RecordTransactionWithInstalled(ctx context.Context, txn model.Transaction, puts []model.InstalledRecord, removes []model.PackageName) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("record transaction", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		txData, err := json.Marshal(txn)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketTransactions).Put([]byte(txn.ID), txData); err != nil {
			return err
		}

		installed := tx.Bucket(bucketInstalled)

		for _, rec := range puts {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			if err := installed.Put([]byte(rec.Name), data); err != nil {
				return err
			}
		}

		for _, name := range removes {
			if err := installed.Delete([]byte(name)); err != nil {
				return err
			}
		}

		return nil
	})
}

// Transaction looks up a recorded transaction by id.
func (s *Store) Transaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancel("get transaction", err)
	}

	var out *model.Transaction

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransactions).Get([]byte(id))
		if v == nil {
			return nil
		}

		var t model.Transaction
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}

		out = &t

		return nil
	})
	if err != nil {
		return nil, errs.Filesystem("get transaction", "", err)
	}

	return out, nil
}
