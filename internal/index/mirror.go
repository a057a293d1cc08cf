package index

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apexpm/apex/internal/errs"
	bolt "go.etcd.io/bbolt"
)

var bucketMirrorSamples = []byte("mirror_samples")

// mirrorStats is the persisted exponential moving average for one mirror
// URL within one repository, surviving process restarts so a freshly
// started downloader does not have to relearn which mirror is fast.
type mirrorStats struct {
	URL                   string    `json:"url"`
	EMARTT                float64   `json:"ema_rtt_ns"`
	EMAThroughput         float64   `json:"ema_throughput_bytes_per_sec"`
	Samples               int       `json:"samples"`
	LastSampleAt          time.Time `json:"last_sample_at"`
}

const mirrorEMAAlpha = 0.3

func mirrorSampleKey(repoID, url string) []byte {
	return []byte(repoID + "\x00" + url)
}

// RecordMirrorSample folds one latency/throughput observation for a
// repository's mirror into its persisted running average.
func (s *Store) RecordMirrorSample(ctx context.Context, repoID, url string, rtt time.Duration, throughputBytesPerSec float64) error {
	if err := ctx.Err(); err != nil {
		return errs.Cancel("record mirror sample", err)
	}

	key := mirrorSampleKey(repoID, url)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMirrorSamples)

		var st mirrorStats

		if v := b.Get(key); v != nil {
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
		} else {
			st.URL = url
		}

		if st.Samples == 0 {
			st.EMARTT = float64(rtt)
			st.EMAThroughput = throughputBytesPerSec
		} else {
			st.EMARTT = mirrorEMAAlpha*float64(rtt) + (1-mirrorEMAAlpha)*st.EMARTT
			st.EMAThroughput = mirrorEMAAlpha*throughputBytesPerSec + (1-mirrorEMAAlpha)*st.EMAThroughput
		}

		st.Samples++
		st.LastSampleAt = time.Now()

		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// BestMirror returns the URL with the lowest observed RTT for repoID, or ""
// if no sample has ever been recorded for it. This is a cold-start hint
// only: the downloader's in-memory Ranker still re-ranks on every fetch
// using samples from the current process, which react far faster than a
// value persisted once per fetch.
func (s *Store) BestMirror(ctx context.Context, repoID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.Cancel("best mirror", err)
	}

	prefix := []byte(repoID + "\x00")

	var best string

	var bestRTT float64

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMirrorSamples)

		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var st mirrorStats
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}

			if best == "" || st.EMARTT < bestRTT {
				best = st.URL
				bestRTT = st.EMARTT
			}
		}

		return nil
	})
	if err != nil {
		return "", errs.Filesystem("best mirror", "", err)
	}

	return best, nil
}
