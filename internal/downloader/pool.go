package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/logging"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ChunkDigest is one expected-checksum chunk of a FetchRequest's content,
// carried by the repository index alongside the container record.
type ChunkDigest struct {
	Offset int64
	Length int64
	SHA256 string
}

// FetchRequest names one container to fetch: its path relative to a
// mirror's BaseURL, total size, per-chunk digests, and destination.
type FetchRequest struct {
	Digest      string // content-addressed key, used as the cache filename
	PathOnMirror string
	Size        int64
	Chunks      []ChunkDigest
	DestDir     string
	// RepoID scopes persisted mirror samples (see MirrorSampleRecorder);
	// left empty, a fetch's samples are never persisted past the in-memory
	// Ranker.
	RepoID string
}

// MirrorSampleRecorder persists mirror performance history past this
// process's lifetime, so a freshly started downloader has a cold-start
// ranking hint instead of treating every mirror as equally unknown. The
// index's bbolt-backed Store implements this.
type MirrorSampleRecorder interface {
	RecordMirrorSample(ctx context.Context, repoID, url string, rtt time.Duration, throughputBytesPerSec float64) error
}

// PoolOptions configures a Pool's concurrency and chunking.
type PoolOptions struct {
	GlobalConcurrency int
	PerHostConcurrency int
	ChunkSize         int64
	MaxRetriesPerChunk int
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.GlobalConcurrency <= 0 {
		o.GlobalConcurrency = 16
	}

	if o.PerHostConcurrency <= 0 {
		o.PerHostConcurrency = 4
	}

	if o.ChunkSize <= 0 {
		o.ChunkSize = 4 << 20
	}

	if o.MaxRetriesPerChunk <= 0 {
		o.MaxRetriesPerChunk = 4
	}

	return o
}

// Pool fetches containers from a ranked set of mirrors.
type Pool struct {
	mirrors []Mirror
	ranker  *Ranker
	opts    PoolOptions

	h2Client *http.Client
	h3Client *http.Client

	globalSem chan struct{}
	hostSems  map[string]chan struct{}

	sf singleflight.Group

	recorder MirrorSampleRecorder
}

// SetMirrorRecorder attaches a durable sink for mirror samples; nil (the
// default) leaves ranking purely in-memory for this process's lifetime.
func (p *Pool) SetMirrorRecorder(r MirrorSampleRecorder) {
	p.recorder = r
}

// NewPool constructs a Pool over mirrors.
func NewPool(mirrors []Mirror, opts PoolOptions) *Pool {
	opts = opts.withDefaults()

	h2Transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	_ = http2.ConfigureTransport(h2Transport)

	hostSems := make(map[string]chan struct{}, len(mirrors))
	for _, m := range mirrors {
		hostSems[m.ID] = make(chan struct{}, opts.PerHostConcurrency)
	}

	return &Pool{
		mirrors:   mirrors,
		ranker:    NewRanker(mirrors),
		opts:      opts,
		h2Client:  &http.Client{Transport: h2Transport, Timeout: 60 * time.Second},
		h3Client:  &http.Client{Transport: &http3.Transport{}, Timeout: 60 * time.Second},
		globalSem: make(chan struct{}, opts.GlobalConcurrency),
		hostSems:  hostSems,
	}
}

// Fetch downloads req into req.DestDir/req.Digest, resuming any chunks
// already present and verified, coalescing concurrent callers fetching
// the same digest, and demoting a mirror whose bytes fail a chunk
// checksum rather than silently retrying it.
func (p *Pool) Fetch(ctx context.Context, req FetchRequest) (string, error) {
	v, err, _ := p.sf.Do(req.Digest, func() (any, error) {
		return p.fetchOnce(ctx, req)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (p *Pool) fetchOnce(ctx context.Context, req FetchRequest) (string, error) {
	log := logging.Component(ctx, "downloader")

	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return "", errs.Filesystem("create cache directory", req.DestDir, err)
	}

	dest := filepath.Join(req.DestDir, req.Digest)

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", errs.Filesystem("open destination file", dest, err)
	}
	defer f.Close()

	if err := f.Truncate(req.Size); err != nil {
		return "", errs.Filesystem("preallocate destination file", dest, err)
	}

	chunks := req.Chunks
	if len(chunks) == 0 {
		chunks = []ChunkDigest{{Offset: 0, Length: req.Size}}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, ch := range chunks {
		ch := ch

		select {
		case p.globalSem <- struct{}{}:
		case <-gctx.Done():
			return "", errs.Cancel("fetch", gctx.Err())
		}

		g.Go(func() error {
			defer func() { <-p.globalSem }()
			return p.fetchChunk(gctx, req, ch, f, log)
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	return dest, nil
}

func (p *Pool) fetchChunk(ctx context.Context, req FetchRequest, ch ChunkDigest, f *os.File, log zerolog.Logger) error {
	if ch.SHA256 != "" && chunkAlreadyVerified(f, ch) {
		return nil
	}

	ranked := p.ranker.Ranked()
	if len(ranked) == 0 {
		return errs.Config("fetch chunk", fmt.Errorf("no mirrors configured"))
	}

	var lastErr error

	for _, mirror := range ranked {
		hostSem := p.hostSems[mirror.ID]

		select {
		case hostSem <- struct{}{}:
		case <-ctx.Done():
			return errs.Cancel("fetch chunk", ctx.Err())
		}

		err := p.tryChunkFromMirror(ctx, mirror, req, ch, f)
		<-hostSem

		if err == nil {
			return nil
		}

		lastErr = err
		p.ranker.Observe(mirror.ID, Sample{Failed: true})
		log.Warn().Str("mirror", mirror.ID).Int64("offset", ch.Offset).Err(err).Msg("chunk fetch failed, demoting mirror and trying next")
	}

	return errs.Network("fetch chunk", fmt.Errorf("all mirrors exhausted: %w", lastErr))
}

func chunkAlreadyVerified(f *os.File, ch ChunkDigest) bool {
	buf := make([]byte, ch.Length)
	if _, err := f.ReadAt(buf, ch.Offset); err != nil {
		return false
	}

	sum := sha256.Sum256(buf)

	return hex.EncodeToString(sum[:]) == ch.SHA256
}

func (p *Pool) tryChunkFromMirror(ctx context.Context, mirror Mirror, req FetchRequest, ch ChunkDigest, f *os.File) error {
	var lastErr error

	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < p.opts.MaxRetriesPerChunk; attempt++ {
		start := time.Now()

		n, err := p.fetchRange(ctx, mirror, req.PathOnMirror, ch.Offset, ch.Length, f)
		elapsed := time.Since(start)

		if err == nil {
			throughput := float64(n) / elapsed.Seconds()
			if throughput == 0 || elapsed == 0 {
				throughput = 1
			}

			if ch.SHA256 != "" && !chunkAlreadyVerified(f, ch) {
				p.ranker.Observe(mirror.ID, Sample{RTT: elapsed, Failed: true})
				return errs.Integrity("verify chunk checksum", fmt.Errorf("chunk at offset %d failed checksum from mirror %s", ch.Offset, mirror.ID))
			}

			p.ranker.Observe(mirror.ID, Sample{RTT: elapsed, ThroughputBytesPerSec: throughput})

			if p.recorder != nil && req.RepoID != "" {
				// best-effort: a failure to persist a sample must never
				// fail the fetch it rides along with.
				_ = p.recorder.RecordMirrorSample(ctx, req.RepoID, mirror.BaseURL, elapsed, throughput)
			}

			return nil
		}

		lastErr = err

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errs.Cancel("fetch chunk", ctx.Err())
		}

		backoff *= 2
	}

	return errs.Network("fetch chunk from mirror", lastErr)
}

func (p *Pool) fetchRange(ctx context.Context, mirror Mirror, path string, offset, length int64, f *os.File) (int64, error) {
	client := p.h2Client
	if mirror.SupportsH3 {
		client = p.h3Client
	}

	url := mirror.BaseURL + "/" + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}

	req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-"+strconv.FormatInt(offset+length-1, 10))

	resp, err := client.Do(req)
	if err != nil {
		if mirror.SupportsH3 {
			// fall back to HTTP/2 for the remainder of this attempt on any
			// QUIC-level error.
			resp, err = p.h2Client.Do(req)
		}

		if err != nil {
			return 0, err
		}
	}

	defer resp.Body.Close()

	if alt := resp.Header.Get("Alt-Svc"); strings.Contains(alt, "h3") && !mirror.SupportsH3 {
		p.ranker.MarkH3(mirror.ID)
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	n, err := io.Copy(&sectionWriter{f: f, off: offset}, io.LimitReader(resp.Body, length))
	if err != nil {
		return n, err
	}

	return n, nil
}

// sectionWriter writes sequentially to f starting at a fixed offset,
// advancing as bytes are written, so concurrent chunk fetches never
// collide even though they share one *os.File.
type sectionWriter struct {
	f   *os.File
	off int64
}

func (w *sectionWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)

	return n, err
}
