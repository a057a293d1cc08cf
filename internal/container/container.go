// Package container implements apex's native on-disk package format:
// a 4-byte magic, a little-endian format version and metadata length,
// a zstd-compressed JSON metadata blob, a zstd-compressed POSIX tar
// content blob, and a trailing 64-byte Ed25519 signature over the header
// and metadata (never the content, which is instead checked file-by-file
// against per-file digests carried in the metadata).
package container

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic          = "APX1"
	FormatVersion1 = uint16(1)
	headerLen      = 4 + 2 + 4
	SignatureLen   = 64
)

// FileDigest is one content file's path and SHA-256, carried in the
// metadata blob so Stage can check each file as it streams.
type FileDigest struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Mode   uint32 `json:"mode"`
}

// metadataEnvelope is the JSON shape of the compressed metadata blob.
type metadataEnvelope struct {
	Record model.PackageRecord `json:"record"`
	Files  []FileDigest        `json:"files"`
}

// TarSource supplies the content tar stream to Encode.
type TarSource func(tw *tar.Writer) error

// Encode writes a complete native container to w: header, compressed
// metadata, compressed content, trailing signature.
func Encode(w io.Writer, rec model.PackageRecord, files []FileDigest, content TarSource, sign func(headerAndMetadata []byte) ([]byte, error)) error {
	env := metadataEnvelope{Record: rec, Files: files}

	metaJSON, err := json.Marshal(env)
	if err != nil {
		return errs.Config("encode container metadata", err)
	}

	metaCompressed, err := zstdCompress(metaJSON)
	if err != nil {
		return errs.Config("compress container metadata", err)
	}

	var contentBuf bytes.Buffer

	zw, err := zstd.NewWriter(&contentBuf)
	if err != nil {
		return errs.Config("init zstd writer", err)
	}

	tw := tar.NewWriter(zw)
	if err := content(tw); err != nil {
		return errs.Config("write container content", err)
	}

	if err := tw.Close(); err != nil {
		return errs.Config("close tar writer", err)
	}

	if err := zw.Close(); err != nil {
		return errs.Config("close zstd writer", err)
	}

	header := make([]byte, headerLen)
	copy(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], FormatVersion1)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(metaCompressed)))

	toSign := append(append([]byte(nil), header...), metaCompressed...)

	sig, err := sign(toSign)
	if err != nil {
		return errs.Integrity("sign container", err)
	}

	if len(sig) != SignatureLen {
		return errs.Integrity("sign container", fmt.Errorf("signature length %d != %d", len(sig), SignatureLen))
	}

	if _, err := w.Write(header); err != nil {
		return errs.Filesystem("write container header", "", err)
	}

	if _, err := w.Write(metaCompressed); err != nil {
		return errs.Filesystem("write container metadata", "", err)
	}

	if _, err := w.Write(contentBuf.Bytes()); err != nil {
		return errs.Filesystem("write container content", "", err)
	}

	if _, err := w.Write(sig); err != nil {
		return errs.Filesystem("write container signature", "", err)
	}

	return nil
}

// Decoded is a container that has been header/metadata-parsed but whose
// signature has not yet been checked (verifier.VerifyNativeContainer does that)
// and whose content has not yet been extracted.
type Decoded struct {
	HeaderAndMetadata []byte // the exact bytes the signature covers
	Signature         []byte
	Record            model.PackageRecord
	Files             []FileDigest
	contentCompressed []byte
}

// Decode parses a container's header, metadata, and signature trailer, and
// retains the (still-compressed) content blob for later extraction. It
// performs no trust decisions.
func Decode(r io.ReaderAt, size int64) (*Decoded, error) {
	if size < int64(headerLen+SignatureLen) {
		return nil, errs.Integrity("decode container", fmt.Errorf("file too small (%d bytes)", size))
	}

	header := make([]byte, headerLen)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, errs.Filesystem("read container header", "", err)
	}

	if string(header[0:4]) != Magic {
		return nil, errs.Integrity("decode container", fmt.Errorf("bad magic %q", header[0:4]))
	}

	metaLen := int64(binary.LittleEndian.Uint32(header[6:10]))

	metaCompressed := make([]byte, metaLen)
	if _, err := r.ReadAt(metaCompressed, int64(headerLen)); err != nil {
		return nil, errs.Filesystem("read container metadata", "", err)
	}

	contentLen := size - int64(headerLen) - metaLen - SignatureLen
	if contentLen < 0 {
		return nil, errs.Integrity("decode container", fmt.Errorf("negative content length: header/metadata/signature exceed file size"))
	}

	contentCompressed := make([]byte, contentLen)
	if _, err := r.ReadAt(contentCompressed, int64(headerLen)+metaLen); err != nil {
		return nil, errs.Filesystem("read container content", "", err)
	}

	sig := make([]byte, SignatureLen)
	if _, err := r.ReadAt(sig, size-SignatureLen); err != nil {
		return nil, errs.Filesystem("read container signature", "", err)
	}

	metaJSON, err := zstdDecompress(metaCompressed)
	if err != nil {
		return nil, errs.Integrity("decompress container metadata", err)
	}

	var env metadataEnvelope
	if err := json.Unmarshal(metaJSON, &env); err != nil {
		return nil, errs.Integrity("parse container metadata", err)
	}

	return &Decoded{
		HeaderAndMetadata: append(append([]byte(nil), header...), metaCompressed...),
		Signature:         sig,
		Record:            env.Record,
		Files:             env.Files,
		contentCompressed: contentCompressed,
	}, nil
}

// Open returns a reader over the decompressed POSIX tar content stream.
// Callers must have already verified the signature before calling this.
func (d *Decoded) Open() (*tar.Reader, io.Closer, error) {
	zr, err := zstd.NewReader(bytes.NewReader(d.contentCompressed))
	if err != nil {
		return nil, nil, errs.Integrity("open container content", err)
	}

	return tar.NewReader(zr), zstdCloser{zr}, nil
}

type zstdCloser struct{ d *zstd.Decoder }

func (c zstdCloser) Close() error { c.d.Close(); return nil }

// ContentDigest returns the apx1-<hex> content-addressed key for a
// decoded container's header and compressed metadata bytes.
func ContentDigest(headerAndMetadata []byte) string {
	sum := sha256.Sum256(headerAndMetadata)
	return "apx1-" + hex.EncodeToString(sum[:])
}

func zstdCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func zstdDecompress(p []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}

	defer r.Close()

	return io.ReadAll(r)
}
