// Package verifier checks container integrity and provenance before any
// byte of a container's content is trusted: Ed25519 signatures and
// certificate chains for the native format, and streaming per-file
// SHA-256 checks during extraction. Legacy Release files are verified by
// internal/legacy, not here.
package verifier

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"time"

	"github.com/apexpm/apex/internal/errs"
	"golang.org/x/crypto/blake2b"
)

// KeyID is a trust-key fingerprint.
type KeyID string

// Fingerprint derives a KeyID from a raw Ed25519 public key using BLAKE2b,
// matching the "BLAKE2/SHA-256 fingerprint" requirement for trust-key
// identification.
func Fingerprint(pub ed25519.PublicKey) KeyID {
	sum := blake2b.Sum256(pub)
	return KeyID(hex.EncodeToString(sum[:]))
}

// Certificate is a minimal, JSON-serializable certificate for an Ed25519
// key, optionally chaining to a trusted root.
type Certificate struct {
	Serial     string            `json:"serial"`
	Subject    string            `json:"subject"`
	Issuer     string            `json:"issuer"`
	PublicKey  []byte            `json:"public_key"`
	NotBefore  time.Time         `json:"not_before"`
	NotAfter   time.Time         `json:"not_after"`
	KeyUsage   []string          `json:"key_usage,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty"`
	Signature  []byte            `json:"signature,omitempty"`
}

func (c *Certificate) tbs() ([]byte, error) {
	usage := append([]string(nil), c.KeyUsage...)
	sort.Strings(usage)

	ext := sortedCopy(c.Extensions)

	tmp := struct {
		Serial     string            `json:"serial"`
		Subject    string            `json:"subject"`
		Issuer     string            `json:"issuer"`
		PublicKey  []byte            `json:"public_key"`
		NotBefore  time.Time         `json:"not_before"`
		NotAfter   time.Time         `json:"not_after"`
		KeyUsage   []string          `json:"key_usage,omitempty"`
		Extensions map[string]string `json:"extensions,omitempty"`
	}{c.Serial, c.Subject, c.Issuer, c.PublicKey, c.NotBefore, c.NotAfter, usage, ext}

	return json.Marshal(tmp)
}

func sortedCopy(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = m[k]
	}

	return out
}

// TrustStore holds trusted Ed25519 roots, which chain validation checks
// against, and intermediate certificates registered with AddIntermediate,
// which are stored but not consulted by VerifyChain: a chain must carry
// its own intermediates.
type TrustStore struct {
	roots         map[KeyID]ed25519.PublicKey
	intermediates map[KeyID]Certificate
}

// NewTrustStore constructs an empty TrustStore.
func NewTrustStore() *TrustStore {
	return &TrustStore{roots: make(map[KeyID]ed25519.PublicKey), intermediates: make(map[KeyID]Certificate)}
}

// AddRoot registers a trusted root public key and returns its fingerprint.
func (ts *TrustStore) AddRoot(pub ed25519.PublicKey) KeyID {
	kid := Fingerprint(pub)
	ts.roots[kid] = append(ed25519.PublicKey(nil), pub...)

	return kid
}

// AddIntermediate registers an intermediate certificate.
func (ts *TrustStore) AddIntermediate(cert Certificate) {
	kid := Fingerprint(ed25519.PublicKey(cert.PublicKey))
	ts.intermediates[kid] = cert
}

// VerifyCertificate checks cert's signature against issuerPub and its
// validity window.
func VerifyCertificate(cert Certificate, issuerPub ed25519.PublicKey) error {
	tbs, err := cert.tbs()
	if err != nil {
		return err
	}

	if !ed25519.Verify(issuerPub, tbs, cert.Signature) {
		return errors.New("certificate signature invalid")
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return errors.New("certificate outside validity period")
	}

	return nil
}

// VerifyChain validates chain = [leaf, ..., root], each entry signed by the
// next, terminating in a trusted root.
func (ts *TrustStore) VerifyChain(chain []Certificate) error {
	if len(chain) == 0 {
		return errs.Integrity("verify certificate chain", errors.New("empty chain"))
	}

	for i := 0; i < len(chain)-1; i++ {
		issuerPub := ed25519.PublicKey(chain[i+1].PublicKey)
		if err := VerifyCertificate(chain[i], issuerPub); err != nil {
			return errs.Integrity("verify certificate chain", fmt.Errorf("chain[%d]: %w", i, err))
		}
	}

	root := chain[len(chain)-1]
	rootPub := ed25519.PublicKey(root.PublicKey)

	if err := VerifyCertificate(root, rootPub); err != nil {
		return errs.Integrity("verify certificate chain", fmt.Errorf("root self-signature: %w", err))
	}

	if _, ok := ts.roots[Fingerprint(rootPub)]; !ok {
		return errs.Integrity("verify certificate chain", errors.New("root is not trusted"))
	}

	return nil
}

// VerifySignature checks a detached Ed25519 signature over data against a
// certificate chain rooted in a trusted key.
func (ts *TrustStore) VerifySignature(data, sig []byte, chain []Certificate) error {
	if len(chain) == 0 {
		return errs.Integrity("verify signature", errors.New("missing certificate chain"))
	}

	if err := ts.VerifyChain(chain); err != nil {
		return err
	}

	leafPub := ed25519.PublicKey(chain[0].PublicKey)
	if !ed25519.Verify(leafPub, data, sig) {
		return errs.Integrity("verify signature", errors.New("signature invalid"))
	}

	return nil
}

// StreamVerifier is an io.Writer that accumulates a running SHA-256 and
// fails closed on Close if it doesn't match want. Used while streaming a
// container's files out of the content tar during Stage, so no byte is
// trusted before its own checksum matches.
type StreamVerifier struct {
	want string
	h    hash.Hash
}

// NewStreamChecksum returns a StreamVerifier checking against want (hex
// SHA-256).
func NewStreamChecksum(want string) *StreamVerifier {
	return &StreamVerifier{want: want, h: sha256.New()}
}

func (s *StreamVerifier) Write(p []byte) (int, error) { return s.h.Write(p) }

// Close reports an IntegrityError if the accumulated digest doesn't match.
func (s *StreamVerifier) Close() error {
	got := hex.EncodeToString(s.h.Sum(nil))
	if got != s.want {
		return errs.Integrity("stream checksum", fmt.Errorf("got %s, want %s", got, s.want))
	}

	return nil
}

var _ io.Writer = (*StreamVerifier)(nil)
