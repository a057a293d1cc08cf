package verifier

import (
	"errors"

	"github.com/apexpm/apex/internal/container"
	"github.com/apexpm/apex/internal/errs"
)

// VerifyNativeContainer checks a decoded native container's trailing
// Ed25519 signature against the chain carried alongside it. It must be
// called, and must succeed, before Stage opens the container's content
// stream.
func VerifyNativeContainer(d *container.Decoded, chain []Certificate, ts *TrustStore) error {
	if len(d.Signature) != container.SignatureLen {
		return errs.Integrity("verify native container", errors.New("malformed signature length"))
	}

	return ts.VerifySignature(d.HeaderAndMetadata, d.Signature, chain)
}

// VerifyFileDigest checks one extracted file's accumulated checksum
// against the digest carried in the container's verified metadata.
func VerifyFileDigest(sv *StreamVerifier) error {
	return sv.Close()
}
