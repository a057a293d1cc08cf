// Package legacy reads the Debian ar-format .deb container and verifies
// OpenPGP clearsigned Release/InRelease files, so a host migrating off a
// Debian-based system can still interoperate with existing mirrors and
// installed state. It never writes these formats; building or rewriting
// them belongs to the separate repository-building tool, out of scope
// here.
package legacy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
	"github.com/apexpm/apex/internal/parser"
	"github.com/blakesmith/ar"
)

// Container is a parsed legacy .deb ar archive: its control stanza and a
// lazily-readable data tarball.
type Container struct {
	Control     []byte
	dataMember  string
	data        []byte
}

// OpenDeb reads an entire .deb ar archive and extracts its control member
// (from control.tar(.gz)) without yet decompressing the data member.
func OpenDeb(r io.Reader) (*Container, error) {
	arR := ar.NewReader(r)

	c := &Container{}

	for {
		hdr, err := arR.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errs.Config("read ar archive", err)
		}

		name := strings.TrimSpace(hdr.Name)

		switch {
		case strings.HasPrefix(name, "control.tar"):
			body := make([]byte, hdr.Size)
			if _, err := io.ReadFull(arR, body); err != nil {
				return nil, errs.Config("read control member", err)
			}

			control, err := extractMember(name, body, "control")
			if err != nil {
				return nil, err
			}

			c.Control = control

		case strings.HasPrefix(name, "data.tar"):
			body := make([]byte, hdr.Size)
			if _, err := io.ReadFull(arR, body); err != nil {
				return nil, errs.Config("read data member", err)
			}

			c.dataMember = name
			c.data = body
		}
	}

	if c.Control == nil {
		return nil, errs.Config("open legacy deb", fmt.Errorf("control member not found"))
	}

	return c, nil
}

// ControlRecord parses the extracted control stanza into a PackageRecord.
func (c *Container) ControlRecord() (*model.PackageRecord, error) {
	rec, err := parser.ParseControlStanza(bytes.NewReader(c.Control))
	if err != nil {
		return nil, err
	}

	rec.Format = model.FormatLegacy

	return rec, nil
}

// Data returns a tar reader over the data member, decompressing .gz
// members transparently. Callers must have already verified the owning
// repository's Release signature before trusting these bytes.
func (c *Container) Data() (*tar.Reader, io.Closer, error) {
	if c.data == nil {
		return nil, nil, errs.Config("read legacy data member", fmt.Errorf("no data member present"))
	}

	r := bytes.NewReader(c.data)

	if strings.HasSuffix(c.dataMember, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, errs.Integrity("decompress legacy data member", err)
		}

		return tar.NewReader(gz), gz, nil
	}

	return tar.NewReader(r), io.NopCloser(nil), nil
}

func extractMember(containerName string, body []byte, wantBase string) ([]byte, error) {
	r := bytes.NewReader(body)

	var tr *tar.Reader

	if strings.HasSuffix(containerName, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errs.Integrity("decompress "+containerName, err)
		}

		defer gz.Close()

		tr = tar.NewReader(gz)
	} else {
		tr = tar.NewReader(r)
	}

	for {
		th, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errs.Config("read "+containerName, err)
		}

		if filepath.Base(th.Name) == wantBase {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, errs.Config("read "+wantBase+" member", err)
			}

			return buf.Bytes(), nil
		}
	}

	return nil, errs.Config("read "+containerName, fmt.Errorf("%s member not found", wantBase))
}

// VerifyClearsignedRelease checks a clearsigned Release/InRelease file
// against keyring and returns the verified plaintext.
func VerifyClearsignedRelease(signed []byte, keyring openpgp.EntityList) ([]byte, error) {
	block, _ := clearsign.Decode(signed)
	if block == nil {
		return nil, errs.Integrity("verify release signature", fmt.Errorf("not a clearsigned message"))
	}

	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil); err != nil {
		return nil, errs.Integrity("verify release signature", err)
	}

	return block.Plaintext, nil
}

// ReadKeyring parses an ASCII-armored OpenPGP public keyring.
func ReadKeyring(armored io.Reader) (openpgp.EntityList, error) {
	el, err := openpgp.ReadArmoredKeyRing(armored)
	if err != nil {
		return nil, errs.Config("read openpgp keyring", err)
	}

	return el, nil
}
