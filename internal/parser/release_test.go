package parser

import (
	"strings"
	"testing"
)

const sampleRelease = `Origin: Apex
Label: Apex
Suite: stable
Codename: stable
Date: Fri, 31 Jul 2026 00:00:00 UTC
Architectures: amd64 arm64
Components: main contrib
SHA256:
 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 1024 main/binary-amd64/Packages
 bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb 2048 main/binary-arm64/Packages
`

func TestParseRelease(t *testing.T) {
	rel, err := ParseRelease(strings.NewReader(sampleRelease))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if rel.Origin != "Apex" || rel.Suite != "stable" || rel.Codename != "stable" {
		t.Fatalf("unexpected release header: %+v", rel)
	}

	if rel.Architectures != "amd64 arm64" {
		t.Fatalf("unexpected architectures: %q", rel.Architectures)
	}

	if len(rel.Checksums) != 2 {
		t.Fatalf("expected 2 checksum entries, got %d", len(rel.Checksums))
	}

	if rel.Checksums[0].Path != "main/binary-amd64/Packages" || rel.Checksums[0].Size != 1024 {
		t.Fatalf("unexpected first checksum: %+v", rel.Checksums[0])
	}
}

func TestParseReleaseIgnoresMalformedChecksumLine(t *testing.T) {
	withJunk := sampleRelease + " not-enough-fields\n"

	rel, err := ParseRelease(strings.NewReader(withJunk))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(rel.Checksums) != 2 {
		t.Fatalf("expected malformed line to be skipped, got %d checksums", len(rel.Checksums))
	}
}

func TestRenderReleaseRoundTrip(t *testing.T) {
	rel, err := ParseRelease(strings.NewReader(sampleRelease))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	rendered := RenderRelease(rel)

	again, err := ParseRelease(strings.NewReader(string(rendered)))
	if err != nil {
		t.Fatalf("re-parse of rendered release failed: %v", err)
	}

	if again.Origin != rel.Origin || again.Suite != rel.Suite || len(again.Checksums) != len(rel.Checksums) {
		t.Fatalf("round trip mismatch: %+v vs %+v", again, rel)
	}
}

func TestRenderReleaseSortsChecksumsByPath(t *testing.T) {
	rel := &ReleaseFile{
		Origin: "Apex",
		Checksums: []ReleaseChecksum{
			{SHA256: "bbbb", Size: 2, Path: "z/Packages"},
			{SHA256: "aaaa", Size: 1, Path: "a/Packages"},
		},
	}

	rendered := string(RenderRelease(rel))

	aIdx := strings.Index(rendered, "a/Packages")
	zIdx := strings.Index(rendered, "z/Packages")

	if aIdx < 0 || zIdx < 0 || aIdx > zIdx {
		t.Fatalf("expected checksums rendered in path order, got:\n%s", rendered)
	}
}
