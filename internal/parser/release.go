package parser

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/apexpm/apex/internal/errs"
)

// ReleaseChecksum is one "<hash> <size> <path>" line from a Release file's
// checksum table.
type ReleaseChecksum struct {
	SHA256 string
	Size   int64
	Path   string
}

// ReleaseFile is the parsed content of a Release/InRelease file.
type ReleaseFile struct {
	Origin               string
	Label                string
	Suite                string
	Version               string
	Codename              string
	Date                  string
	ValidUntil            string
	Architectures         string
	Components            string
	Description           string
	NotAutomatic          string
	ButAutomaticUpgrades  string
	AcquireByHash         string
	Checksums             []ReleaseChecksum
}

// ParseRelease parses a Release file's content.
func ParseRelease(r io.Reader) (*ReleaseFile, error) {
	rel := &ReleaseFile{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	inSHA256 := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, " ") {
			if !inSHA256 {
				continue
			}

			fields := strings.Fields(line)
			if len(fields) != 3 {
				continue
			}

			size, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				continue
			}

			rel.Checksums = append(rel.Checksums, ReleaseChecksum{SHA256: fields[0], Size: size, Path: fields[2]})

			continue
		}

		inSHA256 = false

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		switch key {
		case "Origin":
			rel.Origin = val
		case "Label":
			rel.Label = val
		case "Suite":
			rel.Suite = val
		case "Version":
			rel.Version = val
		case "Codename":
			rel.Codename = val
		case "Date":
			rel.Date = val
		case "Valid-Until":
			rel.ValidUntil = val
		case "Architectures":
			rel.Architectures = val
		case "Components":
			rel.Components = val
		case "Description":
			rel.Description = val
		case "NotAutomatic":
			rel.NotAutomatic = val
		case "ButAutomaticUpgrades":
			rel.ButAutomaticUpgrades = val
		case "Acquire-By-Hash":
			rel.AcquireByHash = val
		case "SHA256":
			inSHA256 = true
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errs.Config("parse release file", err)
	}

	return rel, nil
}

// RenderRelease renders a ReleaseFile back to its textual form.
func RenderRelease(rel *ReleaseFile) []byte {
	var b strings.Builder

	writeField := func(key, val string) {
		if val != "" {
			fmt.Fprintf(&b, "%s: %s\n", key, val)
		}
	}

	writeField("Origin", rel.Origin)
	writeField("Label", rel.Label)
	writeField("Suite", rel.Suite)
	writeField("Version", rel.Version)
	writeField("Codename", rel.Codename)
	writeField("Date", rel.Date)
	writeField("Valid-Until", rel.ValidUntil)
	writeField("Architectures", rel.Architectures)
	writeField("Components", rel.Components)
	writeField("Description", rel.Description)
	writeField("NotAutomatic", rel.NotAutomatic)
	writeField("ButAutomaticUpgrades", rel.ButAutomaticUpgrades)
	writeField("Acquire-By-Hash", rel.AcquireByHash)

	if len(rel.Checksums) > 0 {
		b.WriteString("SHA256:\n")

		sums := append([]ReleaseChecksum(nil), rel.Checksums...)
		sort.Slice(sums, func(i, j int) bool { return sums[i].Path < sums[j].Path })

		for _, c := range sums {
			fmt.Fprintf(&b, " %s %d %s\n", c.SHA256, c.Size, c.Path)
		}
	}

	return []byte(b.String())
}
