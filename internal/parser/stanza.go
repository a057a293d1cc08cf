// Package parser reads and renders Debian-style control stanzas (the
// grammar shared by a package's control member, a Packages index, and a
// Release file). The native container's JSON metadata blob is decoded by
// internal/container, not here.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apexpm/apex/internal/depexpr"
	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/model"
	"golang.org/x/text/unicode/norm"
)

// stanzaField is one "Key: value" field, possibly folded across
// continuation lines.
type stanzaField struct {
	key    string
	value  string
	line   int
	column int
}

// splitStanzas splits content into blank-line-delimited stanzas.
func splitStanzas(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Config("read stanza input", err)
	}

	raw := strings.ReplaceAll(string(data), "\r\n", "\n")
	parts := strings.Split(raw, "\n\n")

	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}

		out = append(out, p)
	}

	return out, nil
}

func parseFields(stanza string) ([]stanzaField, error) {
	var fields []stanzaField

	scanner := bufio.NewScanner(strings.NewReader(stanza))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if len(fields) == 0 {
				return nil, errs.Config("parse stanza", fmt.Errorf("line %d: continuation line before first field: %q", lineNo, line))
			}

			last := &fields[len(fields)-1]
			last.value += "\n" + strings.TrimPrefix(strings.TrimPrefix(line, " "), "\t")

			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, errs.Config("parse stanza", fmt.Errorf("line %d: field without ':' : %q", lineNo, line))
		}

		key := strings.TrimSpace(line[:idx])
		val := norm.NFC.String(strings.TrimSpace(line[idx+1:]))
		fields = append(fields, stanzaField{key: key, value: val, line: lineNo, column: idx + 1})
	}

	if err := scanner.Err(); err != nil {
		return nil, errs.Config("parse stanza", err)
	}

	return fields, nil
}

// ParseStanzas splits a Packages-like file into PackageRecords.
func ParseStanzas(r io.Reader) ([]*model.PackageRecord, error) {
	raw, err := splitStanzas(r)
	if err != nil {
		return nil, err
	}

	out := make([]*model.PackageRecord, 0, len(raw))

	for _, s := range raw {
		rec, err := ParseControlStanza(strings.NewReader(s))
		if err != nil {
			return nil, err
		}

		if err := requireFields(rec); err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, nil
}

// ParseControlStanza parses a single stanza into a PackageRecord.
func ParseControlStanza(r io.Reader) (*model.PackageRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Config("read control stanza", err)
	}

	fields, err := parseFields(string(data))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]stanzaField, len(fields))

	for _, f := range fields {
		if first, dup := seen[f.key]; dup {
			return nil, errs.Config("parse control stanza", fmt.Errorf(
				"duplicate field %q at line %d, column %d (first given at line %d, column %d)",
				f.key, f.line, f.column, first.line, first.column))
		}

		seen[f.key] = f
	}

	rec := &model.PackageRecord{ExtraFields: make(map[string]string)}

	for _, f := range fields {
		if err := applyField(rec, f.key, f.value); err != nil {
			return nil, err
		}
	}

	if rec.Name == "" {
		return nil, errs.Config("parse control stanza", fmt.Errorf("missing Package field"))
	}

	return rec, nil
}

// requiredControlFields are the fields a repository Packages-file stanza
// must carry to be usable as an index entry: enough to name, version, and
// fetch the package it describes. A legacy .deb's own control member is
// parsed with the same grammar but is not held to this list, since Filename,
// SHA256, and Size are properties of the repository entry, not of the
// package's self-description.
var requiredControlFields = []struct {
	name string
	ok   func(*model.PackageRecord) bool
}{
	{"Package", func(r *model.PackageRecord) bool { return r.Name != "" }},
	{"Version", func(r *model.PackageRecord) bool { return r.Version != "" }},
	{"Architecture", func(r *model.PackageRecord) bool { return r.Architecture != "" }},
	{"Filename", func(r *model.PackageRecord) bool { return r.Filename != "" }},
	{"SHA256", func(r *model.PackageRecord) bool { return r.SHA256 != "" }},
	{"Size", func(r *model.PackageRecord) bool { return r.Size > 0 }},
}

func requireFields(rec *model.PackageRecord) error {
	for _, f := range requiredControlFields {
		if !f.ok(rec) {
			return errs.Config("parse control stanza", fmt.Errorf("missing %s field", f.name))
		}
	}

	return nil
}

func applyField(rec *model.PackageRecord, key, val string) error {
	parseList := func(v string) ([]model.DependencyClause, error) {
		return depexpr.ParseField(v)
	}

	var err error

	switch key {
	case "Package":
		rec.Name = model.PackageName(val)
	case "Version":
		rec.Version = val
	case "Architecture":
		rec.Architecture = model.Arch(val)
	case "Section":
		rec.Section = val
	case "Priority":
		rec.Priority = val
	case "Maintainer":
		rec.Maintainer = val
	case "Description":
		rec.Description = val
	case "Installed-Size":
		if n, convErr := strconv.ParseInt(val, 10, 64); convErr == nil {
			rec.InstalledSize = n
		}
	case "Size":
		if n, convErr := strconv.ParseInt(val, 10, 64); convErr == nil {
			rec.Size = n
		}
	case "Depends":
		rec.Depends, err = parseList(val)
	case "Pre-Depends":
		rec.PreDepends, err = parseList(val)
	case "Recommends":
		rec.Recommends, err = parseList(val)
	case "Suggests":
		rec.Suggests, err = parseList(val)
	case "Enhances":
		rec.Enhances, err = parseList(val)
	case "Conflicts":
		rec.Conflicts, err = parseList(val)
	case "Breaks":
		rec.Breaks, err = parseList(val)
	case "Replaces":
		rec.Replaces, err = parseList(val)
	case "Provides":
		rec.Provides, err = parseList(val)
	case "SHA256":
		rec.SHA256 = val
	case "Filename":
		rec.Filename = val
	default:
		rec.ExtraFields[key] = val
	}

	return err
}

// RenderControlStanza renders a PackageRecord back into control-stanza
// form, the inverse of ParseControlStanza up to field ordering.
func RenderControlStanza(rec *model.PackageRecord) []byte {
	var b strings.Builder

	writeField := func(key, val string) {
		if val == "" {
			return
		}

		fmt.Fprintf(&b, "%s: %s\n", key, strings.ReplaceAll(val, "\n", "\n "))
	}

	writeField("Package", string(rec.Name))
	writeField("Version", rec.Version)
	writeField("Architecture", string(rec.Architecture))
	writeField("Section", rec.Section)
	writeField("Priority", rec.Priority)
	writeField("Maintainer", rec.Maintainer)

	if rec.InstalledSize > 0 {
		fmt.Fprintf(&b, "Installed-Size: %d\n", rec.InstalledSize)
	}

	writeClauses := func(key string, clauses []model.DependencyClause) {
		if len(clauses) == 0 {
			return
		}

		writeField(key, renderClauses(clauses))
	}

	writeClauses("Pre-Depends", rec.PreDepends)
	writeClauses("Depends", rec.Depends)
	writeClauses("Recommends", rec.Recommends)
	writeClauses("Suggests", rec.Suggests)
	writeClauses("Enhances", rec.Enhances)
	writeClauses("Conflicts", rec.Conflicts)
	writeClauses("Breaks", rec.Breaks)
	writeClauses("Replaces", rec.Replaces)
	writeClauses("Provides", rec.Provides)

	writeField("Description", rec.Description)
	writeField("SHA256", rec.SHA256)
	writeField("Filename", rec.Filename)

	if rec.Size > 0 {
		fmt.Fprintf(&b, "Size: %d\n", rec.Size)
	}

	for k, v := range rec.ExtraFields {
		writeField(k, v)
	}

	b.WriteString("\n")

	return []byte(b.String())
}

func renderClauses(clauses []model.DependencyClause) string {
	parts := make([]string, 0, len(clauses))

	for _, c := range clauses {
		alts := make([]string, 0, len(c.Alternatives))

		for _, a := range c.Alternatives {
			s := string(a.Name)
			if a.ArchQual != "" {
				s += ":" + string(a.ArchQual)
			}

			if a.Op != "" {
				s += fmt.Sprintf(" (%s %s)", a.Op, a.Version)
			}

			alts = append(alts, s)
		}

		parts = append(parts, strings.Join(alts, " | "))
	}

	return strings.Join(parts, ", ")
}
