// Package epub reads story metadata out of EPUB files. The pipeline only
// ever inspects EPUBs, it never writes them; rendering is the downloader's
// job.
package epub

import (
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"archive/zip"
)

// Metadata is the read-only OPF snapshot logged for diagnostics before an
// update run.
type Metadata struct {
	Title       string
	Source      string
	Identifiers []string
}

type opfPackage struct {
	Metadata struct {
		Titles      []string `xml:"title"`
		Identifiers []string `xml:"identifier"`
		Sources     []string `xml:"source"`
	} `xml:"metadata"`
}

// ReadMetadata opens the EPUB at path and parses its OPF package document.
func ReadMetadata(path string) (*Metadata, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open epub %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".opf") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", f.Name, path, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s in %s: %w", f.Name, path, err)
		}

		var pkg opfPackage
		if err := xml.Unmarshal(data, &pkg); err != nil {
			return nil, fmt.Errorf("parse %s in %s: %w", f.Name, path, err)
		}

		md := &Metadata{Identifiers: pkg.Metadata.Identifiers}
		if len(pkg.Metadata.Titles) > 0 {
			md.Title = pkg.Metadata.Titles[0]
		}
		if len(pkg.Metadata.Sources) > 0 {
			md.Source = pkg.Metadata.Sources[0]
		}
		return md, nil
	}
	return nil, fmt.Errorf("no OPF package document in %s", path)
}

var storyName = regexp.MustCompile(`(.*?)-.*`)

// TitleFromPath extracts the story title from an exported filename. Exports
// are named "<title>-<author>.epub"; when the stem rule does not match the
// bare basename is returned.
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if m := storyName.FindStringSubmatch(base); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(base)
}
