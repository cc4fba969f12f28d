// Package validate provides a secret-scan check over a tree (ScanTree)
// and a redaction helper for text (Redact). Neither is called by the
// merge engine's VALIDATE phase, by capture or by logging; only this
// package's tests exercise them.
//
// The secret-scan logic (entropy threshold plus gitleaks pattern
// detection, merged-region replacement) is grounded directly on the
// teacher's root-level redact/redact.go, generalized from its log-line
// redaction use case to a tree-wide pre-commit scan.
package validate

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/bobisme/maw/internal/gitx"
)

var secretPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

const entropyThreshold = 4.5

var (
	detector     *detect.Detector
	detectorOnce sync.Once
)

func getDetector() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err == nil {
			detector = d
		}
	})
	return detector
}

type region struct{ start, end int }

// Redact replaces likely secrets in s with "REDACTED", using the same
// entropy-plus-gitleaks layered detection as the teacher's redact
// package. No diagnostics, log or capture path calls it.
func Redact(s string) string {
	var regions []region
	for _, loc := range secretPattern.FindAllStringIndex(s, -1) {
		if shannonEntropy(s[loc[0]:loc[1]]) > entropyThreshold {
			regions = append(regions, region{loc[0], loc[1]})
		}
	}
	if d := getDetector(); d != nil {
		for _, f := range d.DetectString(s) {
			if f.Secret == "" {
				continue
			}
			from := 0
			for {
				idx := strings.Index(s[from:], f.Secret)
				if idx < 0 {
					break
				}
				abs := from + idx
				regions = append(regions, region{abs, abs + len(f.Secret)})
				from = abs + len(f.Secret)
			}
		}
	}
	if len(regions) == 0 {
		return s
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	merged := []region{regions[0]}
	for _, r := range regions[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
		} else {
			merged = append(merged, r)
		}
	}
	var b strings.Builder
	prev := 0
	for _, r := range merged {
		b.WriteString(s[prev:r.start])
		b.WriteString("REDACTED")
		prev = r.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[byte]int)
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	length := float64(len(s))
	var entropy float64
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// Finding is one secret-scan hit against a candidate tree.
type Finding struct {
	Path        string
	Description string
}

// ScanTree walks tree's files and flags any whose content contains a
// likely secret by gitleaks pattern rules, skipping binary content (null
// bytes present). The merge engine's VALIDATE phase does not call it; it
// runs only the configured external validation command.
func ScanTree(git *gitx.Adapter, tree plumbing.Hash) ([]Finding, error) {
	t, err := git.ReadTree(tree)
	if err != nil {
		return nil, err
	}
	d := getDetector()
	if d == nil {
		return nil, nil
	}
	var findings []Finding
	walker := t.Files()
	for {
		f, ferr := walker.Next()
		if ferr != nil {
			break
		}
		content, cerr := f.Contents()
		if cerr != nil || strings.Contains(content, "\x00") {
			continue
		}
		for _, hit := range d.DetectString(content) {
			if hit.Secret == "" {
				continue
			}
			findings = append(findings, Finding{Path: f.Name, Description: hit.Description})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Path < findings[j].Path })
	return findings, nil
}
