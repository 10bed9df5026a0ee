package artifact

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// CoverageReportName is the artifact name a merged report registers
// under. Pipelines cannot declare it themselves.
const CoverageReportName = "coverage-report"

type CoverageStats struct {
	Files   int `json:"files"`
	Lines   int `json:"lines"` // instrumented lines
	Hit     int `json:"hit"`
	Skipped int `json:"skipped"` // fragments dropped as unparseable
}

func (st CoverageStats) String() string {
	pct := 0.0
	if st.Lines > 0 {
		pct = float64(st.Hit) / float64(st.Lines) * 100
	}
	s := fmt.Sprintf("%.1f%% (%d/%d lines, %d files)", pct, st.Hit, st.Lines, st.Files)
	if st.Skipped > 0 {
		s += fmt.Sprintf(", %d fragments skipped", st.Skipped)
	}
	return s
}

// MergeLCOV folds raw fragment files into one report. A fragment
// that fails to parse is counted and skipped rather than sinking the
// merge; records for excluded source files are dropped. Only line
// records survive the merge: DA counts sum per file and line, LF and
// LH are recomputed, function and branch records are not carried
// over.
//
// The merge only errors when fragments were given and none of them
// parsed; partial input produces a partial report.
func MergeLCOV(fragments []string, exclude []string) ([]byte, CoverageStats, error) {
	merged := make(map[string]map[int]uint64)
	var stats CoverageStats

	parsed := 0
	for _, fragment := range fragments {
		f, err := os.Open(fragment)
		if err != nil {
			stats.Skipped++
			continue
		}
		counts, err := parseLCOV(f)
		f.Close()
		if err != nil {
			stats.Skipped++
			continue
		}
		parsed++

		for file, lines := range counts {
			if excluded(file, exclude) {
				continue
			}
			m := merged[file]
			if m == nil {
				m = make(map[int]uint64)
				merged[file] = m
			}
			for line, count := range lines {
				m[line] += count
			}
		}
	}

	if len(fragments) > 0 && parsed == 0 {
		return nil, stats, fmt.Errorf("no parseable coverage fragments (%d skipped)", stats.Skipped)
	}

	files := make([]string, 0, len(merged))
	for f := range merged {
		files = append(files, f)
	}
	sort.Strings(files)

	var b bytes.Buffer
	b.WriteString("TN:\n")
	for _, file := range files {
		lines := merged[file]
		nums := make([]int, 0, len(lines))
		for n := range lines {
			nums = append(nums, n)
		}
		sort.Ints(nums)

		fmt.Fprintf(&b, "SF:%s\n", file)
		hit := 0
		for _, n := range nums {
			fmt.Fprintf(&b, "DA:%d,%d\n", n, lines[n])
			if lines[n] > 0 {
				hit++
			}
		}
		fmt.Fprintf(&b, "LF:%d\n", len(nums))
		fmt.Fprintf(&b, "LH:%d\n", hit)
		b.WriteString("end_of_record\n")

		stats.Files++
		stats.Lines += len(nums)
		stats.Hit += hit
	}

	return b.Bytes(), stats, nil
}

// parseLCOV reads one fragment into file -> line -> count. Anything
// structurally off makes the whole fragment unusable; the caller
// decides whether that is fatal.
func parseLCOV(r io.Reader) (map[string]map[int]uint64, error) {
	out := make(map[string]map[int]uint64)
	var current map[int]uint64
	sawRecord := false

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "TN:"):

		case strings.HasPrefix(line, "SF:"):
			file := strings.TrimPrefix(line, "SF:")
			if file == "" {
				return nil, fmt.Errorf("empty SF record")
			}
			if out[file] == nil {
				out[file] = make(map[int]uint64)
			}
			current = out[file]
			sawRecord = true

		case strings.HasPrefix(line, "DA:"):
			if current == nil {
				return nil, fmt.Errorf("DA record outside an SF section")
			}
			parts := strings.Split(strings.TrimPrefix(line, "DA:"), ",")
			if len(parts) < 2 {
				return nil, fmt.Errorf("malformed DA record %q", line)
			}
			n, err := strconv.Atoi(parts[0])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("malformed DA record %q", line)
			}
			count, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed DA record %q", line)
			}
			current[n] += count

		case line == "end_of_record":
			current = nil

		default:
			// LF/LH are recomputed; FN, FNDA, BRDA and friends are
			// not merged
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawRecord {
		return nil, fmt.Errorf("no SF records")
	}
	return out, nil
}

// excluded reports whether file matches any exclusion: an exact
// path, a path.Match pattern, or a directory prefix ending in "/".
func excluded(file string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if file == p {
			return true
		}
		if ok, err := path.Match(p, file); err == nil && ok {
			return true
		}
		if strings.HasSuffix(p, "/") && strings.HasPrefix(file, p) {
			return true
		}
	}
	return false
}
