// Package chartnote pulls SOAP sections, a visit date and a provider name out
// of free-text chart notes exported by legacy practice systems.
//
// Extraction is best effort. Notes rarely follow one template, so headers are
// matched anywhere in the text and anything not recognised is left behind.
package chartnote

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Section identifies one part of a SOAP note.
type Section string

const (
	Subjective Section = "subjective"
	Objective  Section = "objective"
	Assessment Section = "assessment"
	Plan       Section = "plan"
)

// Note is the structured result of a chart-note extraction.
type Note struct {
	VisitDate    *time.Time `json:"visit_date,omitempty"`
	ProviderName string     `json:"provider_name,omitempty"`
	Subjective   string     `json:"subjective"`
	Objective    string     `json:"objective"`
	Assessment   string     `json:"assessment"`
	Plan         string     `json:"plan"`
	PainScale    *int       `json:"pain_scale,omitempty"`
}

// Empty reports whether none of the four SOAP sections were found.
func (n Note) Empty() bool {
	return n.Subjective == "" && n.Objective == "" && n.Assessment == "" && n.Plan == ""
}

type headerPattern struct {
	section Section
	re      *regexp.Regexp
}

// Longer alternatives come first so "treatment plan" wins over "plan".
var headerPatterns = []headerPattern{
	{Subjective, regexp.MustCompile(`(?i)\b(?:subjective|chief\s+complaints?|history(?:\s+of\s+present\s+illness)?)\s*:`)},
	{Objective, regexp.MustCompile(`(?i)\b(?:objective|exam(?:ination)?|findings)\s*:`)},
	{Assessment, regexp.MustCompile(`(?i)\b(?:assessment|impressions?|diagnos[ie]s)\s*:`)},
	{Plan, regexp.MustCompile(`(?i)\b(?:treatment\s+plan|plan|recommendations?)\s*:`)},
}

// Single-letter headers only count at the start of a line.
var shortHeader = regexp.MustCompile(`(?m)^[ \t]*([SOAP])[ \t]*:`)

var shortSections = map[string]Section{
	"S": Subjective,
	"O": Objective,
	"A": Assessment,
	"P": Plan,
}

var painScale = regexp.MustCompile(`(\d{1,2})\s*/\s*10`)

type headerMatch struct {
	section    Section
	start, end int
}

// Parse always returns a note, possibly with every section empty.
func Parse(text, fileName string) Note {
	n := Note{}
	for section, body := range splitSections(text) {
		switch section {
		case Subjective:
			n.Subjective = body
		case Objective:
			n.Objective = body
		case Assessment:
			n.Assessment = body
		case Plan:
			n.Plan = body
		}
	}
	if d, ok := VisitDate(fileName); ok {
		n.VisitDate = &d
	}
	n.ProviderName = ProviderName(fileName)
	if p, ok := PainScale(text); ok {
		n.PainScale = &p
	}
	return n
}

// Extract returns nil when the text carries no recognisable SOAP section.
func Extract(text, fileName string) *Note {
	n := Parse(text, fileName)
	if n.Empty() {
		return nil
	}
	return &n
}

func findHeaders(text string) []headerMatch {
	var matches []headerMatch
	for _, hp := range headerPatterns {
		for _, loc := range hp.re.FindAllStringIndex(text, -1) {
			matches = append(matches, headerMatch{section: hp.section, start: loc[0], end: loc[1]})
		}
	}
	for _, loc := range shortHeader.FindAllStringSubmatchIndex(text, -1) {
		letter := text[loc[2]:loc[3]]
		matches = append(matches, headerMatch{section: shortSections[letter], start: loc[2], end: loc[1]})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	// Drop headers nested inside an earlier, longer one.
	out := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.end
	}
	return out
}

// splitSections maps each section to the text between its header and the
// next header. A section seen twice keeps both bodies, joined by a newline.
func splitSections(text string) map[Section]string {
	headers := findHeaders(text)
	sections := make(map[Section]string, len(headers))
	for i, h := range headers {
		end := len(text)
		if i+1 < len(headers) {
			end = headers[i+1].start
		}
		body := strings.TrimSpace(text[h.end:end])
		if body == "" {
			continue
		}
		if prev, ok := sections[h.section]; ok {
			body = prev + "\n" + body
		}
		sections[h.section] = body
	}
	return sections
}

// PainScale finds the first "N/10" rating with N between 0 and 10. Dates
// such as 03/10/2023 are not mistaken for ratings.
func PainScale(text string) (int, bool) {
	for _, loc := range painScale.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] > 0 {
			prev := text[loc[0]-1]
			if isDigit(prev) || prev == '/' {
				continue
			}
		}
		if loc[1] < len(text) {
			next := text[loc[1]]
			if isDigit(next) || next == '/' {
				continue
			}
		}
		v, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || v < 0 || v > 10 {
			continue
		}
		return v, true
	}
	return 0, false
}

type datePattern struct {
	re      *regexp.Regexp
	y, m, d int
}

var datePatterns = []datePattern{
	{regexp.MustCompile(`(?:^|\D)(\d{4})[-_.](\d{1,2})[-_.](\d{1,2})(?:\D|$)`), 1, 2, 3},
	{regexp.MustCompile(`(?:^|\D)(\d{1,2})[-_.](\d{1,2})[-_.](\d{4})(?:\D|$)`), 3, 1, 2},
	{regexp.MustCompile(`(?:^|\D)(\d{4})(\d{2})(\d{2})(?:\D|$)`), 1, 2, 3},
}

// VisitDate reads a visit date out of a file name. Month-first ordering is
// assumed for the separated forms, matching US practice exports.
func VisitDate(fileName string) (time.Time, bool) {
	d, _, ok := visitDate(baseName(fileName))
	return d, ok
}

func visitDate(name string) (time.Time, int, bool) {
	for _, p := range datePatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(name, -1) {
			y, _ := strconv.Atoi(name[m[2*p.y]:m[2*p.y+1]])
			mo, _ := strconv.Atoi(name[m[2*p.m]:m[2*p.m+1]])
			d, _ := strconv.Atoi(name[m[2*p.d]:m[2*p.d+1]])
			if t, ok := validDate(y, mo, d); ok {
				return t, max(m[3], m[5], m[7]), true
			}
		}
	}
	return time.Time{}, 0, false
}

func validDate(y, m, d int) (time.Time, bool) {
	if y < 1900 || y > 2100 || m < 1 || m > 12 || d < 1 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

var (
	doctorToken = regexp.MustCompile(`(?i)(?:^|[_\s.-])(?:dr|doctor)[_\s.-]+([a-z]+)[_\s.-]+([a-z]+)`)
	namePair    = regexp.MustCompile(`^[_\s.-]+([A-Za-z]{2,})[_\s.-]+([A-Za-z]{2,})`)
)

// ProviderName returns "First Last" from a Dr_First_Last token, or from a
// name pair that follows the visit date. Empty when neither is present.
func ProviderName(fileName string) string {
	name := baseName(fileName)
	if m := doctorToken.FindStringSubmatch(name); m != nil {
		return m[1] + " " + m[2]
	}
	if _, end, ok := visitDate(name); ok && end < len(name) {
		if m := namePair.FindStringSubmatch(name[end:]); m != nil {
			return m[1] + " " + m[2]
		}
	}
	return ""
}

// IsNoteFile reports whether the extractor can read the file type.
func IsNoteFile(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".rtf", ".text":
		return true
	}
	return false
}

func baseName(fileName string) string {
	base := filepath.Base(strings.ReplaceAll(fileName, `\`, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
