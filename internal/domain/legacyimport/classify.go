package legacyimport

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/archive"
	"github.com/ehr/legacyimport/internal/platform/tabular"
)

// categoryRule maps a dataset category to the patterns tried against the
// leading path segment of an extracted file.
type categoryRule struct {
	Category Category
	Patterns []*regexp.Regexp
}

// numeric export prefixes such as "00_", "01-" or "3 " are tolerated.
const numPrefix = `^(?:\d+[\s_.-]*)?`

var categoryRules = []categoryRule{
	{CategoryTables, []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + numPrefix + `tables?$`),
		regexp.MustCompile(`(?i)` + numPrefix + `data[\s_-]*tables?$`),
		regexp.MustCompile(`(?i)` + numPrefix + `(?:csv|exports?)$`),
	}},
	{CategoryLedger, []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + numPrefix + `ledgers?(?:[\s_-]*history)?$`),
		regexp.MustCompile(`(?i)` + numPrefix + `(?:billing|financials?|transactions?)$`),
	}},
	{CategoryScannedDocuments, []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + numPrefix + `scanned[\s_-]*(?:docs?|documents?|images?|files?)?$`),
		regexp.MustCompile(`(?i)` + numPrefix + `(?:scans?|documents?|images?|attachments?)$`),
	}},
	{CategoryChartNotes, []*regexp.Regexp{
		regexp.MustCompile(`(?i)` + numPrefix + `chart[\s_-]*notes?$`),
		regexp.MustCompile(`(?i)` + numPrefix + `(?:charts?|notes?)$`),
		regexp.MustCompile(`(?i)` + numPrefix + `(?:soap|progress|clinical)[\s_-]*notes?$`),
	}},
}

var (
	noteFallbackExts = map[string]bool{".pdf": true, ".txt": true, ".rtf": true, ".doc": true}
	noteFallbackName = regexp.MustCompile(`(?i)chart|note|soap|visit|progress`)
	noteFallbackDir  = regexp.MustCompile(`(?i)notes|chart`)
)

// tableRoute routes a file in the tables category to an entity type by its
// base name.
type tableRoute struct {
	Entity  EntityType
	Pattern *regexp.Regexp
}

var tableRoutes = []tableRoute{
	{EntityInsurance, regexp.MustCompile(`(?i)insur|payer|polic|coverage|carrier`)},
	{EntityLedger, regexp.MustCompile(`(?i)ledger|transaction|charges?|payments?|billing`)},
	{EntityDiagnosis, regexp.MustCompile(`(?i)diag|icd|dx`)},
	{EntityServiceCode, regexp.MustCompile(`(?i)service|procedure|cpt|fee`)},
	{EntityAppointment, regexp.MustCompile(`(?i)appoint|appt|schedul|visit`)},
	{EntityProvider, regexp.MustCompile(`(?i)provider|doctor|physician|staff|clinician`)},
	{EntityPatient, regexp.MustCompile(`(?i)patient|demograph|client`)},
}

// RouteTable returns the entity type a table file name holds.
func RouteTable(name string) (EntityType, bool) {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	for _, r := range tableRoutes {
		if r.Pattern.MatchString(base) {
			return r.Entity, true
		}
	}
	return "", false
}

// TableFile is a tabular file routed to the entity it holds.
type TableFile struct {
	File   archive.ExtractedFile `json:"file"`
	Entity EntityType            `json:"entity"`
}

// Classification assigns extracted files to dataset categories.
type Classification struct {
	Files            map[Category][]archive.ExtractedFile `json:"files"`
	Tables           []TableFile                          `json:"tables"`
	IsChirotouchLike bool                                 `json:"is_chirotouch_like"`
	Warnings         []importrun.Issue                    `json:"warnings,omitempty"`
}

// Get returns the files assigned to the category.
func (c *Classification) Get(cat Category) []archive.ExtractedFile { return c.Files[cat] }

// Empty reports whether no file was assigned anywhere.
func (c *Classification) Empty() bool {
	for _, files := range c.Files {
		if len(files) > 0 {
			return false
		}
	}
	return true
}

// TablesFor returns the routed tables holding the entity, in path order.
func (c *Classification) TablesFor(e EntityType) []archive.ExtractedFile {
	var out []archive.ExtractedFile
	for _, t := range c.Tables {
		if t.Entity == e {
			out = append(out, t.File)
		}
	}
	return out
}

// Classify assigns every extracted file to at most one dataset category.
// The decision for one file never depends on list order, so any permutation
// of files gives the same classification.
func Classify(files []archive.ExtractedFile) *Classification {
	c := &Classification{Files: make(map[Category][]archive.ExtractedFile)}
	wrappers := wrapperDepth(files)

	var unassigned []archive.ExtractedFile
	for _, f := range files {
		segs := splitPath(f.RelPath)
		if len(segs) > wrappers {
			segs = segs[wrappers:]
		}
		if cat, ok := matchCategory(segs); ok {
			c.Files[cat] = append(c.Files[cat], f)
			continue
		}
		unassigned = append(unassigned, f)
	}

	if len(c.Files[CategoryChartNotes]) == 0 {
		for _, f := range unassigned {
			if looksLikeChartNote(f) {
				c.Files[CategoryChartNotes] = append(c.Files[CategoryChartNotes], f)
			}
		}
	}

	for cat := range c.Files {
		sortFiles(c.Files[cat])
	}
	c.routeTables()

	c.IsChirotouchLike = len(c.Files[CategoryTables]) > 0 ||
		len(c.Files[CategoryLedger]) > 0 ||
		len(c.Files[CategoryChartNotes]) > 0
	if c.Empty() {
		c.Warnings = append(c.Warnings, importrun.Issue{
			Category: importrun.CategoryUnrecognizedContent,
			Message:  "archive contains no recognizable legacy export folders",
		})
	}
	return c
}

func (c *Classification) routeTables() {
	for _, cat := range []Category{CategoryTables, CategoryLedger} {
		for _, f := range c.Files[cat] {
			if !tabular.IsTabular(f.RelPath) {
				c.Warnings = append(c.Warnings, importrun.Issue{
					Category: importrun.CategoryUnrecognizedTable,
					Message:  "file is not a CSV or XLSX table",
					File:     f.RelPath,
				})
				continue
			}
			if cat == CategoryLedger {
				c.Tables = append(c.Tables, TableFile{File: f, Entity: EntityLedger})
				continue
			}
			e, ok := RouteTable(f.Name())
			if !ok {
				c.Warnings = append(c.Warnings, importrun.Issue{
					Category: importrun.CategoryUnrecognizedTable,
					Message:  "cannot tell which records the table holds from its name",
					File:     f.RelPath,
				})
				continue
			}
			c.Tables = append(c.Tables, TableFile{File: f, Entity: e})
		}
	}
}

func matchCategory(segs []string) (Category, bool) {
	if len(segs) < 2 {
		return "", false
	}
	for _, rule := range categoryRules {
		for _, p := range rule.Patterns {
			if p.MatchString(segs[0]) {
				return rule.Category, true
			}
		}
	}
	return "", false
}

func matchesAnyCategory(seg string) bool {
	_, ok := matchCategory([]string{seg, ""})
	return ok
}

// wrapperDepth counts the leading directories shared by every file that
// wrap the dataset folders, such as "Export_2023/". A shared directory whose
// own name looks like a category ("Export/", "Documents/") is still a
// wrapper when most files have a category folder directly beneath it.
func wrapperDepth(files []archive.ExtractedFile) int {
	if len(files) == 0 {
		return 0
	}
	split := make([][]string, len(files))
	for i, f := range files {
		split[i] = splitPath(f.RelPath)
	}
	depth := 0
	for {
		var common string
		for i, segs := range split {
			if len(segs) < depth+2 {
				return depth
			}
			if i == 0 {
				common = segs[depth]
			} else if segs[depth] != common {
				return depth
			}
		}
		if matchesAnyCategory(common) && !mostlyCategorized(split, depth+1) {
			return depth
		}
		depth++
	}
}

// mostlyCategorized reports whether more than half of the files sit in a
// category folder at segment depth.
func mostlyCategorized(split [][]string, depth int) bool {
	n := 0
	for _, segs := range split {
		if len(segs) >= depth+2 && matchesAnyCategory(segs[depth]) {
			n++
		}
	}
	return n*2 > len(split)
}

func looksLikeChartNote(f archive.ExtractedFile) bool {
	if !noteFallbackExts[f.Ext()] {
		return false
	}
	if noteFallbackName.MatchString(f.Name()) {
		return true
	}
	dir := path.Base(path.Dir(f.RelPath))
	return dir != "." && noteFallbackDir.MatchString(dir)
}

func splitPath(rel string) []string {
	return strings.Split(strings.Trim(path.Clean(rel), "/"), "/")
}

func sortFiles(files []archive.ExtractedFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
}
