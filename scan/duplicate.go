package scan

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Detector tunables. Weights feed the version-chain confidence score and
// must sum to 1.0; chains scoring below the confidence threshold are
// discarded as coincidental name collisions.
const (
	DefaultFuzzyThreshold        = 0.8
	DefaultConfidenceThreshold   = 0.5
	DefaultWeightExtraction      = 0.4
	DefaultWeightPattern         = 0.3
	DefaultWeightSizeConsistency = 0.2
	DefaultWeightTimeSpread      = 0.1
)

// DetectorParams holds the duplicate detector's tunable thresholds
type DetectorParams struct {
	FuzzyThreshold        float64
	ConfidenceThreshold   float64
	WeightExtraction      float64
	WeightPattern         float64
	WeightSizeConsistency float64
	WeightTimeSpread      float64
}

// DefaultDetectorParams returns the stock detector thresholds
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		FuzzyThreshold:        DefaultFuzzyThreshold,
		ConfidenceThreshold:   DefaultConfidenceThreshold,
		WeightExtraction:      DefaultWeightExtraction,
		WeightPattern:         DefaultWeightPattern,
		WeightSizeConsistency: DefaultWeightSizeConsistency,
		WeightTimeSpread:      DefaultWeightTimeSpread,
	}
}

// Match bases for duplicate groups.
const (
	MatchBasisContentHash = "content_hash"
	MatchBasisFuzzyName   = "fuzzy_name"
)

// DuplicateGroup is a set of files believed to hold identical or
// near-identical content. Content-hash groups share size and hash with
// similarity 1.0; fuzzy-name groups share size and highly similar names,
// scored by the weakest pairwise similarity in the group.
type DuplicateGroup struct {
	MatchBasis      string   `json:"match_basis"`
	FileIDs         []string `json:"file_ids"`
	Names           []string `json:"names"`
	Size            int64    `json:"size"`
	ContentHash     string   `json:"content_hash,omitempty"`
	SimilarityScore float64  `json:"similarity_score"`
	SpaceWasted     int64    `json:"space_wasted"`
}

// VersionChain is a set of files inferred to be successive versions of
// the same document, with one winner (the current version) and the rest
// reclaimable.
type VersionChain struct {
	BaseName    string   `json:"base_name"`
	WinnerID    string   `json:"winner_id"`
	MemberIDs   []string `json:"member_ids"`
	Confidence  float64  `json:"confidence"`
	SpaceWasted int64    `json:"space_wasted"`
}

// DuplicateReport is the detector's output for one owner's live index
type DuplicateReport struct {
	Groups      []DuplicateGroup `json:"groups"`
	Chains      []VersionChain   `json:"chains"`
	SpaceWasted int64            `json:"space_wasted"`
}

// DuplicateDetector finds exact duplicates, fuzzy duplicates, and version
// chains across an owner's live file index.
type DuplicateDetector struct {
	params DetectorParams
	logger *zap.SugaredLogger
}

// NewDuplicateDetector creates a detector with the given thresholds
func NewDuplicateDetector(params DetectorParams, logger *zap.SugaredLogger) *DuplicateDetector {
	return &DuplicateDetector{params: params, logger: logger}
}

// Detect runs all three passes over the given live index entries.
// Files claimed by an exact group are excluded from fuzzy matching, and
// files claimed by either duplicate pass are excluded from version
// chains, so no file is counted as wasted space twice.
func (d *DuplicateDetector) Detect(entries []*FileIndexEntry) *DuplicateReport {
	report := &DuplicateReport{}

	claimed := make(map[string]bool, len(entries))

	exact := d.exactGroups(entries)
	for _, g := range exact {
		for _, id := range g.FileIDs {
			claimed[id] = true
		}
	}
	report.Groups = append(report.Groups, exact...)

	fuzzy := d.fuzzyGroups(entries, claimed)
	for _, g := range fuzzy {
		for _, id := range g.FileIDs {
			claimed[id] = true
		}
	}
	report.Groups = append(report.Groups, fuzzy...)

	report.Chains = d.versionChains(entries, claimed)

	for _, g := range report.Groups {
		report.SpaceWasted += g.SpaceWasted
	}
	for _, c := range report.Chains {
		report.SpaceWasted += c.SpaceWasted
	}

	d.logger.Debugw("Duplicate detection complete",
		"entries", len(entries),
		"groups", len(report.Groups),
		"chains", len(report.Chains),
		"space_wasted", report.SpaceWasted)

	return report
}

// exactGroups buckets files by (size, content hash). Hashless files
// cannot participate. Wasted space is (n-1) copies of the size.
func (d *DuplicateDetector) exactGroups(entries []*FileIndexEntry) []DuplicateGroup {
	type key struct {
		size int64
		hash string
	}
	buckets := make(map[key][]*FileIndexEntry)
	for _, e := range entries {
		if e.ContentHash == "" {
			continue
		}
		k := key{size: e.Size, hash: e.ContentHash}
		buckets[k] = append(buckets[k], e)
	}

	var groups []DuplicateGroup
	for k, members := range buckets {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
		g := DuplicateGroup{
			MatchBasis:      MatchBasisContentHash,
			Size:            k.size,
			ContentHash:     k.hash,
			SimilarityScore: 1.0,
			SpaceWasted:     int64(len(members)-1) * k.size,
		}
		for _, m := range members {
			g.FileIDs = append(g.FileIDs, m.ID)
			g.Names = append(g.Names, m.Name)
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].FileIDs[0] < groups[j].FileIDs[0] })
	return groups
}

// fuzzyGroups clusters same-size files whose normalized names are within
// the similarity threshold. Only files without a content hash are
// considered; hashed files either matched exactly or are genuinely
// distinct.
func (d *DuplicateDetector) fuzzyGroups(entries []*FileIndexEntry, claimed map[string]bool) []DuplicateGroup {
	bySize := make(map[int64][]*FileIndexEntry)
	for _, e := range entries {
		if claimed[e.ID] || e.ContentHash != "" {
			continue
		}
		bySize[e.Size] = append(bySize[e.Size], e)
	}

	var groups []DuplicateGroup
	for size, members := range bySize {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

		clusters := clusterByName(members, func(e *FileIndexEntry) string {
			return normalizeName(e.Name)
		}, d.params.FuzzyThreshold)

		for _, cluster := range clusters {
			if len(cluster) < 2 {
				continue
			}
			g := DuplicateGroup{
				MatchBasis:  MatchBasisFuzzyName,
				Size:        size,
				SpaceWasted: int64(len(cluster)-1) * size,
			}
			names := make([]string, 0, len(cluster))
			for _, m := range cluster {
				g.FileIDs = append(g.FileIDs, m.ID)
				g.Names = append(g.Names, m.Name)
				names = append(names, normalizeName(m.Name))
			}
			g.SimilarityScore = clusterSimilarity(names)
			groups = append(groups, g)
		}
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].FileIDs[0] < groups[j].FileIDs[0] })
	return groups
}

// clusterByName greedily clusters entries by name similarity: each entry
// joins the first cluster containing any member within the threshold,
// otherwise it seeds a new one. Version chains like "report", "report
// (1)", "report (2)" stay together even when the outermost pair alone
// would miss the threshold.
func clusterByName(members []*FileIndexEntry, nameOf func(*FileIndexEntry) string, threshold float64) [][]*FileIndexEntry {
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = nameOf(m)
	}

	var clusters [][]int
	for i := range members {
		placed := false
		for ci := range clusters {
			for _, j := range clusters[ci] {
				if nameSimilarity(names[i], names[j]) >= threshold {
					clusters[ci] = append(clusters[ci], i)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []int{i})
		}
	}

	out := make([][]*FileIndexEntry, len(clusters))
	for ci, cluster := range clusters {
		for _, i := range cluster {
			out[ci] = append(out[ci], members[i])
		}
	}
	return out
}

// clusterSimilarity is the weakest pairwise similarity within a cluster,
// 1.0 for a cluster of identical names.
func clusterSimilarity(names []string) float64 {
	lowest := 1.0
	for i := range names {
		for j := i + 1; j < len(names); j++ {
			if s := nameSimilarity(names[i], names[j]); s < lowest {
				lowest = s
			}
		}
	}
	return lowest
}

// versionMarker matches copy/version decorations appended to a file stem:
// " (2)", "-copy", "_copy2", " v3", "_version 4". Words like "final" or
// "draft" are not markers; stripping them would merge distinct documents.
var versionMarker = regexp.MustCompile(`(?i)[\s_-]*(\(\d+\)|copy\s*\d*|v(?:ersion)?[\s_.]*\d+)$`)

// versionChains groups unclaimed files of the same mime type whose
// marker-stripped names cluster within the fuzzy similarity threshold,
// scores each cluster, and keeps those above the confidence threshold.
// The winner is the member with the highest extracted version number,
// breaking ties by latest modified time.
func (d *DuplicateDetector) versionChains(entries []*FileIndexEntry, claimed map[string]bool) []VersionChain {
	byMime := make(map[string][]*FileIndexEntry)
	for _, e := range entries {
		if claimed[e.ID] {
			continue
		}
		if stripVersionMarkers(e.Name) == "" {
			continue
		}
		byMime[e.MimeType] = append(byMime[e.MimeType], e)
	}

	var chains []VersionChain
	for _, members := range byMime {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

		clusters := clusterByName(members, func(e *FileIndexEntry) string {
			return normalizeName(stripVersionMarkers(e.Name))
		}, d.params.FuzzyThreshold)

		for _, cluster := range clusters {
			if len(cluster) < 2 {
				continue
			}
			confidence := d.scoreChain(cluster)
			if confidence < d.params.ConfidenceThreshold {
				continue
			}

			winner := pickChainWinner(cluster)
			chain := VersionChain{
				BaseName:   stripVersionMarkers(cluster[0].Name),
				WinnerID:   winner.ID,
				Confidence: confidence,
			}
			for _, m := range cluster {
				chain.MemberIDs = append(chain.MemberIDs, m.ID)
				chain.SpaceWasted += m.Size
			}
			chain.SpaceWasted -= winner.Size
			sort.Strings(chain.MemberIDs)
			chains = append(chains, chain)
		}
	}

	sort.Slice(chains, func(i, j int) bool { return chains[i].BaseName < chains[j].BaseName })
	return chains
}

// scoreChain computes the weighted confidence that a candidate group is
// a genuine version chain rather than a name collision:
//   - extraction: fraction of members with a parseable version number
//   - pattern: whether members carry any version/copy marker at all
//   - size consistency: low relative spread in member sizes
//   - time spread: modification times spanning more than a moment
func (d *DuplicateDetector) scoreChain(members []*FileIndexEntry) float64 {
	var withNumber, withMarker int
	var minSize, maxSize int64
	var earliest, latest time.Time

	for i, m := range members {
		if _, ok := extractVersionNumber(m.Name); ok {
			withNumber++
		}
		if versionMarker.MatchString(stem(m.Name)) {
			withMarker++
		}
		if i == 0 {
			minSize, maxSize = m.Size, m.Size
			earliest, latest = m.ModifiedTime, m.ModifiedTime
			continue
		}
		if m.Size < minSize {
			minSize = m.Size
		}
		if m.Size > maxSize {
			maxSize = m.Size
		}
		if m.ModifiedTime.Before(earliest) {
			earliest = m.ModifiedTime
		}
		if m.ModifiedTime.After(latest) {
			latest = m.ModifiedTime
		}
	}

	n := float64(len(members))
	extraction := float64(withNumber) / n

	pattern := 0.0
	if withMarker > 0 {
		pattern = float64(withMarker) / n
	}

	sizeConsistency := 0.0
	if maxSize > 0 {
		spread := float64(maxSize-minSize) / float64(maxSize)
		if spread <= 0.5 {
			sizeConsistency = 1.0 - spread
		}
	}

	timeSpread := 0.0
	if latest.Sub(earliest) > time.Minute {
		timeSpread = 1.0
	}

	return d.params.WeightExtraction*extraction +
		d.params.WeightPattern*pattern +
		d.params.WeightSizeConsistency*sizeConsistency +
		d.params.WeightTimeSpread*timeSpread
}

// pickChainWinner returns the current version: highest extracted version
// number first, then latest modified time.
func pickChainWinner(members []*FileIndexEntry) *FileIndexEntry {
	winner := members[0]
	winnerVersion, winnerHas := extractVersionNumber(winner.Name)
	for _, m := range members[1:] {
		v, has := extractVersionNumber(m.Name)
		switch {
		case has && !winnerHas:
			winner, winnerVersion, winnerHas = m, v, true
		case has && winnerHas && v > winnerVersion:
			winner, winnerVersion = m, v
		case has == winnerHas && v == winnerVersion && m.ModifiedTime.After(winner.ModifiedTime):
			winner = m
		case !has && !winnerHas && m.ModifiedTime.After(winner.ModifiedTime):
			winner = m
		}
	}
	return winner
}

// stripVersionMarkers removes copy/version decorations from a file name
// and returns the normalized base (lowercase stem plus extension).
// "Report (2).docx" and "report_v3.docx" both map to "report.docx".
func stripVersionMarkers(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for {
		stripped := versionMarker.ReplaceAllString(base, "")
		if stripped == base {
			break
		}
		base = stripped
	}
	base = strings.TrimRight(base, " _-")
	if base == "" {
		return ""
	}
	return strings.ToLower(base) + strings.ToLower(ext)
}

// extractVersionNumber pulls the numeric version out of a file name's
// marker: "report (2).docx" -> 2, "notes_v3.txt" -> 3.
func extractVersionNumber(name string) (int, bool) {
	m := versionMarker.FindString(stem(name))
	if m == "" {
		return 0, false
	}
	digits := regexp.MustCompile(`\d+`).FindString(m)
	if digits == "" {
		return 0, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return v, true
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// normalizeName lowercases a file name and collapses separator runs so
// "My Report.docx" and "my_report.docx" compare equal.
func normalizeName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	prevSep := false
	for _, r := range lower {
		if r == ' ' || r == '_' || r == '-' || r == '.' {
			if !prevSep {
				b.WriteByte(' ')
			}
			prevSep = true
			continue
		}
		prevSep = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// nameSimilarity is 1 - normalized Levenshtein distance between two
// already-normalized names.
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with a rolling single-row table
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Summarize renders a short human line for logs and CLI output
func (r *DuplicateReport) Summarize() string {
	return fmt.Sprintf("%d duplicate groups, %d version chains", len(r.Groups), len(r.Chains))
}
