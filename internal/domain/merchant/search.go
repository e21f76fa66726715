package merchant

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// CatalogEntry is a known subscription service and the words that identify it.
type CatalogEntry struct {
	Name     string
	Keywords []string
}

// DefaultCatalog lists widely used subscription services.
func DefaultCatalog() []CatalogEntry {
	return []CatalogEntry{
		{"Netflix", []string{"netflix"}},
		{"Spotify", []string{"spotify"}},
		{"Disney+", []string{"disney", "disneyplus"}},
		{"Amazon Prime", []string{"prime video", "amazon prime", "primevideo"}},
		{"YouTube Premium", []string{"youtube premium", "youtube"}},
		{"Apple", []string{"apple", "itunes", "icloud"}},
		{"Max", []string{"hbomax", "hbo max"}},
		{"Adobe", []string{"adobe", "creative cloud"}},
		{"Dropbox", []string{"dropbox"}},
		{"Microsoft 365", []string{"microsoft 365", "office 365"}},
		{"Google One", []string{"google one", "google storage"}},
		{"ChatGPT Plus", []string{"openai", "chatgpt"}},
		{"PlayStation Plus", []string{"playstation", "psn"}},
		{"Xbox Game Pass", []string{"xbox", "game pass"}},
		{"Audible", []string{"audible"}},
		{"Duolingo", []string{"duolingo"}},
		{"Headspace", []string{"headspace"}},
		{"Strava", []string{"strava"}},
		{"Notion", []string{"notion"}},
		{"Patreon", []string{"patreon"}},
	}
}

// searchDoc is what gets indexed per catalog entry
type searchDoc struct {
	Name  string `json:"name"`
	Terms string `json:"terms"`
}

// SearchClassifier is an offline classifier: a bleve index over the catalog
// proposes candidates and a fuzzy score decides the confidence.
type SearchClassifier struct {
	index   bleve.Index
	entries []CatalogEntry
	mu      sync.RWMutex

	// minScore is the 0-100 similarity below which a hit is discarded.
	minScore int
	// scale maps a 100 score to a confidence, kept under AliasConfidence.
	scale float64
}

// NewSearchClassifier indexes catalog in memory.
func NewSearchClassifier(catalog []CatalogEntry) (*SearchClassifier, error) {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = simple.Name

	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create search index: %w", err)
	}

	batch := index.NewBatch()
	for i, e := range catalog {
		doc := searchDoc{Name: e.Name, Terms: e.Name + " " + strings.Join(e.Keywords, " ")}
		if err := batch.Index(strconv.Itoa(i), doc); err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", e.Name, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("failed to execute batch index: %w", err)
	}

	return &SearchClassifier{
		index:    index,
		entries:  catalog,
		minScore: 60,
		scale:    0.8,
	}, nil
}

// Classify implements Classifier.
func (s *SearchClassifier) Classify(ctx context.Context, description string) (Classification, error) {
	query := cleanDescription(description)
	if query == "" {
		return Classification{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	match := bleve.NewMatchQuery(strings.ToLower(query))
	match.SetField("terms")
	match.SetFuzziness(1)

	req := bleve.NewSearchRequest(match)
	req.Size = 3

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return Classification{}, fmt.Errorf("search failed: %w", err)
	}

	best, bestScore := -1, s.minScore-1
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(s.entries) {
			continue
		}
		if score := entryScore(query, s.entries[i]); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Classification{}, nil
	}

	name := s.entries[best].Name
	return Classification{
		ServiceName: &name,
		Confidence:  float64(bestScore) / 100 * s.scale,
	}, nil
}

// Close releases the index
func (s *SearchClassifier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}

var (
	digitToken  = regexp.MustCompile(`\S*\d\S*`)
	noisePrefix = []string{"POS ", "CARD ", "SEPA DD ", "DD ", "PAYPAL *", "PURCHASE ", "PAYMENT ", "VISA "}
	separators  = regexp.MustCompile(`[^A-Z+&. ]+`)
	spaces      = regexp.MustCompile(`\s+`)
)

// cleanDescription strips payment-rail prefixes and reference numbers.
func cleanDescription(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, p := range noisePrefix {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}
	s = digitToken.ReplaceAllString(s, " ")
	s = separators.ReplaceAllString(s, " ")
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func entryScore(query string, e CatalogEntry) int {
	best := fuzzyScore(query, strings.ToUpper(e.Name))
	for _, k := range e.Keywords {
		if sc := fuzzyScore(query, strings.ToUpper(k)); sc > best {
			best = sc
		}
	}
	return best
}

// fuzzyScore rates similarity from 0 to 100 using containment, edit
// distance and subsequence rank.
func fuzzyScore(s1, s2 string) int {
	if s1 == s2 {
		return 100
	}
	if s1 == "" || s2 == "" {
		return 0
	}
	if strings.Contains(s1, s2) {
		return 75 + (25 * len(s2) / len(s1))
	}
	if strings.Contains(s2, s1) {
		return 75 + (25 * len(s1) / len(s2))
	}

	// Compare against each word too; statement lines carry trailing noise.
	best := 0
	for _, word := range strings.Fields(s1) {
		if sc := editScore(word, s2); sc > best {
			best = sc
		}
	}
	if sc := editScore(s1, s2); sc > best {
		best = sc
	}

	if rank := fuzzy.RankMatchFold(s2, s1); rank >= 0 && rank < len(s1) {
		if sc := 60 - (rank * 40 / len(s1)); sc > best {
			best = sc
		}
	}
	return best
}

func editScore(a, b string) int {
	maxLen := max(len(a), len(b))
	if maxLen == 0 {
		return 0
	}
	return 100 * (maxLen - levenshteinDistance(a, b)) / maxLen
}

func levenshteinDistance(s1, s2 string) int {
	r1, r2 := []rune(s1), []rune(s2)
	if len(r1) == 0 {
		return len(r2)
	}
	if len(r2) == 0 {
		return len(r1)
	}

	prev := make([]int, len(r2)+1)
	curr := make([]int, len(r2)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(r1); i++ {
		curr[0] = i
		for j := 1; j <= len(r2); j++ {
			cost := 1
			if r1[i-1] == r2[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(r2)]
}
