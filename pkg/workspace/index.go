package workspace

import (
	"path/filepath"
	"sort"
	"strings"
)

// Search tuning. Blocks are fixed line windows; hits are span-shaped so a
// result can be added to the FileContext directly.
const (
	indexBlockLines = 25
	indexMaxHits    = 25
)

// Hit is one search result span.
type Hit struct {
	FilePath  string
	SpanID    string
	StartLine int
	EndLine   int
	Rank      float64
}

// Index provides lexical code search over a Repository. Scoring is plain
// term frequency weighted by term length, with a bonus for blocks matching
// more of the query's terms. No embeddings, no persistence: the corpus is
// one checked-out instance and is searched on demand.
type Index struct {
	repo Repository
}

// NewIndex creates an index over repo.
func NewIndex(repo Repository) *Index {
	return &Index{repo: repo}
}

// Search scans the repository for blocks matching query. filePattern, when
// non-empty, restricts the search to paths matching it (shell glob against
// the full path or its base name). Results are ranked best-first and capped.
func (ix *Index) Search(query, filePattern string) ([]Hit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	files, err := ix.repo.ListFiles()
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, path := range files {
		if filePattern != "" && !matchesPattern(path, filePattern) {
			continue
		}
		content, err := ix.repo.ReadFile(path)
		if err != nil || strings.ContainsRune(content, '\x00') {
			continue
		}
		hits = append(hits, scanFile(path, content, terms)...)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		if hits[i].FilePath != hits[j].FilePath {
			return hits[i].FilePath < hits[j].FilePath
		}
		return hits[i].StartLine < hits[j].StartLine
	})
	if len(hits) > indexMaxHits {
		hits = hits[:indexMaxHits]
	}
	return hits, nil
}

func scanFile(path, content string, terms []string) []Hit {
	lines := strings.Split(content, "\n")
	var hits []Hit
	for start := 0; start < len(lines); start += indexBlockLines {
		end := start + indexBlockLines
		if end > len(lines) {
			end = len(lines)
		}
		block := strings.ToLower(strings.Join(lines[start:end], "\n"))

		score := 0.0
		matched := 0
		for _, term := range terms {
			count := strings.Count(block, term)
			if count > 0 {
				matched++
				score += float64(count) * float64(len(term))
			}
		}
		if matched == 0 {
			continue
		}
		score *= float64(matched) / float64(len(terms))

		hits = append(hits, Hit{
			FilePath:  path,
			SpanID:    SpanID(start+1, end),
			StartLine: start + 1,
			EndLine:   end,
			Rank:      score,
		})
	}
	return hits
}

// queryTerms lowercases and splits the query on non-identifier runes,
// dropping single-rune fragments and duplicates.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		letterOrDigit := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		return !letterOrDigit && r != '_'
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 || seen[field] {
			continue
		}
		seen[field] = true
		terms = append(terms, field)
	}
	return terms
}

func matchesPattern(path, pattern string) bool {
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	return false
}
