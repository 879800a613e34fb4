package embedding

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
)

// Okapi BM25 parameters.
const (
	bm25K1      = 1.2
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// Tokenize splits text into case-folded runs of letters and digits. Scripts
// without spaces between words (such as Hangul compounds) stay as whole runs.
func Tokenize(text string) []string {
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// KeywordHit is one keyword search result.
type KeywordHit struct {
	ChunkID string
	Score   float64
}

type keywordDoc struct {
	terms  map[string]int
	length int
}

// KeywordIndex is an incrementally built BM25 index over chunks.
// IDF statistics are recomputed lazily after additions.
type KeywordIndex struct {
	mu     sync.RWMutex
	docs   map[string]*keywordDoc
	order  []string
	idf    map[string]float64
	avgLen float64
	dirty  bool
}

// NewKeywordIndex creates an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{docs: make(map[string]*keywordDoc)}
}

// Add indexes content under chunkID, replacing any previous content.
func (k *KeywordIndex) Add(chunkID, content string) {
	tokens := Tokenize(content)
	doc := &keywordDoc{terms: make(map[string]int, len(tokens)), length: len(tokens)}
	for _, tok := range tokens {
		doc.terms[tok]++
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.docs[chunkID]; !exists {
		k.order = append(k.order, chunkID)
	}
	k.docs[chunkID] = doc
	k.dirty = true
}

// Len returns the number of indexed chunks.
func (k *KeywordIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.docs)
}

// Search returns chunks with positive BM25 score, best first.
func (k *KeywordIndex) Search(query string, limit int) []KeywordHit {
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	k.mu.Lock()
	if k.dirty {
		k.recompute()
	}
	k.mu.Unlock()

	k.mu.RLock()
	defer k.mu.RUnlock()

	var hits []KeywordHit
	for _, id := range k.order {
		if score := k.score(k.docs[id], queryTokens); score > 0 {
			hits = append(hits, KeywordHit{ChunkID: id, Score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (k *KeywordIndex) recompute() {
	df := make(map[string]int)
	total := 0
	for _, doc := range k.docs {
		total += doc.length
		for term := range doc.terms {
			df[term]++
		}
	}

	n := float64(len(k.docs))
	k.idf = make(map[string]float64, len(df))
	for term, freq := range df {
		idf := math.Log(1 + (n-float64(freq)+0.5)/(float64(freq)+0.5))
		if idf <= 0 {
			idf = bm25Epsilon
		}
		k.idf[term] = idf
	}
	if n > 0 {
		k.avgLen = float64(total) / n
	}
	k.dirty = false
}

func (k *KeywordIndex) score(doc *keywordDoc, queryTokens []string) float64 {
	if doc.length == 0 || k.avgLen == 0 {
		return 0
	}
	var score float64
	for _, tok := range queryTokens {
		tf := float64(doc.terms[tok])
		if tf == 0 {
			continue
		}
		num := tf * (bm25K1 + 1)
		den := tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/k.avgLen)
		score += k.idf[tok] * num / den
	}
	return score
}
