// Package index provides the in-process search indexes used by the embedded
// storage backend: a BM25 inverted index for keyword retrieval and a
// brute-force cosine-similarity vector index for semantic retrieval.
//
// Both indexes are rebuilt from storage at open time and kept in sync by the
// backend on every mutation. They hold plain string document IDs; the backend
// decides what a document is (an entity header or a single observation).
package index

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values)
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization
)

// Result is a scored document returned by either index.
type Result struct {
	ID    string
	Score float64
}

// Fulltext provides BM25-based full-text search over short documents.
type Fulltext struct {
	mu sync.RWMutex

	// docID -> original text
	documents map[string]string

	// term -> docID -> term frequency
	inverted map[string]map[string]int

	// docID -> token count
	docLengths map[string]int

	avgDocLength float64
	docCount     int
}

// NewFulltext creates an empty full-text index.
func NewFulltext() *Fulltext {
	return &Fulltext{
		documents:  make(map[string]string),
		inverted:   make(map[string]map[string]int),
		docLengths: make(map[string]int),
	}
}

// Index adds or replaces a document.
func (f *Fulltext) Index(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(id)

	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}

	f.documents[id] = text
	f.docLengths[id] = len(tokens)
	f.docCount++

	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}
	for term, freq := range termFreq {
		if f.inverted[term] == nil {
			f.inverted[term] = make(map[string]int)
		}
		f.inverted[term][id] = freq
	}

	f.updateAvgDocLength()
}

// Remove removes a document from the index.
func (f *Fulltext) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *Fulltext) removeLocked(id string) {
	text, exists := f.documents[id]
	if !exists {
		return
	}

	for _, token := range Tokenize(text) {
		if docs, ok := f.inverted[token]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.inverted, token)
			}
		}
	}

	delete(f.documents, id)
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLength()
}

// Search performs BM25 keyword search, with prefix matching at reduced
// weight so "alpha" also reaches "alphabet". Results are sorted by score
// descending and truncated to limit.
func (f *Fulltext) Search(query string, limit int) []Result {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 || limit <= 0 {
		return nil
	}

	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if docs, ok := f.inverted[term]; ok {
			f.scoreTermLocked(docs, f.idfLocked(term), scores)
		}

		// Prefix matches score at 0.8x the exact-match IDF.
		for indexedTerm, docs := range f.inverted {
			if indexedTerm != term && strings.HasPrefix(indexedTerm, term) {
				f.scoreTermLocked(docs, f.idfLocked(indexedTerm)*0.8, scores)
			}
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (f *Fulltext) scoreTermLocked(docs map[string]int, idf float64, scores map[string]float64) {
	for docID, termFreq := range docs {
		docLen := float64(f.docLengths[docID])
		tf := float64(termFreq)
		numerator := tf * (bm25K1 + 1)
		denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
		scores[docID] += idf * (numerator / denominator)
	}
}

// idfLocked uses the Lucene BM25 IDF variant with +1 smoothing so common
// terms never go negative.
func (f *Fulltext) idfLocked(term string) float64 {
	df := float64(len(f.inverted[term]))
	n := float64(f.docCount)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		idf = 0
	}
	return idf
}

func (f *Fulltext) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}
	var total int
	for _, length := range f.docLengths {
		total += length
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// Count returns the number of indexed documents.
func (f *Fulltext) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// Tokenize splits text into lowercase tokens, dropping punctuation, single
// characters, and a minimal stop-word list. Technical terms are deliberately
// not filtered.
func Tokenize(text string) []string {
	text = strings.ToLower(text)

	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len(word) < 2 {
			continue
		}
		if stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
