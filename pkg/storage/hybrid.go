package storage

import "sort"

// Hybrid merge constants. One formula is used by both adapters: a semantic
// candidate is scored by its similarity, boosted by hybridKeywordBoost when
// the keyword set also contains it, and a keyword-only candidate is injected
// with hybridKeywordOnlyScore so it is not dropped purely for lacking an
// embedding match. Keyword-only injections bypass the similarity threshold.
const (
	hybridKeywordBoost     = 0.2
	hybridKeywordOnlyScore = 0.5
)

// SemanticCandidateLimit returns the candidate pool size for semantic search.
func SemanticCandidateLimit(topK int) int {
	if 2*topK > topK+5 {
		return 2 * topK
	}
	return topK + 5
}

// HybridCandidateLimit returns the larger candidate pool used for the
// semantic leg of hybrid search.
func HybridCandidateLimit(topK int) int {
	if 3*topK > topK+10 {
		return 3 * topK
	}
	return topK + 10
}

// MergeHybrid merges keyword and semantic candidate sets into a single ranked
// list. Semantic candidates below threshold are discarded before merging.
// Results are sorted by combined score descending and truncated to topK.
func MergeHybrid(keywordIDs []EntityID, semantic []SimilarityMatch, topK int, threshold float64) []HybridMatch {
	if topK <= 0 {
		return nil
	}

	keywordSet := make(map[EntityID]struct{}, len(keywordIDs))
	for _, id := range keywordIDs {
		keywordSet[id] = struct{}{}
	}

	merged := make(map[EntityID]HybridMatch, len(semantic)+len(keywordIDs))
	for _, match := range semantic {
		if match.Similarity < threshold {
			continue
		}
		score := match.Similarity
		_, inKeyword := keywordSet[match.EntityID]
		if inKeyword {
			score += hybridKeywordBoost
			if score > 1 {
				score = 1
			}
		}
		merged[match.EntityID] = HybridMatch{
			EntityID: match.EntityID,
			Score:    score,
			Keyword:  inKeyword,
		}
	}

	for id := range keywordSet {
		if _, ok := merged[id]; ok {
			continue
		}
		merged[id] = HybridMatch{
			EntityID: id,
			Score:    hybridKeywordOnlyScore,
			Keyword:  true,
		}
	}

	results := make([]HybridMatch, 0, len(merged))
	for _, m := range merged {
		results = append(results, m)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntityID < results[j].EntityID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
