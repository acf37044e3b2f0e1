package cache

import "sort"

// RankKey orders entries for serving and eviction. Higher is better.
type RankKey struct {
	Confidence float64
	UsageCount int
}

// Rank is the eviction order of an entry: confidence first, then usage.
func Rank(e Entry) RankKey {
	return RankKey{Confidence: e.Confidence, UsageCount: e.UsageCount}
}

// Less reports whether k ranks strictly below o.
func (k RankKey) Less(o RankKey) bool {
	if k.Confidence != o.Confidence {
		return k.Confidence < o.Confidence
	}
	return k.UsageCount < o.UsageCount
}

// worse orders entries from first-to-evict to last. Equal ranks fall back to
// image id descending, the reverse of the lookup order, so the entry a
// lookup would serve last is evicted first.
func worse(a, b Entry) bool {
	ra, rb := Rank(a), Rank(b)
	if ra != rb {
		return ra.Less(rb)
	}
	return a.ImageID > b.ImageID
}

// PlanEvictions returns the entries to delete so that at most limit remain,
// lowest rank first. entries is not modified.
func PlanEvictions(entries []Entry, limit int) []Entry {
	if limit < 0 {
		limit = 0
	}
	if len(entries) <= limit {
		return nil
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return worse(sorted[i], sorted[j]) })
	return sorted[:len(entries)-limit]
}
