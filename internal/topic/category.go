package topic

import (
	"strings"

	"golang.org/x/net/html"
)

// Fallback categories understood by the resolver's fallback map.
const (
	CategoryBusiness   = "business"
	CategoryTechnology = "technology"
	CategoryNature     = "nature"
	CategoryData       = "data"
	CategoryTeam       = "team"
	CategoryGeneral    = "general"
)

var categoryVocabulary = map[string][]string{
	CategoryBusiness: {
		"business", "market", "marketing", "finance", "financial", "sales",
		"strategy", "startup", "company", "revenue", "investment", "economy",
		"growth", "profit", "customer", "brand", "office",
	},
	CategoryTechnology: {
		"technology", "software", "computer", "digital", "artificial",
		"intelligence", "machine", "learning", "robot", "robotics", "cloud",
		"code", "coding", "internet", "network", "cyber", "security", "device",
		"innovation", "engineering", "medical",
	},
	CategoryNature: {
		"nature", "mountain", "mountains", "ocean", "forest", "river", "wildlife",
		"landscape", "climate", "environment", "solar", "wind", "renewable",
		"energy", "sustainable", "sustainability", "earth", "water", "waves",
		"rural", "farm", "agriculture",
	},
	CategoryData: {
		"data", "analytics", "chart", "charts", "graph", "graphs", "statistics",
		"metrics", "visualization", "dashboard", "research", "analysis",
		"trends", "survey",
	},
	CategoryTeam: {
		"team", "teams", "collaboration", "people", "meeting", "leadership",
		"culture", "community", "workshop", "remote", "hiring", "employees",
	},
}

// categoryOrder breaks ties between categories with equal keyword hits.
var categoryOrder = []string{
	CategoryData, CategoryTeam, CategoryTechnology, CategoryBusiness, CategoryNature,
}

var categoryIndex = func() map[string][]string {
	idx := make(map[string][]string)
	for cat, words := range categoryVocabulary {
		for _, w := range words {
			idx[w] = append(idx[w], cat)
		}
	}
	return idx
}()

// Category maps free text to the fallback category with the most vocabulary
// hits, or CategoryGeneral when nothing matches.
func Category(texts ...string) string {
	hits := make(map[string]int)
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			for _, cat := range categoryIndex[tok] {
				hits[cat]++
			}
		}
	}

	best, bestHits := CategoryGeneral, 0
	for _, cat := range categoryOrder {
		if hits[cat] > bestHits {
			best, bestHits = cat, hits[cat]
		}
	}
	return best
}

// PlainText extracts the visible text of an HTML fragment, collapsing
// whitespace. Script and style bodies are skipped. Plain input passes
// through with whitespace collapsed.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}

	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}
