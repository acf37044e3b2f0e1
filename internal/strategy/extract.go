package strategy

import (
	"encoding/json"
	"regexp"
	"strings"
)

// MaxCandidates caps how many ids one response may propose.
const MaxCandidates = 3

const minIDLength = 10

var (
	idPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	quotedID      = regexp.MustCompile(`"([a-zA-Z0-9_-]{10,})"`)
	photoPrefixed = regexp.MustCompile(`photo-([a-zA-Z0-9_-]+)`)
	codeFence     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

type objectsResponse struct {
	Images []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"images"`
}

// ExtractIDs pulls ranked candidate ids out of a model response. It accepts
// the strategy's JSON shape, tolerates code fences and surrounding prose,
// and falls back to pattern matching when the JSON does not parse. Full
// http(s) URLs are passed through for the source catalog to resolve.
func ExtractIDs(response string, format Format) []string {
	body := strings.TrimSpace(response)
	if m := codeFence.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}

	raw, ok := decode(body, format)
	if !ok {
		raw = scan(response)
	}

	out := make([]string, 0, MaxCandidates)
	seen := make(map[string]bool)
	for _, r := range raw {
		id, ok := clean(r)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == MaxCandidates {
			break
		}
	}
	return out
}

func decode(body string, format Format) ([]string, bool) {
	// Both shapes are accepted whatever was asked for; the requested one
	// is tried first.
	parsers := []func(string) ([]string, bool){decodeList, decodeObjects}
	if format == FormatObjects {
		parsers[0], parsers[1] = parsers[1], parsers[0]
	}
	for _, parse := range parsers {
		if ids, ok := parse(body); ok {
			return ids, true
		}
	}

	if start, end := strings.IndexAny(body, "[{"), strings.LastIndexAny(body, "]}"); start >= 0 && end > start && (start > 0 || end < len(body)-1) {
		return decode(body[start:end+1], format)
	}
	return nil, false
}

func decodeList(body string) ([]string, bool) {
	var list []string
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		return nil, false
	}
	return list, true
}

func decodeObjects(body string) ([]string, bool) {
	var objs objectsResponse
	if err := json.Unmarshal([]byte(body), &objs); err != nil || objs.Images == nil {
		return nil, false
	}
	ids := make([]string, 0, len(objs.Images))
	for _, img := range objs.Images {
		if img.ID != "" {
			ids = append(ids, img.ID)
		} else if img.URL != "" {
			ids = append(ids, img.URL)
		}
	}
	return ids, true
}

func scan(response string) []string {
	for _, re := range []*regexp.Regexp{quotedID, photoPrefixed} {
		matches := re.FindAllStringSubmatch(response, -1)
		if len(matches) == 0 {
			continue
		}
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m[1]
		}
		return ids
	}
	return nil
}

func clean(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s, true
	}
	s = strings.TrimPrefix(s, "photo-")
	if len(s) < minIDLength || !idPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
