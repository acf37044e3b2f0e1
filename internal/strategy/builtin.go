package strategy

var builtinAliases = map[string]string{
	"v1_direct":   "default",
	"v2_context":  "verbose",
	"v3_fallback": "fallback",
}

func builtins() []Strategy {
	return []Strategy{
		{
			Name:   "default",
			System: "You are an expert at finding relevant Unsplash image IDs. You only suggest images you are certain exist on Unsplash.",
			User: `Find 3 Unsplash images for this topic: "{topic}"

Return ONLY a JSON array of image IDs (not full URLs), like:
["1234567890", "0987654321", "1122334455"]

Requirements:
- Use only well-known Unsplash photo IDs you're certain exist
- IDs are the string after 'photo-' in Unsplash URLs
- Choose images that directly relate to the topic
- Return ONLY the JSON array, no other text`,
			Format: FormatList,
		},
		{
			Name:   "verbose",
			System: "You are an expert at finding relevant stock images. You have deep knowledge of popular Unsplash photos and their IDs.",
			User: `Context from presentation slide:
{context}

Topic focus: {topic}

Suggest 3 relevant Unsplash photo IDs that would enhance this slide visually.

Return as JSON:
{"images": [{"id": "photo_id_here", "reason": "brief reason"}]}

Use only verified Unsplash photo IDs you know exist.`,
			Format: FormatObjects,
		},
		{
			Name:   "fallback",
			System: "You are helping find images for a presentation. Suggest realistic Unsplash photo IDs based on common photography subjects.",
			User: `I need images related to: {topic}

Based on common Unsplash photography categories, suggest 3 photo IDs that likely exist.
Prefer generic subjects (nature, business, technology, people) and popular themes.

Format: ["id1", "id2", "id3"]`,
			Format: FormatList,
		},
	}
}
