package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SolarScenario(t *testing.T) {
	n := NewNormalizer(5)
	got := n.Normalize("solar panels in rural Kenya")

	assert.Equal(t, []string{"kenya", "panels", "rural", "solar"}, got.Keywords)
	assert.Equal(t, "kenya panels rural solar", got.Text)
	assert.Len(t, got.Key, 32)
	assert.False(t, got.IsGeneral())
}

func TestNormalize_Idempotent(t *testing.T) {
	n := NewNormalizer(5)
	inputs := []string{
		"solar panels in rural Kenya",
		"  The FUTURE of Artificial-Intelligence, in healthcare!!  ",
		"data data data visualization charts charts trends dashboards metrics kpis",
		"Don't panic: rock'n'roll & jazz",
		"日本 の 伝統的な 建築",
		"a an of to",
		"",
		"???",
		"Mountain mountain MOUNTAIN landscape",
	}
	for _, in := range inputs {
		first := n.Normalize(in)
		second := n.Normalize(first.Text)
		assert.Equal(t, first.Text, second.Text, "input %q", in)
		assert.Equal(t, first.Key, second.Key, "input %q", in)
		assert.Equal(t, first.Keywords, second.Keywords, "input %q", in)
	}
}

func TestNormalize_ParaphraseSharesKey(t *testing.T) {
	n := NewNormalizer(5)
	a := n.Normalize("Solar panels in rural Kenya")
	b := n.Normalize("rural kenya: SOLAR panels")
	assert.Equal(t, a.Key, b.Key)
}

func TestNormalize_DegenerateInputMapsToGeneral(t *testing.T) {
	n := NewNormalizer(5)
	for _, in := range []string{"", "   ", "!!!", "the and of", "a b c"} {
		got := n.Normalize(in)
		assert.Equal(t, GeneralKey, got.Key, "input %q", in)
		assert.Empty(t, got.Keywords)
		assert.True(t, got.IsGeneral())
	}
}

func TestNormalize_KeepsMostFrequent(t *testing.T) {
	n := NewNormalizer(2)
	got := n.Normalize("alpha beta gamma beta delta gamma beta")
	require.Len(t, got.Keywords, 2)
	assert.Equal(t, []string{"beta", "gamma"}, got.Keywords)
}

func TestNormalize_TieBrokenByFirstOccurrence(t *testing.T) {
	n := NewNormalizer(2)
	got := n.Normalize("zebra yak xenops")
	assert.Equal(t, []string{"yak", "zebra"}, got.Keywords)
}

func TestNewNormalizer_DefaultCap(t *testing.T) {
	assert.Equal(t, 5, NewNormalizer(0).MaxKeywords())
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"solar", "kenya"}, []string{"kenya", "solar"}, 1},
		{"disjoint", []string{"solar"}, []string{"ocean"}, 0},
		{"half", []string{"solar", "panels"}, []string{"solar", "wind"}, 1.0 / 3.0},
		{"both empty", nil, nil, 0},
		{"one empty", []string{"solar"}, nil, 0},
		{"duplicates ignored", []string{"solar"}, []string{"solar", "solar"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCategory(t *testing.T) {
	assert.Equal(t, CategoryNature, Category("solar panels in rural Kenya"))
	assert.Equal(t, CategoryData, Category("quarterly metrics dashboard"))
	assert.Equal(t, CategoryTeam, Category("team", "people in a meeting"))
	assert.Equal(t, CategoryGeneral, Category("medieval poetry"))
}

func TestPlainText(t *testing.T) {
	got := PlainText(`<div class="slide"><h1>Solar  power</h1><script>var x = 1;</script><p>in rural&nbsp;Kenya</p></div>`)
	assert.Equal(t, "Solar power in rural Kenya", got)
	assert.Equal(t, "plain text here", PlainText("  plain   text\nhere "))
}
