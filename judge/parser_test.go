package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storybench/battery"
)

func testCriteria() *battery.CriteriaSet {
	return &battery.CriteriaSet{
		VersionID: "crit-1",
		Criteria: []battery.Criterion{
			{Name: "voice", Description: "narrative voice", ScaleMin: 1, ScaleMax: 10},
			{Name: "pacing", Description: "story pacing", ScaleMin: 1, ScaleMax: 10},
			{Name: "imagery", Description: "sensory detail", ScaleMin: 1, ScaleMax: 10},
		},
	}
}

func TestParseVerdictCleanJSON(t *testing.T) {
	raw := `{"voice": 8, "pacing": 6.5, "imagery": 9}`

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	assert.Equal(t, map[string]float64{"voice": 8, "pacing": 6.5, "imagery": 9}, result.Scores)
}

func TestParseVerdictFencedJSONWithNoise(t *testing.T) {
	raw := "Here are my scores:\n\n```json\n{\n  \"Voice\": 7, // strong but uneven\n  \"pacing\": 5,\n  \"imagery\": 8,\n}\n```\n\nOverall a solid piece."

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	assert.Equal(t, 7.0, result.Scores["voice"])
	assert.Equal(t, 5.0, result.Scores["pacing"])
	assert.Equal(t, 8.0, result.Scores["imagery"])
}

func TestParseVerdictQuotedAndNestedScores(t *testing.T) {
	raw := `{"voice": "8", "pacing": {"score": 6, "comment": "drags"}, "imagery": 7}`

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	assert.Equal(t, 8.0, result.Scores["voice"])
	assert.Equal(t, 6.0, result.Scores["pacing"])
}

func TestParseVerdictLineFallback(t *testing.T) {
	raw := `The piece shows promise.

**Voice**: 7
- Pacing - 4/10
imagery: 8.5

A fine effort overall.`

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	assert.Equal(t, 7.0, result.Scores["voice"])
	assert.Equal(t, 4.0, result.Scores["pacing"])
	assert.Equal(t, 8.5, result.Scores["imagery"])
}

func TestParseVerdictJSONThenLineFallbackMerge(t *testing.T) {
	// JSON covers two criteria; the third only appears as prose.
	raw := `{"voice": 6, "pacing": 7}

imagery: 9`

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	assert.Equal(t, 9.0, result.Scores["imagery"])
}

func TestParseVerdictOutOfRangeDiscarded(t *testing.T) {
	raw := `{"voice": 14, "pacing": 0.2, "imagery": 8}`

	result := ParseVerdict(raw, testCriteria())
	assert.True(t, result.Incomplete())
	assert.ElementsMatch(t, []string{"voice", "pacing"}, result.Missing)
	assert.Equal(t, 8.0, result.Scores["imagery"])
}

func TestParseVerdictMissingCriteria(t *testing.T) {
	raw := `{"voice": 7}`

	result := ParseVerdict(raw, testCriteria())
	assert.True(t, result.Incomplete())
	assert.ElementsMatch(t, []string{"pacing", "imagery"}, result.Missing)
}

func TestParseVerdictGarbage(t *testing.T) {
	result := ParseVerdict("I refuse to score this.", testCriteria())
	assert.True(t, result.Incomplete())
	assert.Empty(t, result.Scores)
	assert.Len(t, result.Missing, 3)
}

func TestParseVerdictUnknownCriteriaIgnored(t *testing.T) {
	raw := `{"voice": 7, "pacing": 6, "imagery": 5, "overall": 9}`

	result := ParseVerdict(raw, testCriteria())
	assert.False(t, result.Incomplete())
	require.Len(t, result.Scores, 3)
	assert.NotContains(t, result.Scores, "overall")
}

func TestBuildPromptIsDeterministic(t *testing.T) {
	criteria := testCriteria()
	a := BuildPrompt(criteria, "Write an opening.", "It was raining.")
	b := BuildPrompt(criteria, "Write an opening.", "It was raining.")
	assert.Equal(t, a, b)

	assert.Contains(t, a, "Write an opening.")
	assert.Contains(t, a, "It was raining.")
	assert.Contains(t, a, "voice (1 to 10): narrative voice")
}
