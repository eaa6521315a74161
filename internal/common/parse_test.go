package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scorePayload struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

func TestParseJSONClean(t *testing.T) {
	got, err := ParseJSON[scorePayload](`{"score": 85, "rationale": "good"}`)
	require.NoError(t, err)
	assert.Equal(t, 85.0, got.Score)
	assert.Equal(t, "good", got.Rationale)
}

func TestParseJSONMarkdownFences(t *testing.T) {
	response := "Here is my assessment:\n```json\n{\"score\": 62, \"rationale\": \"missing sections\"}\n```\nLet me know if you need more detail."
	got, err := ParseJSON[scorePayload](response)
	require.NoError(t, err)
	assert.Equal(t, 62.0, got.Score)
}

func TestParseJSONNoObject(t *testing.T) {
	_, err := ParseJSON[scorePayload]("I would give this a B+")
	assert.Error(t, err)
}

func TestParseJSONMalformed(t *testing.T) {
	_, err := ParseJSON[scorePayload](`{"score": "not a number"}`)
	assert.Error(t, err)
}
