package notebook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNotebook = `{
	"cells": [
		{
			"cell_type": "markdown",
			"source": ["# Sales Analysis\n", "Quarterly revenue."]
		},
		{
			"cell_type": "code",
			"execution_count": 1,
			"source": "sales <- read.csv(\"sales.csv\")",
			"outputs": []
		},
		{
			"cell_type": "code",
			"execution_count": 2,
			"source": ["totals <- aggregate(amount ~ region, sales, sum)\n", "totals"],
			"outputs": [
				{
					"output_type": "execute_result",
					"data": {"text/plain": ["  region amount\n1  North   1200\n2  South    950"]}
				}
			]
		},
		{
			"cell_type": "code",
			"source": "broken()",
			"outputs": [
				{
					"output_type": "error",
					"ename": "RuntimeError",
					"evalue": "object not found",
					"traceback": ["Error in broken()"]
				}
			]
		}
	]
}`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleNotebook))
	require.NoError(t, err)
	require.Len(t, doc.Cells, 4)

	md := doc.Cells[0]
	assert.Equal(t, CellMarkdown, md.Type)
	assert.Equal(t, "# Sales Analysis\nQuarterly revenue.", md.Source)
	assert.False(t, md.Executed())

	code := doc.Cells[1]
	assert.Equal(t, CellCode, code.Type)
	assert.True(t, code.Executed())
	assert.False(t, code.HasOutput())

	withOutput := doc.Cells[2]
	require.Len(t, withOutput.Outputs, 1)
	assert.Equal(t, "execute_result", withOutput.Outputs[0].Kind)
	assert.Contains(t, withOutput.Outputs[0].Text, "North")
	assert.True(t, withOutput.HasOutput())

	// Missing execution_count means unexecuted; error outputs carry
	// their name, value and traceback as text.
	errCell := doc.Cells[3]
	assert.False(t, errCell.Executed())
	require.Len(t, errCell.Outputs, 1)
	assert.True(t, errCell.Outputs[0].IsError)
	assert.Contains(t, errCell.Outputs[0].Text, "object not found")
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `not a notebook`,
		"no cells":        `{"metadata": {}}`,
		"bad cell type":   `{"cells": [{"cell_type": "spreadsheet", "source": ""}]}`,
		"bad source type": `{"cells": [{"cell_type": "code", "source": 42}]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			require.Error(t, err)
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestCodeAndMarkdownText(t *testing.T) {
	doc, err := Parse([]byte(sampleNotebook))
	require.NoError(t, err)

	code := doc.CodeText()
	assert.Contains(t, code, "read.csv")
	assert.Contains(t, code, "aggregate")
	assert.NotContains(t, code, "Sales Analysis")

	narrative := doc.MarkdownText()
	assert.Contains(t, narrative, "Quarterly revenue.")
	assert.NotContains(t, narrative, "read.csv")

	assert.Len(t, doc.CodeCells(), 3)
}

func TestParseDeterministic(t *testing.T) {
	a, err := Parse([]byte(sampleNotebook))
	require.NoError(t, err)
	b, err := Parse([]byte(sampleNotebook))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
