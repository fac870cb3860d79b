package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/chakload/chakload/internal/loadtest/metrics"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "text": FormatText, "JSON": FormatJSON, " yaml ": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestExport_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, sampleResults(), FormatJSON))

	doc := buf.String()
	require.True(t, gjson.Valid(doc))
	assert.Equal(t, "run-1", gjson.Get(doc, "run_id").String())
	assert.Equal(t, int64(1500), gjson.Get(doc, "total_requests").Int())
	assert.Equal(t, 10.0, gjson.Get(doc, "median_response_time_ms").Float())
	assert.Equal(t, 40.0, gjson.Get(doc, "p95_response_time_ms").Float())
	assert.Equal(t, 5.0, gjson.Get(doc, "duration_seconds").Float())
	assert.Equal(t, 0.0, gjson.Get(doc, "data_sent_mb").Float())
	assert.Equal(t, int64(60), gjson.Get(doc, "errors.500").Int())
}

func TestExport_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, sampleResults(), FormatYAML))

	var doc ResultsDocument
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, NewResultsDocument(sampleResults()), doc)
}

func TestExport_EmptyResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Export(&buf, &metrics.TestResults{}, FormatJSON))
	assert.True(t, gjson.Get(buf.String(), "errors").IsObject())
}

func TestExport_TextIsNotExportable(t *testing.T) {
	assert.Error(t, Export(&bytes.Buffer{}, sampleResults(), FormatText))
}
