package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSSE(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  string
	}{
		{
			"default message event",
			"",
			`{"rowid":1}`,
			"data: {\"rowid\":1}\n\n",
		},
		{
			"named event",
			"end",
			`{"info":"end_of_data"}`,
			"event: end\ndata: {\"info\":\"end_of_data\"}\n\n",
		},
		{
			"embedded newline split across data lines",
			"",
			"line one\nline two",
			"data: line one\ndata: line two\n\n",
		},
		{
			"empty payload still frames",
			"end",
			"",
			"event: end\ndata: \n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeSSE(tt.event, tt.data))
		})
	}
}

func TestStreamWriterAlways200(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, ok := newStreamWriter(rec)
	require.True(t, ok)

	sw.sendError("invalid_site", map[string]any{"site": "nowhere"})

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: error\n")
	assert.Contains(t, rec.Body.String(), `"error":"invalid_site"`)
}

func TestStreamWriterEnd(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, ok := newStreamWriter(rec)
	require.True(t, ok)

	sw.sendEnd(map[string]any{"turbine": 3})

	body := rec.Body.String()
	assert.Contains(t, body, "event: end\n")
	assert.Contains(t, body, `"info":"end_of_data"`)
	assert.Contains(t, body, `"turbine":3`)
}
