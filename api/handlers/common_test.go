package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(418)
	rw.WriteHeader(200) // second call must not override

	assert.Equal(t, 418, rw.StatusCode)
	assert.True(t, rw.Written)
	assert.Equal(t, 418, rec.Code)
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 200, rw.StatusCode)
	assert.True(t, rw.Written)
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"model":"claude-3"}`))
	body, terr := readBody(r)
	require.Nil(t, terr)
	assert.JSONEq(t, `{"model":"claude-3"}`, string(body))
}

func TestReadBody_Empty(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(""))
	_, terr := readBody(r)
	require.NotNil(t, terr)
	assert.Equal(t, 400, terr.HTTPStatus)
}

func TestPeekModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", peekModel([]byte(`{"model":"gpt-4o","stream":true}`)))
	assert.Equal(t, "", peekModel([]byte(`{"stream":true}`)))
	assert.Equal(t, "", peekModel([]byte(`not json`)))
}

func TestParseVertexPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		model   string
		wantErr bool
	}{
		{
			name:  "raw_predict",
			path:  "/models/gcp-vertex/v1/projects/my-proj/locations/us-east5/publishers/anthropic/models/claude-sonnet-4:rawPredict",
			model: "claude-sonnet-4",
		},
		{
			name:  "stream_raw_predict",
			path:  "/models/gcp-vertex/v1/projects/p/locations/l/publishers/anthropic/models/claude-opus-4:streamRawPredict",
			model: "claude-opus-4",
		},
		{
			name:    "missing_action",
			path:    "/models/gcp-vertex/v1/projects/p/locations/l/publishers/anthropic/models/claude-opus-4",
			wantErr: true,
		},
		{
			name:    "unknown_action",
			path:    "/models/gcp-vertex/v1/projects/p/locations/l/publishers/anthropic/models/m:predict",
			wantErr: true,
		},
		{
			name:    "wrong_shape",
			path:    "/models/gcp-vertex/v1/projects/p/zones/l/publishers/anthropic/models/m:rawPredict",
			wantErr: true,
		},
		{
			name:    "not_vertex",
			path:    "/v1/messages",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, terr := parseVertexPath(tt.path)
			if tt.wantErr {
				require.NotNil(t, terr)
				return
			}
			require.Nil(t, terr)
			assert.Equal(t, tt.model, model)
		})
	}
}
