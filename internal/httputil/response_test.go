package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusConflict, "no frame yet")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "no frame yet", resp["error"])
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"version": 3})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp["version"])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodPost)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestQueryInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing", "", 20},
		{"valid", "?limit=50", 50},
		{"below range", "?limit=0", 20},
		{"above range", "?limit=501", 20},
		{"not a number", "?limit=lots", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/runs"+tt.query, nil)
			assert.Equal(t, tt.want, QueryInt(r, "limit", 20, 1, 500))
		})
	}
}

func TestQueryFloat(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/debug/snapshot.png?size=12.5", nil)
	assert.Equal(t, 12.5, QueryFloat(r, "size", 8, 2, 30))

	r = httptest.NewRequest(http.MethodGet, "/debug/snapshot.png?size=100", nil)
	assert.Equal(t, 8.0, QueryFloat(r, "size", 8, 2, 30))
}
