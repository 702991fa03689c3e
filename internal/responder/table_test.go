package responder

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableBodiesAreJSON(t *testing.T) {
	tbl := DefaultTable()
	require.Equal(t, 3, tbl.Len())

	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodPost} {
		resp, ok := tbl.Lookup(m)
		require.True(t, ok, m)

		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(resp.Body), &payload), m)
		assert.Len(t, payload, 1, m)
		assert.Contains(t, payload, "result", m)
	}

	_, ok := tbl.Lookup(http.MethodDelete)
	assert.False(t, ok)
}

func TestNewTable(t *testing.T) {
	tbl, err := NewTable(map[string]Response{
		" patch ": {
			Status:  http.StatusOK,
			Headers: http.Header{"etag": {`"abc"`}, "x-extra": {"1"}},
			Body:    `{"result":"patched"}`,
		},
	})
	require.NoError(t, err)

	resp, ok := tbl.Lookup(http.MethodPatch)
	require.True(t, ok)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "1", resp.Headers.Get("X-Extra"))
	assert.Empty(t, resp.Headers.Get("ETag"))
}

func TestNewTableRejectsBadStatus(t *testing.T) {
	_, err := NewTable(map[string]Response{"GET": {Status: 42}})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = NewTable(map[string]Response{"": {Status: 200}})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	override, err := NewTable(map[string]Response{"GET": {Status: http.StatusNoContent}})
	require.NoError(t, err)

	merged := DefaultTable().Merge(override)
	resp, ok := merged.Lookup(http.MethodGet)
	require.True(t, ok)
	assert.Equal(t, http.StatusNoContent, resp.Status)

	resp, ok = merged.Lookup(http.MethodPost)
	require.True(t, ok)
	assert.Equal(t, "user1", resp.Headers.Get("X-Pp-User"))

	// the receiver is untouched
	resp, _ = DefaultTable().Lookup(http.MethodGet)
	assert.Equal(t, http.StatusOK, resp.Status)
}
