package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closableBuffer struct {
	bytes.Buffer
}

func (closableBuffer) Close() error { return nil }

func TestRecordWritesOneJSONLinePerEntry(t *testing.T) {
	buf := &closableBuffer{}
	w := NewWriterTo(buf)

	require.NoError(t, w.Record("connection", "conn-1", map[string]any{"remote": "10.1.2.3:4567"}))
	require.NoError(t, w.Record("auth_failure", "conn-1", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "connection", first.Event)
	assert.Equal(t, "conn-1", first.ConnectionID)
	assert.Equal(t, "10.1.2.3:4567", first.Detail["remote"])
	assert.False(t, first.Timestamp.IsZero())

	var second Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "auth_failure", second.Event)
	assert.Nil(t, second.Detail)
}
