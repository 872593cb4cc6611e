package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAccessLogSink(t *testing.T) {
	w, c := openAccessLogSink("")
	assert.Nil(t, w)
	assert.Nil(t, c)

	w, c = openAccessLogSink("stderr")
	assert.Equal(t, os.Stderr, w)
	assert.Nil(t, c)

	path := filepath.Join(t.TempDir(), "logs", "access.log")
	w, c = openAccessLogSink("file://" + path)
	require.NotNil(t, c)
	_, err := w.Write([]byte("{}\n"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}
