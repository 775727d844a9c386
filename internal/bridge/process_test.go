package bridge

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine_SkipsOversizedAndContinues(t *testing.T) {
	input := "short\r\n" + strings.Repeat("x", 100) + "\n" + "after\n" + "tail"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, oversized, err := readLine(r, 32)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.Equal(t, "short", string(line))

	line, oversized, err = readLine(r, 32)
	require.NoError(t, err)
	assert.True(t, oversized)
	assert.Empty(t, line)

	line, oversized, err = readLine(r, 32)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.Equal(t, "after", string(line))

	line, oversized, err = readLine(r, 32)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, oversized)
	assert.Equal(t, "tail", string(line))
}

func TestReadLine_LongLineWithinLimit(t *testing.T) {
	long := strings.Repeat("y", 100)
	r := bufio.NewReaderSize(strings.NewReader(long+"\n"), 16)

	line, oversized, err := readLine(r, 100)
	require.NoError(t, err)
	assert.False(t, oversized)
	assert.Equal(t, long, string(line))
}
