package trill

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamWriterPrefixesEachLine(t *testing.T) {
	var out bytes.Buffer
	sw := NewStreamWriter(&out, "[pfx] ")

	n, err := sw.Write([]byte("first\nsecond\n"))
	assert.NoError(t, err)
	assert.Equal(t, len("first\nsecond\n"), n)
	assert.Equal(t, "[pfx] first\n[pfx] second\n", out.String())
}

func TestStreamWriterHandlesSplitWrites(t *testing.T) {
	var out bytes.Buffer
	sw := NewStreamWriter(&out, "> ")

	_, _ = sw.Write([]byte("par"))
	_, _ = sw.Write([]byte("tial\nnext"))
	assert.Equal(t, "> partial\n> next", out.String())
}

func TestExecErrorMessage(t *testing.T) {
	err := &ExecError{Cmd: "ls /nope", ExitCode: 2}
	assert.Contains(t, err.Error(), "ls /nope")
	assert.Contains(t, err.Error(), "2")
}
