package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondSimple(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, respondSimple(w, CodeOK, "hello 12345"))
	assert.Equal(t, "200 hello 12345\r\n", buf.String())
}

func TestRespondMultilineFraming(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, respondMultiline(w, CodeAttrsFollow, "attrs follow", []string{"id: 1", "state: open"}))
	assert.Equal(t, "303 attrs follow\r\nid: 1\r\nstate: open\r\n.\r\n", buf.String())
}

func TestRespondMultilineEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, respondMultiline(w, CodeCaseIDsFollow, "case ids follow", nil))
	assert.Equal(t, "304 case ids follow\r\n.\r\n", buf.String())
}

func TestSplitCommandUppercasesVerbOnly(t *testing.T) {
	verb, rest := splitCommand("getattrs 42")
	assert.Equal(t, "GETATTRS", verb)
	assert.Equal(t, "42", rest)

	verb, rest = splitCommand("pm add 100 200 portstate regexp sw1 Some Free Text")
	assert.Equal(t, "PM", verb)
	assert.Equal(t, "add 100 200 portstate regexp sw1 Some Free Text", rest)
}

func TestSplitCommandEmptyLine(t *testing.T) {
	verb, rest := splitCommand("   \r\n")
	assert.Equal(t, "", verb)
	assert.Equal(t, "", rest)
}

func TestFieldsSplitsOnWhitespace(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, fields("a  b\tc"))
	assert.Empty(t, fields(""))
}
