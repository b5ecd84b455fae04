package stream

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = `{"type":"system","subtype":"init","session_id":"s-1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"a.go"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}
{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}
{"type":"result","subtype":"success","is_error":false,"result":"Hello","session_id":"s-1","total_cost_usd":0.01,"duration_ms":1200,"num_turns":2}
`

func decodeAll(d *Decoder, chunks [][]byte) []Envelope {
	var out []Envelope
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return append(out, d.Flush()...)
}

func splitEvery(data string, n int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, []byte(data[:n]))
		data = data[n:]
	}
	return chunks
}

func TestDecoder_WholeStream(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	envs := decodeAll(d, [][]byte{[]byte(sampleStream)})

	require.Len(t, envs, 6)
	assert.Equal(t, TypeSystem, envs[0].Type)
	assert.Equal(t, TypeAssistant, envs[1].Type)
	assert.Equal(t, TypeResult, envs[5].Type)
	assert.Equal(t, "Hello", envs[5].Result)
	assert.Equal(t, "s-1", envs[5].SessionID)
	assert.Equal(t, 0, d.Dropped())
}

func TestDecoder_ChunkingDoesNotMatter(t *testing.T) {
	want := decodeAll(NewDecoder(zerolog.Nop()), [][]byte{[]byte(sampleStream)})

	for _, size := range []int{1, 2, 3, 7, 64, 1000} {
		got := decodeAll(NewDecoder(zerolog.Nop()), splitEvery(sampleStream, size))
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestDecoder_LineSplitAcrossChunks(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	assert.Empty(t, d.Feed([]byte(`{"type":"res`)))
	assert.Equal(t, 12, d.Pending())

	envs := d.Feed([]byte("ult\",\"result\":\"x\"}\n"))
	require.Len(t, envs, 1)
	assert.Equal(t, TypeResult, envs[0].Type)
	assert.Equal(t, 0, d.Pending())
}

func TestDecoder_MalformedLineIsDropped(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	input := "{\"type\":\"system\"}\nnot json at all\n{\"type\":\"result\",\"result\":\"done\"}\n"

	envs := decodeAll(d, [][]byte{[]byte(input)})

	require.Len(t, envs, 2)
	assert.Equal(t, TypeSystem, envs[0].Type)
	assert.Equal(t, "done", envs[1].Result)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoder_FlushWithoutTrailingNewline(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	assert.Empty(t, d.Feed([]byte(`{"type":"result","result":"tail"}`)))
	envs := d.Flush()

	require.Len(t, envs, 1)
	assert.Equal(t, "tail", envs[0].Result)
	assert.Empty(t, d.Flush())
}

func TestDecoder_BlankAndCRLFLines(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	envs := decodeAll(d, [][]byte{[]byte("\n\r\n{\"type\":\"system\"}\r\n   \n")})

	require.Len(t, envs, 1)
	assert.Equal(t, TypeSystem, envs[0].Type)
	assert.Equal(t, 0, d.Dropped())
}

func TestDecoder_OversizedLineAcrossChunks(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.SetMaxLineBytes(40)

	long := `{"type":"assistant","text":"` + strings.Repeat("x", 100) + `"}`
	chunks := append(splitEvery(long, 10), []byte("\n{\"type\":\"result\",\"result\":\"after\"}\n"))

	envs := decodeAll(d, chunks)

	require.Len(t, envs, 1)
	assert.Equal(t, "after", envs[0].Result)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoder_OversizedLineInOneChunk(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.SetMaxLineBytes(20)

	envs := decodeAll(d, [][]byte{[]byte(`{"type":"assistant","padding":"0123456789"}` + "\n{\"type\":\"system\"}\n")})

	require.Len(t, envs, 1)
	assert.Equal(t, TypeSystem, envs[0].Type)
	assert.Equal(t, 1, d.Dropped())
}

func TestContent_StringForm(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	envs := decodeAll(d, [][]byte{[]byte(`{"type":"user","message":{"role":"user","content":"plain text"}}` + "\n")})

	require.Len(t, envs, 1)
	blocks := envs[0].Blocks()
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "plain text", blocks[0].Text)
}

func TestEnvelope_UnwrapStreamEvent(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	line := `{"type":"stream_event","session_id":"s-9","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}` + "\n"

	envs := decodeAll(d, [][]byte{[]byte(line)})
	require.Len(t, envs, 1)

	inner, ok := envs[0].Unwrap()
	require.True(t, ok)
	assert.Equal(t, TypeContentBlockDelta, inner.Type)
	assert.Equal(t, "hi", inner.Delta.Text)
	assert.Equal(t, "s-9", inner.SessionID)
}
