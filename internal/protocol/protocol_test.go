package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(n uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

func TestFrame_RoundTrip(t *testing.T) {
	payloads := []string{
		`{"type":"PING"}`,
		`{"type":"TIME_UPDATE","platform":"youtube","browser":"chrome","seconds":12.5}`,
		`{"text":"héllo wörld ✓"}`,
		`[1,2,3]`,
	}

	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, []byte(p)))
			assert.Equal(t, HeaderSize+len(p), buf.Len())

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, p, string(got))
			assert.Zero(t, buf.Len(), "frame should be consumed exactly")
		})
	}
}

func TestFrame_HeaderIsLittleEndian(t *testing.T) {
	buf, err := EncodeFrame([]byte(`{"type":"PING"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte{15, 0, 0, 0}, buf[:HeaderSize])
}

func TestReadFrame_RejectsBadLengthWithoutConsumingBody(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{"zero length", 0},
		{"one over ceiling", MaxPayloadSize + 1},
		{"max uint32", ^uint32(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := []byte(`{"type":"PING"}`)
			stream := append(header(tt.length), header(uint32(len(next)))...)
			stream = append(stream, next...)
			r := bytes.NewReader(stream)

			_, err := ReadFrame(r)
			require.ErrorIs(t, err, ErrFrameLength)
			assert.True(t, IsRecoverable(err))
			assert.Equal(t, len(stream)-HeaderSize, r.Len(), "only the header should be consumed")

			got, err := ReadFrame(r)
			require.NoError(t, err)
			assert.Equal(t, string(next), string(got))
		})
	}
}

func TestReadFrame_AcceptsCeiling(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), MaxPayloadSize-2)
	payload = append([]byte{'"'}, payload...)
	payload = append(payload, '"')
	require.Len(t, payload, MaxPayloadSize)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, MaxPayloadSize)
}

func TestReadFrame_MalformedJSONIsDroppedAndStreamContinues(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header(5))
	buf.WriteString("{nope")
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"GET_STATUS"}`)))

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformedJSON)
	assert.True(t, IsRecoverable(err))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"GET_STATUS"}`, string(got))
}

func TestReadFrame_InvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(header(4))
	buf.Write([]byte{'"', 0xff, 0xfe, '"'})

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrMalformedJSON)
}

func TestReadFrame_EOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{1, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	truncated := append(header(10), []byte(`{"a"`)...)
	_, err = ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsRecoverable(err))
}

func TestWriteFrame_RejectsBadLength(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, nil), ErrFrameLength)
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxPayloadSize+1)), ErrFrameLength)
	assert.Zero(t, buf.Len())
}

func TestDecode_KnownTypes(t *testing.T) {
	playing := true
	tests := []struct {
		name    string
		payload string
		want    Message
	}{
		{"ping", `{"type":"PING"}`, Ping{}},
		{"get status", `{"type":"GET_STATUS"}`, GetStatus{}},
		{"pong", `{"type":"PONG","timestamp":1700000000000}`, Pong{Timestamp: 1700000000000}},
		{
			"time update",
			`{"type":"TIME_UPDATE","platform":"youtube","browser":"chrome","seconds":30,"isVideoPlaying":true,"url":"https://youtube.com/watch"}`,
			TimeUpdate{Platform: "youtube", Browser: "chrome", Seconds: 30, IsVideoPlaying: &playing, URL: "https://youtube.com/watch"},
		},
		{
			"session start",
			`{"type":"SESSION_START","platform":"reddit","browser":"firefox","intent":"research"}`,
			SessionStart{Platform: "reddit", Browser: "firefox", Intent: "research"},
		},
		{"session end", `{"type":"SESSION_END","platform":"reddit","browser":"firefox"}`, SessionEnd{Platform: "reddit", Browser: "firefox"}},
		{
			"budget exceeded",
			`{"type":"BUDGET_EXCEEDED","platform":"youtube","minutesUsed":31.5,"budgetMinutes":30}`,
			BudgetExceeded{Platform: "youtube", MinutesUsed: 31.5, BudgetMinutes: 30},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_UnknownTypeIsNotAnError(t *testing.T) {
	got, err := Decode([]byte(`{"type":"FOCUS_SCORE","value":3}`))
	require.NoError(t, err)

	unknown, ok := got.(Unknown)
	require.True(t, ok)
	assert.Equal(t, MessageType("FOCUS_SCORE"), unknown.MessageType())
}

func TestDecode_WrongFieldTypes(t *testing.T) {
	_, err := Decode([]byte(`{"type":"TIME_UPDATE","seconds":"lots"}`))
	assert.True(t, errors.Is(err, ErrMalformedJSON))
}

func TestMarshal_TypeFieldFirst(t *testing.T) {
	out, err := Marshal(Pong{Timestamp: 42})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"PONG","timestamp":42}`, string(out))

	out, err = Marshal(Ping{})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"PING"}`, string(out))
}

func TestMessage_RoundTrip(t *testing.T) {
	msgs := []Message{
		Ping{},
		Pong{Timestamp: 99},
		TimeUpdate{Platform: "x", Browser: "edge", Seconds: 1.25},
		SessionStart{Platform: "x", Browser: "edge"},
		SessionEnd{Platform: "x", Browser: "edge"},
		GetStatus{},
		Status{Timestamp: 5, Budgets: []BudgetStatus{{Platform: "x", MinutesUsed: 2, BudgetMinutes: 10}}, ActiveSessions: 1},
		BudgetExceeded{Platform: "x", MinutesUsed: 11, BudgetMinutes: 10},
	}

	for _, m := range msgs {
		t.Run(string(m.MessageType()), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, m))

			payload, err := ReadFrame(&buf)
			require.NoError(t, err)

			var env map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(payload, &env))
			assert.JSONEq(t, `"`+string(m.MessageType())+`"`, string(env["type"]))

			got, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}
