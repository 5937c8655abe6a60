package pm2

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessage_Layout(t *testing.T) {
	frame, err := EncodeMessage("hi", []byte{0x01})
	require.NoError(t, err)

	expected := []byte{
		0x12,
		0, 0, 0, 4, 's', ':', 'h', 'i',
		0, 0, 0, 1, 0x01,
	}
	assert.Equal(t, expected, frame)
}

func TestDecoder_ReadsConsecutiveFrames(t *testing.T) {
	first, err := EncodeMessage(TopicProcessEvent, map[string]interface{}{"event": "online"})
	require.NoError(t, err)
	second, err := EncodeMessage("tail")
	require.NoError(t, err)

	decoder := NewDecoder(bytes.NewReader(append(first, second...)))

	msg, err := decoder.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, 2, msg.Len())
	topic, ok := msg.String(0)
	assert.True(t, ok)
	assert.Equal(t, TopicProcessEvent, topic)
	var payload struct {
		Event string `json:"event"`
	}
	require.NoError(t, msg.JSON(1, &payload))
	assert.Equal(t, "online", payload.Event)

	msg, err = decoder.ReadMessage()
	require.NoError(t, err)
	tail, ok := msg.String(0)
	assert.True(t, ok)
	assert.Equal(t, "tail", tail)

	_, err = decoder.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_Errors(t *testing.T) {
	t.Run("bad version", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader([]byte{0x21})).ReadMessage()
		assert.Error(t, err)
	})

	t.Run("truncated argument", func(t *testing.T) {
		_, err := NewDecoder(bytes.NewReader([]byte{0x11, 0, 0, 0, 5, 's', ':'})).ReadMessage()
		assert.Equal(t, io.ErrUnexpectedEOF, err)
	})
}

func TestMessage_TypedAccessors(t *testing.T) {
	msg := Message{[]byte("raw"), []byte("s:x")}

	_, ok := msg.String(0)
	assert.False(t, ok)
	_, ok = msg.String(5)
	assert.False(t, ok)
	_, ok = msg.String(-1)
	assert.False(t, ok)

	var v interface{}
	assert.Error(t, msg.JSON(1, &v))
	assert.Error(t, msg.JSON(2, &v))
}

func TestEncodeMessage_TooManyArgs(t *testing.T) {
	args := make([]interface{}, 16)
	for i := range args {
		args[i] = "a"
	}
	_, err := EncodeMessage(args...)
	assert.Error(t, err)
}
