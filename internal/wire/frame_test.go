package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadTypedFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		tag     byte
		payload []byte
	}{
		{"protocol-empty", TagProtocol, []byte{}},
		{"protocol-short", TagProtocol, []byte("hello")},
		{"raw-binary", TagRaw, []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteTypedFrame(&buf, tc.tag, tc.payload))

			gotTag, gotPayload, err := ReadTypedFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, tc.tag, gotTag)
			assert.Equal(t, tc.payload, gotPayload)
		})
	}
}

func TestWriteTypedFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxPayloadLength+1)
	err := WriteTypedFrame(&buf, TagProtocol, payload)
	require.Error(t, err)
	assert.Equal(t, 0, buf.Len(), "writer must not emit partial data on rejection")
}

func TestReadTypedFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header claiming a length above the cap; the reader
	// must reject before attempting to allocate or read the body.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, _, err := ReadTypedFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")
}

func TestReadTypedFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x00})
	_, _, err := ReadTypedFrame(&buf)
	require.Error(t, err)
}

func TestReadTypedFrameRejectsTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTypedFrame(&buf, TagProtocol, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := ReadTypedFrame(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read frame payload"))
}
