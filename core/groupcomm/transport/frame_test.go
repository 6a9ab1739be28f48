package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("a longer payload with\x00binary\xffbytes"),
	}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		require.Equal(t, len(want), len(got))
		require.Equal(t, append([]byte(nil), want...), append([]byte(nil), got...))
	}

	// A clean stream end is io.EOF, distinguishable from truncation.
	_, err := ReadFrame(&buf, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_TruncatedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))

	short := bytes.NewReader(buf.Bytes()[:2])
	_, err := ReadFrame(short, 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))

	short := bytes.NewReader(buf.Bytes()[: buf.Len()-3])
	_, err := ReadFrame(short, 0)
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestFrame_OversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 64)))

	_, err := ReadFrame(&buf, 16)
	require.Error(t, err)
}
