package output

import (
	"bytes"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamHeader_Verbatim(t *testing.T) {
	want := "HTTP/1.1 200 OK\r\n" +
		"Connection: close\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Pragma: no-cache\r\n" +
		"Content-Type: multipart/x-mixed-replace; boundary=boundary\r\n" +
		"\r\n"
	assert.Equal(t, want, StreamHeader)

	var buf bytes.Buffer
	require.NoError(t, writeHandshake(&buf))
	assert.Equal(t, want, buf.String())
}

func TestWritePart_Exact(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0x00, '\r', '\n', 0x42, 0xFF, 0xD9}

	var buf bytes.Buffer
	require.NoError(t, writePart(&buf, payload))

	want := "--boundary\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: 8\r\n" +
		"\r\n" +
		string(payload) +
		"\r\n"
	assert.Equal(t, want, buf.String())
}

func TestWritePart_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePart(&buf, nil))
	assert.Equal(t, "--boundary\r\nContent-Type: image/jpeg\r\nContent-Length: 0\r\n\r\n\r\n", buf.String())
}

func TestPartHeader_ContentLength(t *testing.T) {
	for _, n := range []int{0, 1, 9, 10, 4096, 1 << 20} {
		assert.Contains(t, string(partHeader(n)), "Content-Length: "+strconv.Itoa(n)+"\r\n\r\n")
	}
}

type failingWriter struct {
	after int
	calls int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	if w.calls > w.after {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestWritePart_StopsOnFirstError(t *testing.T) {
	for after := 0; after < 3; after++ {
		w := &failingWriter{after: after}
		err := writePart(w, []byte("jpeg"))
		require.Error(t, err)
		assert.Equal(t, after+1, w.calls, "no writes after the failing one")
	}
}
