package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// DefaultMaxFrameSize bounds a single part read by FrameReader
const DefaultMaxFrameSize = 32 << 20

// ErrNotMultipart is returned when an upstream response is not a multipart stream
var ErrNotMultipart = errors.New("response is not a multipart stream")

// FrameReader reads JPEG parts from an MJPEG byte stream, the client side of
// the protocol MJPEGServer writes.
type FrameReader struct {
	closer       io.Closer
	br           *bufio.Reader
	tp           *textproto.Reader
	delimiter    string
	MaxFrameSize int
}

// NewFrameReader reads parts separated by boundary from r. The HTTP
// response header, if any, must already have been consumed.
func NewFrameReader(r io.Reader, boundary string) *FrameReader {
	br := bufio.NewReaderSize(r, 64<<10)
	delim := boundary
	if !strings.HasPrefix(delim, "--") {
		delim = "--" + delim
	}
	fr := &FrameReader{
		br:           br,
		tp:           textproto.NewReader(br),
		delimiter:    delim,
		MaxFrameSize: DefaultMaxFrameSize,
	}
	if c, ok := r.(io.Closer); ok {
		fr.closer = c
	}
	return fr
}

// OpenStream issues a GET for url and returns a reader over its parts.
func OpenStream(ctx context.Context, client *http.Client, url string) (*FrameReader, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status from %s: %s", url, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", url, ErrNotMultipart)
	}

	return NewFrameReader(resp.Body, params["boundary"]), nil
}

// Next returns the payload of the next part. It returns io.EOF when the
// stream ends cleanly.
func (r *FrameReader) Next() ([]byte, error) {
	for {
		line, err := r.tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == r.delimiter {
			break
		}
		if line == r.delimiter+"--" {
			return nil, io.EOF
		}
		// CRLF after the previous payload, or preamble
	}

	hdr, err := r.tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to read part header: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(hdr.Get("Content-Length")))
	if err != nil {
		return nil, fmt.Errorf("invalid Content-Length %q: %w", hdr.Get("Content-Length"), err)
	}
	if n < 0 || n > r.MaxFrameSize {
		return nil, fmt.Errorf("part size %d outside [0, %d]", n, r.MaxFrameSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d byte part: %w", n, err)
	}
	return buf, nil
}

// Close releases the underlying stream
func (r *FrameReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
