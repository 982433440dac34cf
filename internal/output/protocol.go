package output

import (
	"io"
	"strconv"
)

// Boundary is the multipart boundary token used on every stream
const Boundary = "boundary"

// StreamHeader is written verbatim, once, when a client connects.
const StreamHeader = "HTTP/1.1 200 OK\r\n" +
	"Connection: close\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Pragma: no-cache\r\n" +
	"Content-Type: multipart/x-mixed-replace; boundary=" + Boundary + "\r\n" +
	"\r\n"

var (
	streamHeader = []byte(StreamHeader)
	partTrailer  = []byte("\r\n")
)

// partHeader returns the boundary line and part headers for a payload of n bytes.
func partHeader(n int) []byte {
	b := make([]byte, 0, 80)
	b = append(b, "--"+Boundary+"\r\n"...)
	b = append(b, "Content-Type: image/jpeg\r\n"...)
	b = append(b, "Content-Length: "...)
	b = strconv.AppendInt(b, int64(n), 10)
	b = append(b, "\r\n\r\n"...)
	return b
}

// writeHandshake writes the fixed response header.
func writeHandshake(w io.Writer) error {
	_, err := w.Write(streamHeader)
	return err
}

// writePart writes one frame as three writes: part header, JPEG payload,
// trailing CRLF.
func writePart(w io.Writer, data []byte) error {
	if _, err := w.Write(partHeader(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.Write(partTrailer); err != nil {
		return err
	}
	return nil
}
