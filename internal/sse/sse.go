// Package sse writes and reads server-sent event streams.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNoFlusher is returned when the response writer cannot stream.
var ErrNoFlusher = errors.New("sse response writer does not support flushing")

// ErrFrameTooLarge is returned by Reader.Next for a line or frame over the size limit.
var ErrFrameTooLarge = errors.New("sse frame exceeds size limit")

// DefaultMaxFrameBytes bounds one line and the data of one frame.
const DefaultMaxFrameBytes = 8 << 20

// Writer emits SSE frames and flushes after each one
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// Start sets the streaming headers and returns a writer for w
func Start(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-store")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteRetry advertises the client reconnection delay
func (writer *Writer) WriteRetry(retry time.Duration) error {
	if retry <= 0 {
		return nil
	}
	if _, err := io.WriteString(writer.w, "retry: "+strconv.FormatInt(retry.Milliseconds(), 10)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

// WriteComment writes a comment line, used as a heartbeat
func (writer *Writer) WriteComment(comment string) error {
	if _, err := io.WriteString(writer.w, ": "+strings.TrimSpace(comment)+"\n\n"); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

// WriteEvent writes payload as JSON, optionally under a named event
func (writer *Writer) WriteEvent(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writer.WriteRaw(eventName, data)
}

// WriteRaw writes data verbatim as one frame
func (writer *Writer) WriteRaw(eventName string, data []byte) error {
	if eventName != "" {
		if _, err := io.WriteString(writer.w, "event: "+eventName+"\n"); err != nil {
			return err
		}
	}
	if err := writeData(writer.w, data); err != nil {
		return err
	}
	writer.flusher.Flush()
	return nil
}

func writeData(w io.Writer, data []byte) error {
	if len(data) == 0 {
		_, err := io.WriteString(w, "data:\n\n")
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := io.WriteString(w, "data: "); err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Frame is one dispatched event
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Reader parses frames from an event stream
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader wraps r with the default size limit
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrameBytes)
}

// NewReaderSize wraps r, rejecting any line or frame longer than max bytes
func NewReaderSize(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrameBytes
	}
	return &Reader{r: bufio.NewReader(r), max: max}
}

// readLine reads through the next newline, never holding more than max bytes.
func (reader *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.r.ReadSlice('\n')
		if len(line)+len(chunk) > reader.max {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// Next returns the next frame carrying data. Comments, retry hints and empty
// frames are skipped. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream ends inside a frame.
func (reader *Reader) Next() (Frame, error) {
	var frame Frame
	var data [][]byte
	size := 0
	pending := false

	for {
		line, err := reader.readLine()
		if err == ErrFrameTooLarge {
			return Frame{}, err
		}
		if err != nil && len(line) == 0 {
			if err == io.EOF && pending {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(data) > 0 {
				frame.Data = bytes.Join(data, []byte("\n"))
				return frame, nil
			}
			frame = Frame{}
			size = 0
			pending = false
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if i := bytes.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], line[i+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		pending = true
		switch string(field) {
		case "data":
			if size += len(value) + 1; size > reader.max {
				return Frame{}, ErrFrameTooLarge
			}
			data = append(data, value)
		case "event":
			frame.Event = string(value)
		case "id":
			frame.ID = string(value)
		}

		if err != nil {
			// last line had no newline
			if err == io.EOF {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}
