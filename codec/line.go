package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"tiny-ipc/ipcerr"
	"tiny-ipc/message"
)

// Encode renders m as one NDJSON line, trailing '\n' included.
func Encode(m *message.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, ipcerr.Protocolf(err, "encode message %q", m.ID)
	}
	return append(data, '\n'), nil
}

// Decode parses one line into a message. The trailing line terminator is optional.
//
// Any failure is a Protocol error: the line is not a JSON object, a field has the wrong
// type, the id is missing, or the line carries both a result and an error. An error
// payload without a code is accepted; the receiver decides what code it stands for.
func Decode(line []byte) (*message.Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ipcerr.Protocolf(nil, "not a message: %s", preview(line))
	}

	var m message.Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, ipcerr.Protocolf(err, "malformed message: %s", preview(line))
	}
	if m.ID == "" {
		return nil, ipcerr.Protocolf(nil, "message without id: %s", preview(line))
	}
	if m.Result != nil && m.Error != nil {
		return nil, ipcerr.Protocolf(nil, "message %q carries both result and error", m.ID)
	}
	if bytes.Equal(m.Params, null) {
		m.Params = nil
	}
	if bytes.Equal(m.Result, null) {
		m.Result = nil
	}
	return &m, nil
}

const previewLen = 120

func preview(line []byte) string {
	if len(line) > previewLen {
		return string(line[:previewLen]) + "..."
	}
	return string(line)
}

// LineReader reads one line at a time. Lines have no length limit, and a final line
// without a terminator is still returned before io.EOF.
type LineReader struct {
	r *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its terminator.
// It returns io.EOF once the stream is exhausted.
func (r *LineReader) ReadLine() ([]byte, error) {
	line, err := r.r.ReadBytes('\n')
	if len(line) > 0 {
		return bytes.TrimRight(line, "\r\n"), nil
	}
	if err == nil {
		return line, nil
	}
	return nil, err
}

// LineWriter writes encoded messages. Each write is a whole line followed by a flush,
// and concurrent writers never interleave.
type LineWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: bufio.NewWriter(w)}
}

// WriteMessage encodes m and writes it as one line.
func (w *LineWriter) WriteMessage(m *message.Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	return w.WriteLine(line)
}

// WriteLine writes an already encoded line. A missing terminator is appended.
func (w *LineWriter) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// IsDecodeError reports whether err came from Decode rather than from the stream.
func IsDecodeError(err error) bool {
	var e *ipcerr.Error
	return errors.As(err, &e) && e.Code == ipcerr.Protocol
}
