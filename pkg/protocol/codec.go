package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrLineTooLong marks a control line over MaxLineBytes.
var ErrLineTooLong = errors.New("control line too long")

// rawPreview is how much of a skipped line MalformedMessageError keeps.
const rawPreview = 120

// EncodeLine validates msg and returns it as one newline-terminated JSON
// line no longer than MaxLineBytes.
func EncodeLine(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if len(data) > MaxLineBytes {
		return nil, fmt.Errorf("send %s (%d bytes): %w", msg.Type, len(data), ErrLineTooLong)
	}
	return append(data, '\n'), nil
}

// Encoder writes messages as line-delimited JSON. It is safe for concurrent
// use; each message is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send encodes msg with EncodeLine and writes it.
func (e *Encoder) Send(msg Message) error {
	data, err := EncodeLine(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Decoder reads line-delimited JSON messages.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next message. Blank lines are skipped. A line that does
// not decode into a valid message, or is longer than MaxLineBytes, yields a
// *MalformedMessageError and the decoder remains usable. At end of input
// Next returns io.EOF.
func (d *Decoder) Next() (Message, error) {
	for {
		raw, err := d.readLine()
		if err != nil {
			return Message{}, err
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, &MalformedMessageError{Raw: string(line), Reason: err}
		}
		if err := msg.Validate(); err != nil {
			return Message{}, &MalformedMessageError{Raw: string(line), Reason: err}
		}
		return msg, nil
	}
}

// readLine returns the next line, newline included.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		n := len(line) + len(chunk)
		if err == nil {
			n--
		}
		if n > MaxLineBytes {
			if len(line) < rawPreview {
				line = append(line, chunk[:min(len(chunk), rawPreview-len(line))]...)
			}
			return nil, d.skip(line[:min(len(line), rawPreview)], n, err)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				return line, nil
			}
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("read control line: %w", err)
		}
	}
}

// skip discards the rest of an over-long line.
func (d *Decoder) skip(head []byte, n int, err error) error {
	for errors.Is(err, bufio.ErrBufferFull) {
		var chunk []byte
		chunk, err = d.r.ReadSlice('\n')
		n += len(chunk)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read control line: %w", err)
	}
	return &MalformedMessageError{
		Raw:    string(head),
		Reason: fmt.Errorf("%w (%d bytes)", ErrLineTooLong, n),
	}
}
