package protocol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
)

const (
	// HeaderLen is the width of the ASCII length header of every frame.
	HeaderLen = 32

	// MaxBodyLen is the largest compressed body accepted from the wire.
	MaxBodyLen = 64 << 20

	// MaxDecodedLen is the largest body accepted once decompressed.
	MaxDecodedLen = 4 * MaxBodyLen
)

// UndefinedMessage is returned when a frame names a message kind that the
// protocol doesn't define.
type UndefinedMessage struct {
	Name string
}

func (err UndefinedMessage) Error() string {
	return fmt.Sprintf("undefined message %q", err.Name)
}

// Unpacking is returned when a frame can't be decoded.
type Unpacking struct {
	Cause error
}

func (err Unpacking) Error() string {
	return fmt.Sprintf("unpack message: %s", err.Cause)
}

func (err Unpacking) Unwrap() error {
	return err.Cause
}

type wireMessage struct {
	Name   string                         `json:"name"`
	Params map[string]jsoniter.RawMessage `json:"params"`
}

// Encode returns the framed wire form of `msg`.
func Encode(msg Message) ([]byte, error) {
	params := msg.Params
	if params == nil {
		params = map[string]jsoniter.RawMessage{}
	}

	body, err := json.Marshal(wireMessage{Name: msg.Kind.String(), Params: params})
	if err != nil {
		return nil, err
	}
	compressed := snappy.Encode(nil, body)

	header := fmt.Sprintf("%-*d", HeaderLen, len(compressed))
	if len(header) != HeaderLen {
		return nil, fmt.Errorf("body of %d bytes doesn't fit the header", len(compressed))
	}
	return append([]byte(header), compressed...), nil
}

// WriteMessage writes one frame containing `msg` to `w`.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame from `r`. It returns io.EOF if the stream ends
// cleanly before the frame starts.
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, Unpacking{err}
		}
		return Message{}, err
	}

	length, err := strconv.Atoi(string(bytes.TrimSpace(header)))
	if err != nil {
		return Message{}, Unpacking{fmt.Errorf("bad length header %q", header)}
	}
	if length < 0 || length > MaxBodyLen {
		return Message{}, Unpacking{fmt.Errorf("body length %d out of range", length)}
	}

	compressed := make([]byte, length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return Message{}, Unpacking{err}
	}
	return Decode(compressed)
}

// Decode parses a compressed message body.
func Decode(compressed []byte) (Message, error) {
	// The decoded length is read from the body itself, and Decode allocates
	// it up front.
	decodedLen, err := snappy.DecodedLen(compressed)
	if err != nil {
		return Message{}, Unpacking{err}
	}
	if decodedLen > MaxDecodedLen {
		return Message{}, Unpacking{fmt.Errorf("decoded length %d out of range", decodedLen)}
	}

	body, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Message{}, Unpacking{err}
	}

	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return Message{}, Unpacking{err}
	}

	kind, err := ParseMessageKind(wire.Name)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Kind: kind, Params: wire.Params}
	if msg.Params == nil {
		msg.Params = map[string]jsoniter.RawMessage{}
	}
	if err := msg.validate(); err != nil {
		return Message{}, Unpacking{err}
	}
	return msg, nil
}
