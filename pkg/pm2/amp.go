package pm2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"

	"github.com/goccy/go-json"
)

// Axon frames every message as one header byte (version << 4 | argc)
// followed by argc length-prefixed arguments.
const (
	ampVersion    = 1
	ampMaxArgs    = 15
	ampMaxArgSize = 32 << 20

	prefixString = "s:"
	prefixJSON   = "j:"
)

// Message is a decoded frame; each element still carries its type prefix
type Message [][]byte

// Len returns the number of arguments
func (m Message) Len() int {
	return len(m)
}

// String returns argument i when it was sent as a string
func (m Message) String(i int) (string, bool) {
	if i < 0 || i >= len(m) {
		return "", false
	}
	arg := m[i]
	if len(arg) < 2 || string(arg[:2]) != prefixString {
		return "", false
	}
	return string(arg[2:]), true
}

// JSON decodes argument i into v; the argument must carry the JSON prefix
func (m Message) JSON(i int, v interface{}) error {
	if i < 0 || i >= len(m) {
		return errors.NewValidationError("message argument missing", nil).WithContext("index", i)
	}
	arg := m[i]
	if len(arg) < 2 || string(arg[:2]) != prefixJSON {
		return errors.NewValidationError("message argument is not JSON", nil).WithContext("index", i)
	}
	if err := json.Unmarshal(arg[2:], v); err != nil {
		return errors.NewValidationError("invalid JSON argument", err).WithContext("index", i)
	}
	return nil
}

// EncodeMessage frames args: strings get the string prefix, byte slices are
// sent raw and everything else is JSON-encoded.
func EncodeMessage(args ...interface{}) ([]byte, error) {
	if len(args) > ampMaxArgs {
		return nil, errors.NewValidationError("too many message arguments", nil).WithContext("count", len(args))
	}

	encoded := make([][]byte, 0, len(args))
	size := 1
	for _, arg := range args {
		var data []byte
		switch v := arg.(type) {
		case string:
			data = append([]byte(prefixString), v...)
		case []byte:
			data = v
		default:
			body, err := json.Marshal(v)
			if err != nil {
				return nil, errors.NewInternalError("failed to encode message argument", err)
			}
			data = append([]byte(prefixJSON), body...)
		}
		encoded = append(encoded, data)
		size += 4 + len(data)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(ampVersion<<4|len(encoded)))
	for _, data := range encoded {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}
	return buf, nil
}

// Decoder reads framed messages from a stream
type Decoder struct {
	reader *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: bufio.NewReader(r)}
}

// ReadMessage blocks until a whole frame is available
func (d *Decoder) ReadMessage() (Message, error) {
	header, err := d.reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version := header >> 4; version != ampVersion {
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported frame version %d", version), nil)
	}

	argc := int(header & 0x0f)
	msg := make(Message, 0, argc)
	var length [4]byte
	for i := 0; i < argc; i++ {
		if _, err := io.ReadFull(d.reader, length[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		n := binary.BigEndian.Uint32(length[:])
		if n > ampMaxArgSize {
			return nil, errors.NewValidationError("frame argument too large", nil).WithContext("size", n)
		}
		arg := make([]byte, n)
		if _, err := io.ReadFull(d.reader, arg); err != nil {
			return nil, unexpectedEOF(err)
		}
		msg = append(msg, arg)
	}
	return msg, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
