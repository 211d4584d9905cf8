package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	rerrors "github.com/kartikbazzad/reql/pkg/errors"
)

const (
	LengthSize = 4
	TokenSize  = 8
	HeaderSize = LengthSize + TokenSize

	DefaultMaxFrameSize = 64 * 1024 * 1024
)

// EncodeFrame builds [length][token][payload] in a single buffer so a frame
// is always handed to the transport in one piece.
func EncodeFrame(token uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(TokenSize+len(payload)))
	binary.LittleEndian.PutUint64(buf[LengthSize:], token)
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes a complete frame, looping over short writes until every
// byte is flushed or the writer reports an error.
func WriteFrame(w io.Writer, token uint64, payload []byte, maxSize uint32) error {
	if maxSize > 0 && uint64(TokenSize+len(payload)) > uint64(maxSize) {
		return rerrors.ErrFrameTooLarge
	}
	return WriteFull(w, EncodeFrame(token, payload))
}

// WriteFull writes all of buf. Any error, or a write that makes no
// progress, is terminal.
func WriteFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

// ReadFrame reads one frame and returns its token and payload.
func ReadFrame(r io.Reader, maxSize uint32) (uint64, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:])
	if length < TokenSize {
		return 0, nil, fmt.Errorf("%w: length %d shorter than token", rerrors.ErrInvalidFrame, length)
	}
	if maxSize > 0 && length > maxSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", rerrors.ErrFrameTooLarge, length)
	}

	token := binary.LittleEndian.Uint64(header[LengthSize:])
	payload := make([]byte, length-TokenSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return token, payload, nil
}
