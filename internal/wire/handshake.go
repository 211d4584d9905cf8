package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HandshakeSuccess is the reply a server sends for a matching magic.
	HandshakeSuccess = "SUCCESS"

	// MaxHandshakeReply bounds the NUL-terminated reply.
	MaxHandshakeReply = 1024
)

// WriteHandshake sends the client half of the handshake.
func WriteHandshake(w io.Writer, def *Definition) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], def.Magic)
	return WriteFull(w, buf[:])
}

// ReadHandshake reads the client magic on the server side.
func ReadHandshake(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteHandshakeReply sends msg terminated by a NUL byte.
func WriteHandshakeReply(w io.Writer, msg string) error {
	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, 0)
	return WriteFull(w, buf)
}

// ReadHandshakeReply reads the server reply up to its NUL terminator. It
// fails as soon as more than MaxHandshakeReply bytes arrive without one.
// Bytes following the terminator stay buffered in r.
func ReadHandshakeReply(r *bufio.Reader) (string, error) {
	reply := make([]byte, 0, 64)
	for len(reply) <= MaxHandshakeReply {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(reply), nil
		}
		reply = append(reply, b)
	}
	return "", fmt.Errorf("handshake reply exceeds %d bytes", MaxHandshakeReply)
}
