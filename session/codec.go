package session

import (
	"bufio"
	"encoding/binary"
	"io"

	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/yerrors"
)

func writeCString(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	return w.WriteByte(0)
}

func readCString(r *bufio.Reader) (string, error) {
	var s, err = r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func writeU32(w *bufio.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readU32(r *bufio.Reader) (uint32, error) {
	var v uint32
	var err = binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	var n, err = readU32(r)
	if err != nil {
		return nil, err
	}
	if n > endpoint.MaxMessageSize {
		return nil, yerrors.New(yerrors.BufferTooSmall, "request payload of %d exceeds max message size", n)
	}
	var buf = make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
