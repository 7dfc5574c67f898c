package connection

import (
	"bufio"
	"encoding/binary"
	"io"

	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/yerrors"
)

// frameKind discriminates the three kinds of frame a Tcp connection
// multiplexes (spec.md §4.5).
type frameKind byte

const (
	frameAnnouncement frameKind = 1
	frameMessage      frameKind = 2
	frameLiveness     frameKind = 3
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

func writeAnnouncement(w *bufio.Writer, ann endpoint.Announcement) error {
	if err := w.WriteByte(byte(frameAnnouncement)); err != nil {
		return err
	}
	var added byte
	if ann.Added {
		added = 1
	}
	if err := w.WriteByte(added); err != nil {
		return err
	}
	if err := w.WriteByte(byte(ann.Variant)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ann.Signature); err != nil {
		return err
	}
	return writeCString(w, ann.Name)
}

func readAnnouncement(r *bufio.Reader) (endpoint.Announcement, error) {
	var addedByte, variantByte byte
	var err error
	if addedByte, err = r.ReadByte(); err != nil {
		return endpoint.Announcement{}, err
	}
	if variantByte, err = r.ReadByte(); err != nil {
		return endpoint.Announcement{}, err
	}
	var sig uint32
	if err = binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return endpoint.Announcement{}, err
	}
	var name string
	if name, err = readCString(r); err != nil {
		return endpoint.Announcement{}, err
	}
	return endpoint.Announcement{Added: addedByte != 0, Variant: endpoint.Variant(variantByte), Signature: sig, Name: name}, nil
}

func writeMessage(w *bufio.Writer, msg endpoint.WireMessage) error {
	if err := w.WriteByte(byte(frameMessage)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(msg.Kind)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(msg.Variant)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, msg.Signature); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(msg.OperationID)); err != nil {
		return err
	}
	if err := w.WriteByte(byte(msg.Flags)); err != nil {
		return err
	}
	if err := writeCString(w, msg.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(msg.Payload))); err != nil {
		return err
	}
	if _, err := w.Write(msg.Payload); err != nil {
		return err
	}
	return nil
}

func readMessage(r *bufio.Reader) (endpoint.WireMessage, error) {
	var kindByte, variantByte, flagsByte byte
	var err error
	if kindByte, err = r.ReadByte(); err != nil {
		return endpoint.WireMessage{}, err
	}
	if variantByte, err = r.ReadByte(); err != nil {
		return endpoint.WireMessage{}, err
	}
	var sig, opID, payloadLen uint32
	if err = binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return endpoint.WireMessage{}, err
	}
	if err = binary.Read(r, binary.LittleEndian, &opID); err != nil {
		return endpoint.WireMessage{}, err
	}
	if flagsByte, err = r.ReadByte(); err != nil {
		return endpoint.WireMessage{}, err
	}
	var name string
	if name, err = readCString(r); err != nil {
		return endpoint.WireMessage{}, err
	}
	if err = binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return endpoint.WireMessage{}, err
	}
	if payloadLen > endpoint.MaxMessageSize {
		return endpoint.WireMessage{}, yerrors.New(yerrors.BufferTooSmall, "frame payload of %d exceeds max message size", payloadLen)
	}
	var payload = make([]byte, payloadLen)
	if _, err = io.ReadFull(r, payload); err != nil {
		return endpoint.WireMessage{}, err
	}
	return endpoint.WireMessage{
		Kind: endpoint.WireKind(kindByte), Variant: endpoint.Variant(variantByte), Signature: sig,
		OperationID: endpoint.OperationID(opID), Flags: endpoint.GatherFlags(flagsByte), Name: name, Payload: payload,
	}, nil
}

// readFrame reads and applies exactly one frame from r onto target, using
// link as the identifying RemoteLink for announcement/message application.
// A liveness frame carries nothing and is consumed without further action.
// Returns a non-nil error on a read failure or an unrecognized frame kind.
func readFrame(r *bufio.Reader, link endpoint.RemoteLink, target Target) error {
	var kind, err = r.ReadByte()
	if err != nil {
		return err
	}
	switch frameKind(kind) {
	case frameAnnouncement:
		var ann endpoint.Announcement
		if ann, err = readAnnouncement(r); err != nil {
			return err
		}
		target.HandleRemoteAnnouncement(link, ann)
	case frameMessage:
		var msg endpoint.WireMessage
		if msg, err = readMessage(r); err != nil {
			return err
		}
		target.HandleRemoteMessage(link, msg)
	case frameLiveness:
		// no payload; the caller's read-loop deadline reset is enough.
	default:
		return yerrors.New(yerrors.Unknown, "unrecognized frame kind %d", kind)
	}
	return nil
}
