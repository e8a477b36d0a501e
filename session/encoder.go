package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// CurrentSchemaVersion is the binary layout written by Encode.
const CurrentSchemaVersion uint8 = 1

const maxDeviceBytes = 1 << 12

var errFieldTooLong = errors.New("session field too long")

// Encode serializes s in the current binary layout:
//
//	version | sid | subject | family | device | label | created | lastSeen | expires
//
// Short strings carry a one-byte length, device strings a two-byte length and
// times are big-endian unix nanoseconds.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(CurrentSchemaVersion)

	for _, v := range []string{s.SessionID, s.Subject, s.FamilyID} {
		if err := writeShort(&buf, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []string{s.Device, s.DeviceLabel} {
		if err := writeLong(&buf, v); err != nil {
			return nil, err
		}
	}
	for _, t := range []time.Time{s.CreatedAt, s.LastSeenAt, s.ExpiresAt} {
		if err := binary.Write(&buf, binary.BigEndian, t.UnixNano()); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported session schema version %d", version)
	}

	s := &Session{SchemaVersion: version}
	for _, dst := range []*string{&s.SessionID, &s.Subject, &s.FamilyID} {
		if *dst, err = readShort(reader); err != nil {
			return nil, err
		}
	}
	for _, dst := range []*string{&s.Device, &s.DeviceLabel} {
		if *dst, err = readLong(reader); err != nil {
			return nil, err
		}
	}
	for _, dst := range []*time.Time{&s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt} {
		var nanos int64
		if err := binary.Read(reader, binary.BigEndian, &nanos); err != nil {
			return nil, err
		}
		*dst = time.Unix(0, nanos).UTC()
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes after session")
	}
	return s, nil
}

func writeShort(buf *bytes.Buffer, v string) error {
	if len(v) > 255 {
		return errFieldTooLong
	}
	buf.WriteByte(byte(len(v)))
	buf.WriteString(v)
	return nil
}

func writeLong(buf *bytes.Buffer, v string) error {
	if len(v) > maxDeviceBytes {
		return errFieldTooLong
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(v))); err != nil {
		return err
	}
	buf.WriteString(v)
	return nil
}

func readShort(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	return readN(r, int(n))
}

func readLong(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > maxDeviceBytes {
		return "", errFieldTooLong
	}
	return readN(r, int(n))
}

func readN(r *bytes.Reader, n int) (string, error) {
	if n > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
