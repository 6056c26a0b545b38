package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Volcengine speech frames: a 4-byte header, optional sequence and event
// fields, then a size-prefixed payload. Integers are big-endian.

const protocolVersion = 0b0001

type frameType uint8

const (
	frameFullClientRequest  frameType = 0b0001
	frameAudioOnlyRequest   frameType = 0b0010
	frameFullServerResponse frameType = 0b1001
	frameServerAck          frameType = 0b1011
	frameError              frameType = 0b1111
)

type frameFlags uint8

const (
	flagNoSequence       frameFlags = 0b0000
	flagPositiveSequence frameFlags = 0b0001
	flagLastNoSequence   frameFlags = 0b0010
	flagNegativeSequence frameFlags = 0b0011
	flagWithEvent        frameFlags = 0b0100
)

const (
	serializationNone uint8 = 0b0000
	serializationJSON uint8 = 0b0001

	compressionNone uint8 = 0b0000
	compressionGzip uint8 = 0b0001
)

// connection-level events carry a connect id instead of a session id
const (
	eventStartConnection    int32 = 1
	eventFinishConnection   int32 = 2
	eventConnectionStarted  int32 = 50
	eventConnectionFailed   int32 = 51
	eventConnectionFinished int32 = 52
)

type frame struct {
	typ           frameType
	flags         frameFlags
	serialization uint8
	compression   uint8
	sequence      int32
	event         int32
	sessionID     string
	connectID     string
	code          uint32
	payload       []byte
}

func (f frame) hasSequence() bool {
	s := f.flags & 0b0011
	return s == flagPositiveSequence || s == flagNegativeSequence
}

// last reports whether the frame closes the stream.
func (f frame) last() bool {
	s := f.flags & 0b0011
	return s == flagLastNoSequence || s == flagNegativeSequence
}

// requestFrame carries the gzip JSON request that opens a recognition.
func requestFrame(body []byte) (frame, error) {
	payload, err := gzipBytes(body)
	if err != nil {
		return frame{}, err
	}
	return frame{
		typ:           frameFullClientRequest,
		flags:         flagNoSequence,
		serialization: serializationJSON,
		compression:   compressionGzip,
		payload:       payload,
	}, nil
}

// audioFrame carries one gzip PCM chunk. The last chunk goes out with the
// negated sequence number.
func audioFrame(chunk []byte, seq int32, last bool) (frame, error) {
	payload, err := gzipBytes(chunk)
	if err != nil {
		return frame{}, err
	}
	f := frame{
		typ:           frameAudioOnlyRequest,
		flags:         flagPositiveSequence,
		serialization: serializationNone,
		compression:   compressionGzip,
		sequence:      seq,
		payload:       payload,
	}
	if last {
		f.flags = flagNegativeSequence
		f.sequence = -seq
	}
	return f, nil
}

func encodeFrame(f frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.typ)<<4 | uint8(f.flags))
	buf.WriteByte(f.serialization<<4 | f.compression)
	buf.WriteByte(0)

	put := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	putString := func(s string) {
		put(uint32(len(s)))
		buf.WriteString(s)
	}

	if f.hasSequence() {
		put(uint32(f.sequence))
	}
	if f.flags&flagWithEvent != 0 {
		put(uint32(f.event))
		if !connectionEvent(f.event) {
			putString(f.sessionID)
		}
		if connectIDEvent(f.event) {
			putString(f.connectID)
		}
	}
	if f.typ == frameError {
		put(f.code)
	}
	put(uint32(len(f.payload)))
	buf.Write(f.payload)
	return buf.Bytes()
}

func decodeFrame(data []byte) (frame, error) {
	r := bytes.NewReader(data)
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, fmt.Errorf("read frame header: %w", err)
	}
	if version := header[0] >> 4; version != protocolVersion {
		return frame{}, fmt.Errorf("unsupported protocol version %d", version)
	}
	f := frame{
		typ:           frameType(header[1] >> 4),
		flags:         frameFlags(header[1] & 0x0F),
		serialization: header[2] >> 4,
		compression:   header[2] & 0x0F,
	}
	if extra := int(header[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return frame{}, fmt.Errorf("read extended header: %w", err)
		}
	}

	readUint := func(what string) (uint32, error) {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("read %s: %w", what, err)
		}
		return binary.BigEndian.Uint32(b[:]), nil
	}
	readString := func(what string) (string, error) {
		n, err := readUint(what + " size")
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read %s: %w", what, err)
		}
		return string(b), nil
	}

	if f.hasSequence() {
		seq, err := readUint("sequence")
		if err != nil {
			return frame{}, err
		}
		f.sequence = int32(seq)
	}
	if f.flags&flagWithEvent != 0 {
		event, err := readUint("event")
		if err != nil {
			return frame{}, err
		}
		f.event = int32(event)
		if !connectionEvent(f.event) {
			if f.sessionID, err = readString("session id"); err != nil {
				return frame{}, err
			}
		}
		if connectIDEvent(f.event) {
			if f.connectID, err = readString("connect id"); err != nil {
				return frame{}, err
			}
		}
	}
	if f.typ == frameError {
		code, err := readUint("error code")
		if err != nil {
			return frame{}, err
		}
		f.code = code
	}
	size, err := readUint("payload size")
	if err != nil {
		return frame{}, err
	}
	if size > 0 {
		f.payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return frame{}, fmt.Errorf("read payload (%d bytes): %w", size, err)
		}
	}
	return f, nil
}

// body returns the payload with its compression removed.
func (f frame) body() ([]byte, error) {
	switch f.compression {
	case compressionNone:
		return f.payload, nil
	case compressionGzip:
		return gunzipBytes(f.payload)
	default:
		return nil, fmt.Errorf("unsupported compression method %d", f.compression)
	}
}

func connectionEvent(event int32) bool {
	switch event {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func connectIDEvent(event int32) bool {
	switch event {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty gzip payload")
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
