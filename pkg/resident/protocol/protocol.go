// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol implements the frames exchanged between the core and a resident worker.
//
// Every frame is a 6 byte header, a little-endian uint32 body length followed by a
// little-endian uint16 packet type, and then the body.
//
//	core                          worker
//	  <-------- LAUNCHED ------------
//	  --------- PARAMETERS --------->
//	  <-------- MODULE_LOADED -------
//	  --------- NOTIFY_EVENT ------->   (repeated, one at a time)
//	  <-------- NOTIFY_EVENT_ACK ----
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/actioncore/pkg/action"
	"github.com/united-manufacturing-hub/actioncore/pkg/constants"
)

const (
	// HeaderLen is the length of the fixed frame header.
	HeaderLen = 6
	// MaxBodyLen bounds the body of any frame.
	MaxBodyLen = 1024 * 1024

	actionIDLen   = 4
	pathLenLen    = 2
	resultCodeLen = 4
)

var (
	// ErrFrameTooLarge is returned for a body above MaxBodyLen.
	ErrFrameTooLarge = errors.New("protocol: frame body too large")
	// ErrUnexpectedFrame is returned when a frame type is not valid in the current state.
	ErrUnexpectedFrame = errors.New("protocol: unexpected frame")
	// ErrInvalidLength is returned when a header or body length does not fit its frame type.
	ErrInvalidLength = errors.New("protocol: invalid length")
)

// PacketType identifies a frame.
type PacketType uint16

const (
	PacketParameters     PacketType = 0
	PacketLaunched       PacketType = 1
	PacketModuleLoaded   PacketType = 2
	PacketNotifyEvent    PacketType = 3
	PacketNotifyEventAck PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketParameters:
		return "PARAMETERS"
	case PacketLaunched:
		return "LAUNCHED"
	case PacketModuleLoaded:
		return "MODULE_LOADED"
	case PacketNotifyEvent:
		return "NOTIFY_EVENT"
	case PacketNotifyEventAck:
		return "NOTIFY_EVENT_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Header is the decoded fixed header.
type Header struct {
	BodyLen uint32
	Type    PacketType
}

// Frame is one complete message.
type Frame struct {
	Type PacketType
	Body []byte
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.BodyLen)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.Type))

	return buf
}

// DecodeHeader parses a fixed header and enforces MaxBodyLen.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("%w: header of %d bytes", ErrInvalidLength, len(b))
	}

	h := Header{
		BodyLen: binary.LittleEndian.Uint32(b[0:4]),
		Type:    PacketType(binary.LittleEndian.Uint16(b[4:6])),
	}

	if h.BodyLen > MaxBodyLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.BodyLen)
	}

	return h, nil
}

// Expect checks that h announces a frame of type want.
func (h Header) Expect(want PacketType) error {
	if h.Type != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFrame, h.Type, want)
	}

	return nil
}

// ExpectEmpty checks that h announces an empty frame of type want.
func (h Header) ExpectEmpty(want PacketType) error {
	if err := h.Expect(want); err != nil {
		return err
	}

	if h.BodyLen != 0 {
		return fmt.Errorf("%w: %s with %d byte body", ErrInvalidLength, want, h.BodyLen)
	}

	return nil
}

func frame(t PacketType, body []byte) []byte {
	buf := make([]byte, HeaderLen+len(body))
	copy(buf, EncodeHeader(Header{BodyLen: uint32(len(body)), Type: t}))
	copy(buf[HeaderLen:], body)

	return buf
}

// EncodeLaunched builds the LAUNCHED frame.
func EncodeLaunched() []byte {
	return frame(PacketLaunched, nil)
}

// EncodeModuleLoaded builds the MODULE_LOADED frame.
func EncodeModuleLoaded() []byte {
	return frame(PacketModuleLoaded, nil)
}

// EncodeParameters builds the PARAMETERS frame carrying the module path.
func EncodeParameters(modulePath string) ([]byte, error) {
	if len(modulePath) > constants.MaxModulePathLen {
		return nil, fmt.Errorf("%w: module path of %d bytes", ErrInvalidLength, len(modulePath))
	}

	body := make([]byte, pathLenLen+len(modulePath))
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(modulePath)))
	copy(body[pathLenLen:], modulePath)

	return frame(PacketParameters, body), nil
}

// DecodeParameters parses a PARAMETERS body.
func DecodeParameters(body []byte) (string, error) {
	if len(body) < pathLenLen {
		return "", fmt.Errorf("%w: PARAMETERS body of %d bytes", ErrInvalidLength, len(body))
	}

	n := int(binary.LittleEndian.Uint16(body[0:2]))
	if n != len(body)-pathLenLen || n > constants.MaxModulePathLen {
		return "", fmt.Errorf("%w: module path of %d bytes in %d byte body", ErrInvalidLength, n, len(body))
	}

	return string(body[pathLenLen:]), nil
}

// EncodeNotifyEvent builds the NOTIFY_EVENT frame for one event.
func EncodeNotifyEvent(actionID uint32, ev action.EventInfo) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	if actionIDLen+len(payload) > MaxBodyLen {
		return nil, fmt.Errorf("%w: event of %d bytes", ErrFrameTooLarge, len(payload))
	}

	body := make([]byte, actionIDLen+len(payload))
	binary.LittleEndian.PutUint32(body[0:4], actionID)
	copy(body[actionIDLen:], payload)

	return frame(PacketNotifyEvent, body), nil
}

// DecodeNotifyEvent parses a NOTIFY_EVENT body.
func DecodeNotifyEvent(body []byte) (uint32, action.EventInfo, error) {
	var ev action.EventInfo

	if len(body) < actionIDLen {
		return 0, ev, fmt.Errorf("%w: NOTIFY_EVENT body of %d bytes", ErrInvalidLength, len(body))
	}

	actionID := binary.LittleEndian.Uint32(body[0:4])
	if err := json.Unmarshal(body[actionIDLen:], &ev); err != nil {
		return 0, ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return actionID, ev, nil
}

// EncodeNotifyEventAck builds the NOTIFY_EVENT_ACK frame.
func EncodeNotifyEventAck(resultCode uint32) []byte {
	body := make([]byte, resultCodeLen)
	binary.LittleEndian.PutUint32(body, resultCode)

	return frame(PacketNotifyEventAck, body)
}

// AckBodyLen is the body length of a NOTIFY_EVENT_ACK frame.
const AckBodyLen = resultCodeLen

// DecodeNotifyEventAck parses a NOTIFY_EVENT_ACK body.
func DecodeNotifyEventAck(body []byte) (uint32, error) {
	if len(body) != resultCodeLen {
		return 0, fmt.Errorf("%w: NOTIFY_EVENT_ACK body of %d bytes", ErrInvalidLength, len(body))
	}

	return binary.LittleEndian.Uint32(body), nil
}

// ReadFrame reads one frame from a stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Frame{}, err
	}

	h, err := DecodeHeader(hb[:])
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return Frame{}, err
		}
	}

	return Frame{Type: h.Type, Body: body}, nil
}

// WriteFrame writes an already encoded frame to a stream.
func WriteFrame(w io.Writer, encoded []byte) error {
	if len(encoded) < HeaderLen {
		return fmt.Errorf("%w: frame of %d bytes", ErrInvalidLength, len(encoded))
	}

	_, err := w.Write(encoded)

	return err
}
