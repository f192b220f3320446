package afedri

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports that the device did not answer within the reply timeout.
	ErrTimeout = errors.New("afedri: reply timeout")
	// ErrShortReply reports a reply frame shorter than the command requires.
	ErrShortReply = errors.New("afedri: short reply")
	// ErrUnexpectedState reports a receiver state byte outside {1,2}.
	ErrUnexpectedState = errors.New("afedri: unexpected receiver state")
)

// ReplyError describes a reply that is too short for the request that produced it.
type ReplyError struct {
	Op  string
	Len int
	Min int
}

func (e ReplyError) Error() string {
	return fmt.Sprintf("afedri: %s reply has %d bytes, need %d", e.Op, e.Len, e.Min)
}

func (e ReplyError) Unwrap() error { return ErrShortReply }

// HeaderLen is the size of the length/type header that starts every frame.
const HeaderLen = 2

// Message types in the upper three bits of header byte 1.
const (
	MsgSetItem     = 0x00
	MsgRequestItem = 0x20
	MsgHIDGeneric  = 0xE0
)

// Control item codes.
const (
	ItemTargetName       = 0x0001
	ItemSerialNumber     = 0x0002
	ItemInterfaceVersion = 0x0003
	ItemHWFWVersion      = 0x0004
	ItemProductID        = 0x0009
	ItemReceiverState    = 0x0018
	ItemFrequency        = 0x0020
	ItemSampleRate       = 0x00B8
	ItemHIDGeneric       = 0x0002
)

// Generic HID sub-commands carried in byte 3 of a 9-byte HID frame.
const (
	HIDFEGain         = 0x02
	HIDRFGain         = 0x08
	HIDFirmware       = 0x09
	HIDGetRXMode      = 0x0F
	HIDSetRXMode      = 0x30
	HIDOverloadMode   = 0x45
	HIDR820TLNAGain   = 0x4F
	HIDR820TMixerGain = 0x50
	HIDR820TVGAGain   = 0x51
	HIDR820TLNAAGC    = 0x52
	HIDR820TMixerAGC  = 0x53
	HIDReadEEPROM     = 0x55
	HIDR820TRefFreq   = 0x5B

	HIDFrameLen = 9
)

// Receiver state values for ItemReceiverState.
const (
	StateIdle = 0x01
	StateRun  = 0x02
)

// FrameLen decodes the total frame length from a header.
func FrameLen(b []byte) int {
	return int(b[0]) | int(b[1]&0x1F)<<8
}

func itemCode(b []byte) uint16 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint16(b[2:4])
}

// request builds a frame of the given message type and item code with payload.
func request(msgType byte, item uint16, payload ...byte) []byte {
	n := 4 + len(payload)
	b := make([]byte, 4, n)
	b[0] = byte(n)
	b[1] = msgType | byte(n>>8)&0x1F
	binary.LittleEndian.PutUint16(b[2:4], item)
	return append(b, payload...)
}

// hid builds a 9-byte generic HID frame, zero padded.
func hid(cmd byte, args ...byte) []byte {
	b := make([]byte, HIDFrameLen)
	b[0] = HIDFrameLen
	b[1] = MsgHIDGeneric
	b[2] = byte(ItemHIDGeneric)
	b[3] = cmd
	copy(b[4:], args)
	return b
}

func putUint32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func need(op string, reply []byte, min int) error {
	if len(reply) < min {
		return ReplyError{Op: op, Len: len(reply), Min: min}
	}
	return nil
}

// cString returns the NUL-terminated string starting at b[0].
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
