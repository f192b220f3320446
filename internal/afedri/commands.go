package afedri

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Channel is a zero-based receiver channel index (CH0..CH3).
type Channel int

const (
	CH0 Channel = iota
	CH1
	CH2
	CH3
)

// Wire returns the channel number used on the wire: CH0..CH3 map to 0,2,3,4.
func (ch Channel) Wire() (byte, error) {
	switch ch {
	case CH0:
		return 0, nil
	case CH1:
		return 2, nil
	case CH2:
		return 3, nil
	case CH3:
		return 4, nil
	default:
		return 0, fmt.Errorf("afedri: invalid channel %d", int(ch))
	}
}

// ChannelFromWire is the inverse of Channel.Wire.
func ChannelFromWire(b byte) (Channel, error) {
	switch b {
	case 0:
		return CH0, nil
	case 2:
		return CH1, nil
	case 3:
		return CH2, nil
	case 4:
		return CH3, nil
	default:
		return 0, fmt.Errorf("afedri: invalid wire channel %d", b)
	}
}

// RXMode selects how many receivers the device runs and how they are combined.
type RXMode int

const (
	SingleChannel RXMode = iota
	DualDiversity
	DualChannel
	DiversityInternalAdd
	QuadDiversity
	QuadChannel
)

// Channels reports how many IQ channels the UDP stream carries in this mode.
func (m RXMode) Channels() int {
	switch m {
	case DualDiversity, DualChannel:
		return 2
	case QuadDiversity, QuadChannel:
		return 4
	default:
		return 1
	}
}

// Valid reports whether m is a mode the firmware understands.
func (m RXMode) Valid() bool { return m >= SingleChannel && m <= QuadChannel }

func (m RXMode) String() string {
	switch m {
	case SingleChannel:
		return "single"
	case DualDiversity:
		return "dual-diversity"
	case DualChannel:
		return "dual"
	case DiversityInternalAdd:
		return "diversity-internal-add"
	case QuadDiversity:
		return "quad-diversity"
	case QuadChannel:
		return "quad"
	default:
		return "rxmode(" + strconv.Itoa(int(m)) + ")"
	}
}

// DefaultMainClock is assumed when the EEPROM holds no clock value.
const DefaultMainClock = 80_000_000

// VersionInfo identifies a device and its clocking.
type VersionInfo struct {
	VersionString       string
	SerialNumber        string
	FirmwareVersion     string
	ProductID           string
	HWFWVersion         string
	InterfaceVersion    string
	MainClockFrequency  uint32
	EEPROMDiversityMode uint32
	R820TPresent        bool
}

// VersionInfo queries identity strings, main clock and tuner presence.
func (c *Control) VersionInfo(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo

	reply, err := c.roundTrip(ctx, request(MsgRequestItem, ItemTargetName))
	if err != nil {
		return info, fmt.Errorf("target name: %w", err)
	}
	if err := need("target name", reply, 5); err != nil {
		return info, err
	}
	info.VersionString = cString(reply[4:])

	low, err := c.ReadEEPROM(ctx, 0)
	if err != nil {
		return info, fmt.Errorf("main clock low word: %w", err)
	}
	high, err := c.ReadEEPROM(ctx, 1)
	if err != nil {
		return info, fmt.Errorf("main clock high word: %w", err)
	}
	info.MainClockFrequency = high<<16 | low
	if info.MainClockFrequency == 0 {
		info.MainClockFrequency = DefaultMainClock
	}

	if info.EEPROMDiversityMode, err = c.ReadEEPROM(ctx, 8); err != nil {
		return info, fmt.Errorf("diversity mode: %w", err)
	}

	if info.R820TPresent, err = c.R820TPresent(ctx); err != nil {
		return info, err
	}

	if info.HWFWVersion, err = c.hexItem(ctx, ItemHWFWVersion); err != nil {
		return info, fmt.Errorf("hw/fw version: %w", err)
	}
	if info.InterfaceVersion, err = c.hexItem(ctx, ItemInterfaceVersion); err != nil {
		return info, fmt.Errorf("interface version: %w", err)
	}

	reply, err = c.roundTrip(ctx, request(MsgRequestItem, ItemSerialNumber))
	if err != nil {
		return info, fmt.Errorf("serial number: %w", err)
	}
	if err := need("serial number", reply, 4); err != nil {
		return info, err
	}
	info.SerialNumber = cString(reply[4:])

	reply, err = c.roundTrip(ctx, request(MsgRequestItem, ItemProductID))
	if err != nil {
		return info, fmt.Errorf("product id: %w", err)
	}
	if err := need("product id", reply, 8); err != nil {
		return info, err
	}
	info.ProductID = fmt.Sprintf("%s/%d", string(reply[4:7]), reply[7])

	reply, err = c.roundTrip(ctx, hid(HIDFirmware))
	if err != nil {
		return info, fmt.Errorf("firmware version: %w", err)
	}
	if err := need("firmware version", reply, 8); err != nil {
		return info, err
	}
	info.FirmwareVersion = fmt.Sprintf("%02x%02x%02x%02x", reply[7], reply[6], reply[5], reply[4])

	return info, nil
}

func (c *Control) hexItem(ctx context.Context, item uint16) (string, error) {
	reply, err := c.roundTrip(ctx, request(MsgRequestItem, item))
	if err != nil {
		return "", err
	}
	if len(reply) <= 4 {
		return "", nil
	}
	return hex.EncodeToString(reply[4:]), nil
}

// ReadEEPROM returns the 16-bit word stored at addr.
func (c *Control) ReadEEPROM(ctx context.Context, addr uint32) (uint32, error) {
	reply, err := c.roundTrip(ctx, hid(HIDReadEEPROM, byte(addr)))
	if err != nil {
		return 0, err
	}
	if err := need("eeprom", reply, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply[4:8]) & 0xFFFF, nil
}

// StartCapture starts the UDP sample stream. Repeated calls are harmless.
func (c *Control) StartCapture(ctx context.Context) error {
	_, err := c.roundTrip(ctx, request(MsgSetItem, ItemReceiverState, 0x80, StateRun, 0x00, 0x00))
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	return nil
}

// StopCapture stops the UDP sample stream.
func (c *Control) StopCapture(ctx context.Context) error {
	_, err := c.roundTrip(ctx, request(MsgSetItem, ItemReceiverState, 0x80, StateIdle, 0x00, 0x00))
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return nil
}

// IsCapturing reports whether the receiver is running.
func (c *Control) IsCapturing(ctx context.Context) (bool, error) {
	reply, err := c.roundTrip(ctx, request(MsgRequestItem, ItemReceiverState))
	if err != nil {
		return false, fmt.Errorf("receiver state: %w", err)
	}
	if err := need("receiver state", reply, 6); err != nil {
		return false, err
	}
	switch reply[5] {
	case StateIdle:
		return false, nil
	case StateRun:
		return true, nil
	default:
		return false, fmt.Errorf("state 0x%02x: %w", reply[5], ErrUnexpectedState)
	}
}

// SetFrequency tunes channel ch to hz.
func (c *Control) SetFrequency(ctx context.Context, ch Channel, hz uint32) error {
	w, err := ch.Wire()
	if err != nil {
		return err
	}
	payload := append([]byte{w}, putUint32(hz)...)
	payload = append(payload, 0)
	if _, err := c.roundTrip(ctx, request(MsgSetItem, ItemFrequency, payload...)); err != nil {
		return fmt.Errorf("set frequency: %w", err)
	}
	return nil
}

// Frequency reads the tuned frequency of channel ch.
func (c *Control) Frequency(ctx context.Context, ch Channel) (uint32, error) {
	w, err := ch.Wire()
	if err != nil {
		return 0, err
	}
	reply, err := c.roundTrip(ctx, request(MsgRequestItem, ItemFrequency, w))
	if err != nil {
		return 0, fmt.Errorf("get frequency: %w", err)
	}
	if err := need("frequency", reply, 10); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply[5:9]), nil
}

// SetSampleRate programs the output sample rate. The rate is global, so the
// wire channel is always zero.
func (c *Control) SetSampleRate(ctx context.Context, rate uint32) error {
	payload := append([]byte{0}, putUint32(rate)...)
	if _, err := c.roundTrip(ctx, request(MsgSetItem, ItemSampleRate, payload...)); err != nil {
		return fmt.Errorf("set sample rate: %w", err)
	}
	return nil
}

// SampleRate reads back the programmed sample rate.
func (c *Control) SampleRate(ctx context.Context) (uint32, error) {
	reply, err := c.roundTrip(ctx, request(MsgRequestItem, ItemSampleRate, 0))
	if err != nil {
		return 0, fmt.Errorf("get sample rate: %w", err)
	}
	if err := need("sample rate", reply, 9); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply[5:9]), nil
}

func (c *Control) hidChannel(ctx context.Context, op string, cmd byte, value byte, ch Channel) error {
	w, err := ch.Wire()
	if err != nil {
		return err
	}
	if _, err := c.roundTrip(ctx, hid(cmd, value, w)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetFEGain sets the front-end gain, 0..+12 dB in seven steps. It applies to
// both the HF path and the R820T.
func (c *Control) SetFEGain(ctx context.Context, ch Channel, db float64) error {
	return c.hidChannel(ctx, "set fe gain", HIDFEGain, byte(FEGainCode(db)), ch)
}

// SetRFGain sets the HF attenuator/amplifier, -10..+35 dB in 3 dB steps.
func (c *Control) SetRFGain(ctx context.Context, ch Channel, db float64) error {
	return c.hidChannel(ctx, "set rf gain", HIDRFGain, byte(RFGainCode(db)), ch)
}

// SetR820TLNAGain sets the tuner LNA gain (-7.5..+35 dB).
func (c *Control) SetR820TLNAGain(ctx context.Context, ch Channel, db float64) error {
	return c.hidChannel(ctx, "set r820t lna gain", HIDR820TLNAGain, byte(LinearGainCode(db, R820TLNARange, 0, 15)), ch)
}

// SetR820TMixerGain sets the tuner mixer gain (0..+2 dB).
func (c *Control) SetR820TMixerGain(ctx context.Context, ch Channel, db float64) error {
	return c.hidChannel(ctx, "set r820t mixer gain", HIDR820TMixerGain, byte(LinearGainCode(db, R820TMixerRange, 0, 15)), ch)
}

// SetR820TVGAGain sets the tuner VGA gain (+1..+48 dB).
func (c *Control) SetR820TVGAGain(ctx context.Context, ch Channel, db float64) error {
	return c.hidChannel(ctx, "set r820t vga gain", HIDR820TVGAGain, byte(LinearGainCode(db, R820TVGARange, 0, 15)), ch)
}

// SetR820TLNAAGC enables (1) or disables (0) the tuner LNA AGC.
func (c *Control) SetR820TLNAAGC(ctx context.Context, ch Channel, mode int) error {
	return c.hidChannel(ctx, "set r820t lna agc", HIDR820TLNAAGC, byte(mode), ch)
}

// SetR820TMixerAGC enables (1) or disables (0) the tuner mixer AGC.
func (c *Control) SetR820TMixerAGC(ctx context.Context, ch Channel, mode int) error {
	return c.hidChannel(ctx, "set r820t mixer agc", HIDR820TMixerAGC, byte(mode), ch)
}

// SetOverloadMode writes the overload indication mask, one bit per channel.
func (c *Control) SetOverloadMode(ctx context.Context, mask byte) error {
	if _, err := c.roundTrip(ctx, hid(HIDOverloadMode, mask&0x0F)); err != nil {
		return fmt.Errorf("set overload mode: %w", err)
	}
	return nil
}

// SetRXMode switches the receiver mode.
func (c *Control) SetRXMode(ctx context.Context, ch Channel, mode RXMode) error {
	if !mode.Valid() {
		return fmt.Errorf("afedri: invalid rx mode %d", int(mode))
	}
	return c.hidChannel(ctx, "set rx mode", HIDSetRXMode, byte(mode), ch)
}

// RXMode reads the current receiver mode. Malformed replies read as SingleChannel.
func (c *Control) RXMode(ctx context.Context) (RXMode, error) {
	reply, err := c.roundTrip(ctx, hid(HIDGetRXMode))
	if err != nil {
		return SingleChannel, fmt.Errorf("get rx mode: %w", err)
	}
	if len(reply) < HIDFrameLen || reply[3] != HIDGetRXMode {
		return SingleChannel, nil
	}
	mode := RXMode(reply[4])
	if !mode.Valid() {
		return SingleChannel, nil
	}
	return mode, nil
}

// R820TPresent probes the R820T reference frequency. Any non-zero value means
// the tuner is fitted.
func (c *Control) R820TPresent(ctx context.Context) (bool, error) {
	reply, err := c.roundTrip(ctx, hid(HIDR820TRefFreq))
	if err != nil {
		return false, fmt.Errorf("r820t probe: %w", err)
	}
	if len(reply) < HIDFrameLen || reply[3] != HIDR820TRefFreq {
		return false, nil
	}
	return reply[4] != 0 || reply[5] != 0 || reply[6] != 0 || reply[7] != 0, nil
}
