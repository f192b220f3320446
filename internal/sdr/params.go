package sdr

import (
	"fmt"
	"net"
	"strconv"

	"github.com/rjboer/afedri/internal/afedri"
)

// Params are the parsed arguments of the afedri driver.
type Params struct {
	Address     string
	Port        int
	BindAddress string
	BindPort    int
	// RXMode is -1 to leave the device mode unchanged.
	RXMode int
	// NumChannels is 0 to derive it from the RX mode.
	NumChannels int
	// MapCh0 is -1, or the hardware channel that logical channel 0 controls.
	MapCh0 int
}

// ParseParams reads afedri device arguments. bind_port defaults to port.
func ParseParams(args Kwargs) (Params, error) {
	p := Params{
		Address:     args.Get("address", ""),
		BindAddress: args.Get("bind_address", "0.0.0.0"),
		RXMode:      -1,
		MapCh0:      -1,
	}
	var err error
	if p.Port, err = args.Int("port", 0); err != nil {
		return p, err
	}
	if p.BindPort, err = args.Int("bind_port", p.Port); err != nil {
		return p, err
	}
	if p.RXMode, err = args.Int("rx_mode", -1); err != nil {
		return p, err
	}
	if p.NumChannels, err = args.Int("num_channels", 0); err != nil {
		return p, err
	}
	if p.MapCh0, err = args.Int("map_ch0", -1); err != nil {
		return p, err
	}
	return p, p.validate()
}

func (p Params) validate() error {
	if p.RXMode != -1 && !afedri.RXMode(p.RXMode).Valid() {
		return fmt.Errorf("%w: rx_mode=%d, want -1 or 0..5", ErrInvalidArgs, p.RXMode)
	}
	switch p.NumChannels {
	case 0, 1, 2, 4:
	default:
		return fmt.Errorf("%w: num_channels=%d, want 0, 1, 2 or 4", ErrInvalidArgs, p.NumChannels)
	}
	if p.MapCh0 < -1 || p.MapCh0 > int(afedri.CH3) {
		return fmt.Errorf("%w: map_ch0=%d, want -1 or 0..3", ErrInvalidArgs, p.MapCh0)
	}
	return nil
}

// requireEndpoint reports whether address and port were both supplied.
func (p Params) requireEndpoint() error {
	if p.Address == "" || p.Port <= 0 {
		return fmt.Errorf("%w: address and port are required", ErrInvalidArgs)
	}
	return nil
}

// ControlAddr is address:port.
func (p Params) ControlAddr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

func (p Params) String() string {
	return fmt.Sprintf("address=%s port=%d bind_address=%s bind_port=%d rx_mode=%d num_channels=%d map_ch0=%d",
		p.Address, p.Port, p.BindAddress, p.BindPort, p.RXMode, p.NumChannels, p.MapCh0)
}
