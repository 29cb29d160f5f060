package hardware

import (
	pkgerrors "github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// OpenI2C initializes the host drivers and opens the named I2C bus. An
// empty name opens the first bus.
func OpenI2C(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize periph")
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open i2c bus %q", name)
	}
	return bus, nil
}

// OpenInputPin configures a GPIO as an input pulled towards its inactive
// level.
func OpenInputPin(name string, activeLow bool) (gpio.PinIn, error) {
	if _, err := host.Init(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize periph")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, pkgerrors.Errorf("GPIO pin %s not found", name)
	}
	pull := gpio.PullDown
	if activeLow {
		pull = gpio.PullUp
	}
	if err := pin.In(pull, gpio.NoEdge); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure pin %s as input", name)
	}
	return pin, nil
}

// readBytes reads len(data) bytes starting at register.
func readBytes(dev *i2c.Dev, register byte, data []byte) error {
	return dev.Tx([]byte{register}, data)
}

func readByte(dev *i2c.Dev, register byte) (byte, error) {
	data := make([]byte, 1)
	if err := dev.Tx([]byte{register}, data); err != nil {
		return 0, err
	}
	return data[0], nil
}

func writeByte(dev *i2c.Dev, register byte, data byte) error {
	_, err := dev.Write([]byte{register, data})
	return err
}

func writeBytes(dev *i2c.Dev, data []byte) error {
	_, err := dev.Write(data)
	return err
}

func toBCD(n int) byte {
	return byte(n)/10<<4 + byte(n)%10
}

func fromBCD(b byte) int {
	return int(b&0x0F) + int(b>>4)*10
}
