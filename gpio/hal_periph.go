//go:build linux && (arm || arm64) && !nogpio

// This file drives real pins through periph.io on single-board computers.
// Builds for other platforms, or with the "nogpio" tag, use hal.go instead.

package gpio

import (
	"fmt"
	"log"

	periphgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pins writes channel levels to periph.io pins. Pins are addressed by their
// BCM numbers.
type Pins struct {
	pins      map[Channel]periphgpio.PinIO
	activeLow bool
}

// Open initialises the periph host drivers and resolves every pin of m.
// Unknown pins are a startup error; write failures later are only logged.
func Open(m PinMap) (Writer, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise periph host: %w", err)
	}
	p := &Pins{pins: make(map[Channel]periphgpio.PinIO), activeLow: m.ActiveLow}
	for _, ch := range []Channel{RelayOpen, RelayClose, Indicator} {
		num, _ := m.pin(ch)
		name := fmt.Sprintf("GPIO%d", num)
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("gpio pin %s for %s not found", name, ch)
		}
		p.pins[ch] = pin
	}
	log.Printf("GPIO: using pins open=GPIO%d close=GPIO%d indicator=GPIO%d (active low: %v)",
		m.Open, m.Close, m.Indicator, m.ActiveLow)
	return p, nil
}

// Set drives the pin of ch. Failures are logged and otherwise ignored.
func (p *Pins) Set(ch Channel, on bool) {
	pin, ok := p.pins[ch]
	if !ok {
		log.Printf("GPIO: no pin mapped for %s", ch)
		return
	}
	level := periphgpio.Level(on != p.activeLow)
	if err := pin.Out(level); err != nil {
		log.Printf("GPIO: failed to set %s (%s) to %v: %v", ch, pin.Name(), level, err)
	}
}
