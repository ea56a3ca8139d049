package drivers

import (
	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

const (
	spTempLSB = iota
	spTempMSB
	spHighAlarm
	spLowAlarm
	spConfig
	spReserved
	spCountRemain
	spCountPerC
	spCRC
)

// Scratchpad is the 9 byte memory a thermometer returns for Read Scratchpad.
type Scratchpad [9]byte

// Valid checks the CRC and rejects the all zero pattern a missing device
// produces on a line with a weak pull-up.
func (sp Scratchpad) Valid() bool {
	return sp != Scratchpad{} && onewire.CheckCRC(sp[:])
}

func (sp Scratchpad) Config() byte {
	return sp[spConfig]
}

// Resolution decodes the R1/R0 configuration bits.
func (sp Scratchpad) Resolution() int {
	return int(sp[spConfig]>>5&0x03) + MinResolution
}

func (sp Scratchpad) raw() int16 {
	return int16(uint16(sp[spTempMSB])<<8 | uint16(sp[spTempLSB]))
}

// Sixteenths decodes the temperature as a fixed point value in 1/16 °C.
// Bits below the configured resolution are undefined on the device and come
// back as zero.
func (sp Scratchpad) Sixteenths(family byte) (int16, error) {
	if family == FamilyDS18S20 {
		countPerC := int16(sp[spCountPerC])
		if countPerC == 0 {
			return 0, errors.New("ds18s20 scratchpad with zero count per degree")
		}
		countRemain := int16(sp[spCountRemain])
		return (sp.raw()>>1)*16 - 4 + 16*(countPerC-countRemain)/countPerC, nil
	}

	undefined := int16(1)<<(MaxResolution-sp.Resolution()) - 1
	return sp.raw() &^ undefined, nil
}
