package protocol

import (
	"encoding/binary"
	"math"
	"time"

	"vitalink.io/device"
	"vitalink.io/params"
)

// Opcodes understood by the reference instrument's firmware. Each Device
// has its own closed opcode set.
const (
	OpPowerEnable  device.Opcode = "ENABLE"
	OpPowerDisable device.Opcode = "DISABLE"
	OpPulseFire    device.Opcode = "FIRE"
	OpPumpRun      device.Opcode = "RUN"
	OpPumpStop     device.Opcode = "STOP"
)

const fiveSeconds = 5 * time.Second

// float32Arg encodes a single parameter value as a 4-byte little-endian
// IEEE-754 payload, the argument shape every reference opcode above
// expects.
func float32Arg(key params.Parameter) func(params.Snapshot) []byte {
	return func(s params.Snapshot) []byte {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(s.Get(key))))
		return buf
	}
}

// LysisProtocol is the reference experiment: enable the power supply at
// the configured Voltage, fire the pulse generator, then flush with the
// syringe pump. It exists for testability; concrete clinical protocols
// live outside this repository.
func LysisProtocol() Program {
	return Program{
		Name: "LysisProtocol",
		Steps: []Step{
			{
				Name:     "prepare",
				Device:   device.PowerSupply,
				Opcode:   OpPowerEnable,
				Args:     float32Arg(params.Voltage),
				Deadline: fiveSeconds,
			},
			{
				Name:     "pulse",
				Device:   device.PulseGen,
				Opcode:   OpPulseFire,
				Args:     float32Arg(params.Frequency),
				Deadline: fiveSeconds,
			},
			{
				Name:     "flush",
				Device:   device.Pump,
				Opcode:   OpPumpRun,
				Args:     float32Arg(params.FlowRate),
				Deadline: fiveSeconds,
			},
		},
		Abort: []AbortStep{
			{Name: "power-off", Device: device.PowerSupply, Opcode: OpPowerDisable},
			{Name: "pump-stop", Device: device.Pump, Opcode: OpPumpStop},
		},
	}
}
