// Package crd514 drives Oriental Motor CRD514-KD stepper drivers over a
// shared Modbus RTU bus, one slave per delta robot axis.
package crd514

import "github.com/mastercactapus/deltaplacer/kinematics"

// Slave addresses. Axis i of the robot answers on slave i+1; writes to
// SlaveBroadcast are applied by every driver and never answered.
const (
	SlaveBroadcast byte = 0
	SlaveMotor1    byte = 1
	SlaveMotor2    byte = 2
	SlaveMotor3    byte = 3
)

// Slave returns the bus address of 0-based axis i.
func Slave(axis int) byte { return byte(axis + 1) }

// 32-bit registers, upper word at the address and lower word at address+1.
const (
	RegOpPos               uint16 = 0x402
	RegOpSpeed             uint16 = 0x502
	RegOpAcc               uint16 = 0x902
	RegOpDec               uint16 = 0xA02
	RegCfgPosLimitPositive uint16 = 0x254
	RegCfgPosLimitNegative uint16 = 0x256
	RegCfgStartSpeed       uint16 = 0x228
)

// 16-bit registers.
const (
	RegOpPosMode     uint16 = 0x601
	RegOpOpMode      uint16 = 0x701
	RegOpSeqMode     uint16 = 0x801
	RegOpDwell       uint16 = 0xC01
	RegCfgStopAction uint16 = 0x202
	RegClearCounter  uint16 = 0x04B
	RegResetAlarm    uint16 = 0x040
	RegCmd1          uint16 = 0x01E
	RegStatus1       uint16 = 0x020
)

// RegCmd1 bits.
const (
	CmdStart        uint16 = 1 << 8
	CmdStop         uint16 = 1 << 11
	CmdExcitementOn uint16 = 1 << 13
)

// RegStatus1 bits.
const (
	StatusWarning uint16 = 1 << 6
	StatusAlarm   uint16 = 1 << 7
	StatusMove    uint16 = 1 << 10
	StatusReady   uint16 = 1 << 13
)

// Register values used when configuring an axis.
const (
	PosModeIncremental  uint16 = 0
	PosModeAbsolute     uint16 = 1
	OpModeSingle        uint16 = 0
	StopActionImmediate uint16 = 0
	StopActionDecel     uint16 = 1
)

// StepAngle is the rotation of one motor step, in radians.
var StepAngle = kinematics.Radians(0.072)

// Serial line settings of the bus.
const (
	BaudRate = 115200
	DataBits = 8
	StopBits = 1
)
