// Package model holds the shared data model of the acquisition gateway:
// tasks, devices, points, sessions and the records that flow between the
// protocol adapters, the engine and the sink.
package model

import "time"

// Protocol identifies the wire protocol an adapter speaks.
type Protocol string

const (
	ProtocolModbusTCP    Protocol = "modbus_tcp"
	ProtocolMitsubishiMC Protocol = "mitsubishi_mc"
	ProtocolMQTT         Protocol = "mqtt"
)

// PointType is the semantic decode tag of a point.
type PointType string

const (
	TypeI16        PointType = "i16"
	TypeI32        PointType = "i32"
	TypeF32        PointType = "f32"
	TypeF32Swapped PointType = "f32_swapped"
	TypeBool       PointType = "bool"
	TypeString     PointType = "string"
	TypeHexU32     PointType = "hex_u32"
)

// Quality grades a single reading.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

// Point is an atomic reading target on a device.
type Point struct {
	Code        string
	Address     string
	Type        PointType
	Length      int
	Coefficient float64
	Precision   int
	Name        string
	Unit        string
}

// Normalize fills the defaults the catalog leaves at zero.
func (p *Point) Normalize() {
	if p.Length <= 0 {
		p.Length = 1
	}
	if p.Coefficient == 0 {
		p.Coefficient = 1
	}
}

// Device is a connection endpoint owning a set of points.
type Device struct {
	Code     string
	Protocol Protocol
	Host     string
	Port     int
	Slave    int
	Metadata map[string]string
	Points   []Point
}

// Measurement returns the series name readings from this device are written
// under. The device_a_tag metadata key overrides the device code.
func (d Device) Measurement() string {
	if v, ok := d.Metadata["device_a_tag"]; ok && v != "" {
		return v
	}
	return d.Code
}

// Task is an immutable snapshot of a named set of devices and points.
type Task struct {
	ID           int64
	Code         string
	Name         string
	Schedule     string
	PollInterval time.Duration
	Devices      []Device
}

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
	SessionError   SessionStatus = "error"
)

// Session is one live execution of a task.
type Session struct {
	ID           int64
	TaskID       int64
	RunnerHandle string
	Status       SessionStatus
	StartedAt    time.Time
	StoppedAt    *time.Time
	ErrorMessage string
	Metadata     map[string]any
}

// Reading is an adapter's output for one point at one instant. TimestampNS
// is the engine's wall clock, never a device clock.
type Reading struct {
	Code        string  `json:"code"`
	Value       Value   `json:"value"`
	TimestampNS int64   `json:"timestamp_ns"`
	Quality     Quality `json:"quality"`
	Error       string  `json:"error,omitempty"`
}

// CanonicalPoint is a sink-shaped record: one measurement, a tag set and at
// least one field.
type CanonicalPoint struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]Value
	TimestampNS int64
}

// DeviceStatus is the health state of one device worker.
type DeviceStatus string

const (
	StatusConnecting   DeviceStatus = "connecting"
	StatusHealthy      DeviceStatus = "healthy"
	StatusError        DeviceStatus = "error"
	StatusTimeout      DeviceStatus = "timeout"
	StatusDisconnected DeviceStatus = "disconnected"
)

// DeviceHealth is the per-device runtime state snapshotted into the session
// metadata. It is recreated at session start and discarded at session end.
type DeviceHealth struct {
	Status              DeviceStatus `json:"status"`
	LastSuccessNS       int64        `json:"last_success_ns"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}
