// Package audio acquires PCM audio from the system output monitor or an
// input device and reshapes it into fixed recognizer frames.
package audio

// DataCallback receives interleaved signed 16-bit little-endian samples.
type DataCallback func(data []byte, frameCount uint32)

// Format describes what a capture device actually delivers. Samples are
// always S16LE.
type Format struct {
	SampleRate uint32
	Channels   uint32
}

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	// Loopback captures what the system is playing instead of an input device.
	Loopback bool
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	Format() Format
	DeviceName() string
}
