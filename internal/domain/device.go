package domain

type DeviceKind int

const (
	CaptureDevice DeviceKind = iota
	RenderDevice
)

func (k DeviceKind) String() string {
	if k == CaptureDevice {
		return "capture"
	}
	return "render"
}

type Device struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"default"`
}

// DefaultDeviceName is the pseudo device meaning "whatever the system picks".
const DefaultDeviceName = "Default"
