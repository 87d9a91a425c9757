package audio

// DeviceLister enumerates the host's audio input/output devices. A
// cgo-based CoreAudio binding is platform-specific and has no
// cross-platform equivalent; this narrow interface lets a platform
// binding be supplied without this package depending on cgo directly.
type DeviceLister interface {
	List() ([]Device, error)
}

// DefaultDeviceLister reports a single synthetic "default" input and output
// device, the portable fallback used when no platform-specific lister is
// wired in.
type DefaultDeviceLister struct{}

func (DefaultDeviceLister) List() ([]Device, error) {
	return []Device{
		{ID: "default", Name: "System Default Input", Kind: "input"},
		{ID: "default", Name: "System Default Output", Kind: "output"},
	}, nil
}
