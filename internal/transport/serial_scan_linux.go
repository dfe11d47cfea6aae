//go:build linux

package transport

import "github.com/jochenvg/go-udev"

// ScanSerialDevices enumerates CDC-ACM USB-serial nodes via the udev
// device database, the idiomatic way to identify USB-serial class devices
// on Linux without guessing at /dev naming conventions. It never mutates
// persisted configuration; callers decide whether to remember the result.
func ScanSerialDevices() ([]string, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()

	if err := e.AddMatchSubsystem("tty"); err != nil {
		return fallbackScan()
	}
	if err := e.AddMatchProperty("ID_USB_DRIVER", "cdc_acm"); err != nil {
		return fallbackScan()
	}

	devices, err := e.Devices()
	if err != nil || len(devices) == 0 {
		return fallbackScan()
	}

	var paths []string
	for _, d := range devices {
		if node := d.Devnode(); node != "" {
			paths = append(paths, node)
		}
	}
	if len(paths) == 0 {
		return fallbackScan()
	}
	return paths, nil
}
