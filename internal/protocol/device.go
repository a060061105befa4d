package protocol

import (
	"fmt"
	"strings"
)

// DeviceInfo is the Hello response: protocol version followed by
// null-terminated identity strings.
type DeviceInfo struct {
	ProtocolVersion uint8
	Serial          string
	Product         string
	DFUMac          string
	AppName         string
	AppVersion      string
}

// ParseDeviceInfo decodes a Hello response body.
func ParseDeviceInfo(data []byte) (DeviceInfo, error) {
	r := reader{buf: data}
	version, err := r.uint8()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: hello: %v", ErrProtocolError, err)
	}
	info := DeviceInfo{ProtocolVersion: version}
	for _, dst := range []*string{&info.Serial, &info.Product, &info.DFUMac, &info.AppName, &info.AppVersion} {
		if r.off >= len(r.buf) {
			break
		}
		s, err := r.cstring()
		if err != nil {
			return DeviceInfo{}, fmt.Errorf("%w: hello: %v", ErrProtocolError, err)
		}
		*dst = s
	}
	if info.Serial == "" {
		return DeviceInfo{}, fmt.Errorf("%w: hello without serial", ErrProtocolError)
	}
	return info, nil
}

// Encode is the device-side inverse of ParseDeviceInfo.
func (d DeviceInfo) Encode() []byte {
	buf := []byte{d.ProtocolVersion}
	for _, s := range []string{d.Serial, d.Product, d.DFUMac, d.AppName, d.AppVersion} {
		buf = append(buf, cstring(s)...)
	}
	return buf
}

// MatchesSerial reports whether the device serial ends with suffix.
func (d DeviceInfo) MatchesSerial(suffix string) bool {
	return suffix != "" && strings.HasSuffix(d.Serial, suffix)
}

// ParseLoggerState decodes a GET /Mem/DataLogger/State response body.
func ParseLoggerState(data []byte) (LoggerState, error) {
	r := reader{buf: data}
	v, err := r.uint8()
	if err != nil {
		return 0, fmt.Errorf("%w: logger state: %v", ErrProtocolError, err)
	}
	return LoggerState(v), nil
}
