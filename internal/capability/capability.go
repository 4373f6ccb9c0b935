// Package capability carries the device and platform report the session is
// started with. Detection itself happens outside the client; this package
// only holds the value and derives support notices from it.
package capability

import (
	"context"
	"runtime"
)

// Report is produced by an external probe and consumed read-only.
type Report struct {
	HasWebcam         bool   `json:"has_webcam"`
	HasMicrophone     bool   `json:"has_microphone"`
	IsWebRTCSupported bool   `json:"is_webrtc_supported"`
	BrowserName       string `json:"browser_name"`
	OSName            string `json:"os_name"`
	IsIOS             bool   `json:"is_ios"`
	IsMac             bool   `json:"is_mac"`
}

// Probe produces a Report.
type Probe interface {
	Probe(ctx context.Context) (Report, error)
}

// Static is a Probe that always returns the same report.
type Static Report

func (s Static) Probe(context.Context) (Report, error) { return Report(s), nil }

// Host returns a report for the machine the binary runs on. Pion provides
// WebRTC everywhere Go runs; capture devices are not enumerated.
func Host() Report {
	return Report{
		IsWebRTCSupported: true,
		BrowserName:       "babelrtc",
		OSName:            runtime.GOOS,
		IsIOS:             runtime.GOOS == "ios",
		IsMac:             runtime.GOOS == "darwin",
	}
}

// Notice ids published on the support topic.
const (
	NoticeWebRTCUnsupported = "webrtc-unsupported"
	NoticeNoMicrophone      = "no-microphone"
	NoticeNoWebcam          = "no-webcam"
	NoticeIOSFallback       = "ios-fallback"
)

// Notice is one support message.
type Notice struct {
	ID      string
	Message string
}

// Notices lists what the application should tell the user about this
// platform. Capture devices only matter to a host.
func Notices(r Report, host bool) []Notice {
	var out []Notice
	if !r.IsWebRTCSupported {
		out = append(out, Notice{NoticeWebRTCUnsupported, "WebRTC is not available, using the relay transport"})
	}
	if host && !r.HasMicrophone {
		out = append(out, Notice{NoticeNoMicrophone, "no microphone detected"})
	}
	if host && !r.HasWebcam {
		out = append(out, Notice{NoticeNoWebcam, "no camera detected"})
	}
	return out
}
