package capability

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProbe(t *testing.T) {
	want := Report{IsWebRTCSupported: true, IsIOS: true, BrowserName: "Safari"}
	got, err := Static(want).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHostReport(t *testing.T) {
	r := Host()
	assert.True(t, r.IsWebRTCSupported)
	assert.Equal(t, runtime.GOOS, r.OSName)
	assert.Equal(t, runtime.GOOS == "darwin", r.IsMac)
}

func TestNotices(t *testing.T) {
	audience := Notices(Report{IsWebRTCSupported: true}, false)
	assert.Empty(t, audience)

	host := Notices(Report{IsWebRTCSupported: false, HasWebcam: true}, true)
	ids := make([]string, 0, len(host))
	for _, n := range host {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{NoticeWebRTCUnsupported, NoticeNoMicrophone}, ids)
}
