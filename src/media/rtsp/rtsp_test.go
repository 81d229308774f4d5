package rtsp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPTSToDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), ptsToDuration(0))
	assert.Equal(t, time.Second, ptsToDuration(h264ClockRate))
	assert.Equal(t, 500*time.Millisecond, ptsToDuration(h264ClockRate/2))

	// A day and change of continuous stream must not wrap negative.
	ticks := int64(29) * 3600 * h264ClockRate
	assert.Equal(t, 29*time.Hour, ptsToDuration(ticks))

	week := int64(7) * 24 * 3600 * h264ClockRate
	assert.Equal(t, 7*24*time.Hour, ptsToDuration(week))
}

func TestURLWithCredentials(t *testing.T) {
	assert.Equal(t, "rtsp://10.0.0.5/s1", URLWithCredentials("rtsp://10.0.0.5/s1", "", "pw"))
	assert.Equal(t, "rtsp://admin:pw@10.0.0.5/s1", URLWithCredentials("rtsp://10.0.0.5/s1", "admin", "pw"))
	// URL-embedded credentials win over the camera row.
	assert.Equal(t, "rtsp://u:p@10.0.0.5/s1", URLWithCredentials("rtsp://u:p@10.0.0.5/s1", "admin", "pw"))
}
