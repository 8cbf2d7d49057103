package link

import (
	"testing"
	"time"

	"github.com/stovelab/tclog/internal/isp2"
)

func TestDemoPortStreamsDecodableFrames(t *testing.T) {
	port, err := OpenDemo(Config{ReadTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer port.Close()

	d := isp2.NewDecoder(0)
	var frames []isp2.Frame
	buf := make([]byte, 256)

	deadline := time.Now().Add(3 * time.Second)
	for len(frames) < 5 && time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, d.Feed(buf[:n])...)
	}

	if len(frames) < 5 {
		t.Fatalf("decoded only %d frames before deadline", len(frames))
	}
	for i, f := range frames {
		if !f.SensorData() {
			t.Errorf("frame %d is not sensor data", i)
		}
		if len(f.Words) != demoChannels {
			t.Errorf("frame %d has %d channels, want %d", i, len(f.Words), demoChannels)
		}
	}
}
