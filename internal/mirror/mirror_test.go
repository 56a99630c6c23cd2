package mirror

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclaw/kmsvid/internal/video"
)

func testFrame() *video.Buffer {
	buf := video.NewBuffer(video.FormatXRGB8888, 2, 1)
	// red, blue
	copy(buf.Data, []byte{0, 0, 0xff, 0, 0xff, 0, 0, 0})
	return buf
}

func TestStreamsFrameToClient(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	received := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	}()

	// the client may not be attached yet; keep offering until a frame
	// arrives
	var frame []byte
	deadline := time.After(5 * time.Second)
	for frame == nil {
		s.Offer(testFrame())
		select {
		case frame = <-received:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no frame received")
		}
	}

	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 1 {
		t.Fatalf("frame %dx%d, want 2x1", b.Dx(), b.Dy())
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 {
		t.Errorf("pixel (0,0) = (%d, %d, %d), want red", r>>8, g>>8, b>>8)
	}
}

func TestOfferDropsWhenEncoderBusy(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	if !s.Offer(testFrame()) {
		t.Fatal("first offer dropped")
	}
	if s.Offer(testFrame()) {
		t.Fatal("second offer accepted with the encoder busy")
	}
}

func TestOfferSnapshotsBuffer(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	buf := testFrame()
	if !s.Offer(buf) {
		t.Fatal("offer dropped")
	}
	// the engine keeps drawing into the buffer after offering it
	for i := range buf.Data {
		buf.Data[i] = 0xee
	}
	snap := <-s.frames
	if snap.Data[2] != 0xff {
		t.Error("offered frame shares storage with the live buffer")
	}
}

func TestOfferNilBuffer(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	if s.Offer(nil) {
		t.Fatal("nil buffer accepted")
	}
}

func TestToImageRejectsUnknownFormat(t *testing.T) {
	buf := &video.Buffer{Width: 1, Height: 1, Stride: 4, Format: video.Format(99), Data: make([]byte, 4)}
	if _, err := toImage(buf); !errors.Is(err, video.ErrNotSupported) {
		t.Errorf("toImage = %v, want ErrNotSupported", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
