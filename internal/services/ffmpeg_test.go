package services

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobarin/storyvoice/internal/logger"
)

func TestEncoderArgs(t *testing.T) {
	svc, err := NewFFmpegService(t.TempDir(), "", "", "", logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	args := strings.Join(svc.encoderArgs(StreamFormat{Width: 1080, Height: 1920, FPS: 30, SampleRate: 24000}, "/tmp/out.webm"), " ")

	for _, want := range []string{
		"-f rawvideo -pix_fmt rgba -s 1080x1920 -r 30 -i pipe:0",
		"-f s16le -ar 24000 -ac 1 -i pipe:3",
		"-c:v libvpx-vp9 -b:v 5M",
		"-c:a libopus",
		"-f webm -y /tmp/out.webm",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("expected args to contain %q\n got: %s", want, args)
		}
	}
}

type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error { n.closed = true; return nil }

type failingWriter struct{ closed bool }

func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (f *failingWriter) Close() error              { f.closed = true; return nil }

func TestPump(t *testing.T) {
	w := &nopCloser{}
	ch := make(chan []byte, 2)
	ch <- []byte("ab")
	ch <- []byte("cd")
	close(ch)

	if err := pump(w, ch, "video"); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if w.String() != "abcd" || !w.closed {
		t.Errorf("unexpected state: %q closed=%v", w.String(), w.closed)
	}
}

func TestPumpDrainsAfterFailure(t *testing.T) {
	w := &failingWriter{}
	ch := make(chan []byte, 3)
	ch <- []byte("a")
	ch <- []byte("b")
	ch <- []byte("c")
	close(ch)

	err := pump(w, ch, "audio")
	if err == nil || !strings.Contains(err.Error(), "audio pipe") {
		t.Errorf("expected audio pipe error, got %v", err)
	}
	if len(ch) != 0 {
		t.Errorf("expected channel drained, %d left", len(ch))
	}
	if !w.closed {
		t.Error("expected writer closed")
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 5}
	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))
	if got := tb.String(); got != "world" {
		t.Errorf("expected last 5 bytes, got %q", got)
	}
}
