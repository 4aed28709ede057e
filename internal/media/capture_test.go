package media

import (
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// frameSource yields fixed-size frames; with frames > 0 it runs dry
// with io.EOF, otherwise it produces forever.
type frameSource struct {
	mu       sync.Mutex
	frames   int
	reads    int
	released int
	delay    time.Duration
}

func (s *frameSource) Read() (image.Image, func(), error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames > 0 && s.reads >= s.frames {
		return nil, nil, io.EOF
	}
	s.reads++
	return image.NewRGBA(image.Rect(0, 0, 90, 60)), func() {
		s.mu.Lock()
		s.released++
		s.mu.Unlock()
	}, nil
}

func (s *frameSource) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func TestVideoGateDropsFramesWhileDisabled(t *testing.T) {
	stream := NewCaptureStream()
	ctrl := NewCaptureControl(zap.NewNop())
	src := &frameSource{delay: time.Millisecond}
	r := videoGate(stream, ctrl)(src)

	stream.SetVideoEnabled(false)
	got := make(chan image.Image, 1)
	go func() {
		img, release, err := r.Read()
		if err == nil {
			release()
			got <- img
		}
	}()

	select {
	case <-got:
		t.Fatal("frame delivered while video disabled")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Greater(t, src.releasedCount(), 0, "disabled frames should be released, not buffered")

	stream.SetVideoEnabled(true)
	select {
	case img := <-got:
		assert.NotNil(t, img)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after re-enabling video")
	}
}

func TestVideoGatePacesToFramerateTarget(t *testing.T) {
	stream := NewCaptureStream()
	ctrl := NewCaptureControl(zap.NewNop())
	require.NoError(t, ctrl.SetMaxFramerate(10))

	now := time.Unix(100, 0)
	src := &frameSource{frames: 4}
	r := videoGateAt(stream, ctrl, func() time.Time { return now })(src)

	_, release, err := r.Read()
	require.NoError(t, err)
	release()

	// Within the 100ms frame interval everything is dropped; the source
	// runs dry before the next slot opens.
	_, _, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 3, src.releasedCount())
}

func TestVideoGateResumesAfterFrameInterval(t *testing.T) {
	stream := NewCaptureStream()
	ctrl := NewCaptureControl(zap.NewNop())
	require.NoError(t, ctrl.SetMaxFramerate(10))

	now := time.Unix(100, 0)
	src := &frameSource{frames: 2}
	r := videoGateAt(stream, ctrl, func() time.Time { return now })(src)

	_, release, err := r.Read()
	require.NoError(t, err)
	release()

	now = now.Add(150 * time.Millisecond)
	_, release, err = r.Read()
	require.NoError(t, err)
	release()
}

func TestVideoGateDownscales(t *testing.T) {
	stream := NewCaptureStream()
	ctrl := NewCaptureControl(zap.NewNop())
	require.NoError(t, ctrl.SetResolutionScale(3))

	src := &frameSource{frames: 1}
	r := videoGate(stream, ctrl)(src)

	img, release, err := r.Read()
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 30, img.Bounds().Dx())
	assert.Equal(t, 20, img.Bounds().Dy())
}

func TestVideoGatePassesFullResolutionByDefault(t *testing.T) {
	stream := NewCaptureStream()
	ctrl := NewCaptureControl(zap.NewNop())

	src := &frameSource{frames: 1}
	r := videoGate(stream, ctrl)(src)

	img, release, err := r.Read()
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 90, img.Bounds().Dx())
	assert.Equal(t, 60, img.Bounds().Dy())
}
