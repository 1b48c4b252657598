package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const fileChunkFrames = 1024

// FileContext replays a WAV file as if it were a capture device. It backs the
// "file" audio source and tests.
type FileContext struct {
	pcm      []byte
	format   Format
	realtime bool
}

// NewFileContext decodes a PCM WAV file. When realtime is set, playback is
// paced at the file's sample rate.
func NewFileContext(path string, realtime bool) (*FileContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return newFileContextFromBuffer(buf, int(dec.BitDepth), realtime)
}

func newFileContextFromBuffer(buf *goaudio.IntBuffer, bitDepth int, realtime bool) (*FileContext, error) {
	if buf == nil || buf.Format == nil {
		return nil, errors.New("wav buffer has no format")
	}
	shift := bitDepth - 16
	pcm := make([]byte, len(buf.Data)*2)
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v = (v - 128) << 8 // 8-bit wav is unsigned
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return &FileContext{
		pcm: pcm,
		format: Format{
			SampleRate: uint32(buf.Format.SampleRate),
			Channels:   uint32(buf.Format.NumChannels),
		},
		realtime: realtime,
	}, nil
}

func (f *FileContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "file", Name: "wav file"}}, nil
}

func (f *FileContext) Close() {}

// NewCapture ignores the requested format and loopback flag; the file's own
// format is reported through Format.
func (f *FileContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &fileCapture{pcm: f.pcm, format: f.format, realtime: f.realtime}, nil
}

type fileCapture struct {
	pcm      []byte
	format   Format
	realtime bool

	mu     sync.Mutex
	cb     DataCallback
	stopCh chan struct{}
	done   chan struct{}
}

func (c *fileCapture) SetCallback(cb DataCallback) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *fileCapture) ClearCallback() {
	c.mu.Lock()
	c.cb = nil
	c.mu.Unlock()
}

func (c *fileCapture) callback() DataCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *fileCapture) Format() Format { return c.format }

func (c *fileCapture) DeviceName() string { return "wav file" }

// Done is closed once the whole file has been delivered or Stop was called.
func (c *fileCapture) Done() <-chan struct{} { return c.done }

func (c *fileCapture) Start() error {
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stopCh, c.done

	channels := int(max(c.format.Channels, 1))
	chunkBytes := fileChunkFrames * channels * 2
	var interval time.Duration
	if c.realtime && c.format.SampleRate > 0 {
		interval = time.Duration(fileChunkFrames) * time.Second / time.Duration(c.format.SampleRate)
	}

	go func() {
		defer close(done)
		for pos := 0; pos < len(c.pcm); pos += chunkBytes {
			select {
			case <-stop:
				return
			default:
			}
			end := min(pos+chunkBytes, len(c.pcm))
			chunk := make([]byte, end-pos)
			copy(chunk, c.pcm[pos:end])
			if cb := c.callback(); cb != nil {
				cb(chunk, uint32(len(chunk)/(channels*2)))
			}
			if interval > 0 {
				select {
				case <-stop:
					return
				case <-time.After(interval):
				}
			}
		}
	}()
	return nil
}

func (c *fileCapture) Stop() {
	if c.stopCh == nil {
		return
	}
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.done
}

func (c *fileCapture) Close() { c.Stop() }
