package rtc

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusFrameSamples  = 960 // 20ms at 48kHz
	opusPayloadType   = 111
	rtpMTU            = 1200
)

// opusSilence is a single Opus TOC frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceFeed plays Opus silence into an audio track. Agents have no
// capture device; the feed keeps outbound RTP flowing while a call is up.
type SilenceFeed struct {
	track      *LocalTrack
	packetizer rtp.Packetizer

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func NewSilenceFeed(track *LocalTrack) *SilenceFeed {
	return &SilenceFeed{
		track: track,
		packetizer: rtp.NewPacketizer(rtpMTU, opusPayloadType, rand.Uint32(),
			&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), 48000),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (f *SilenceFeed) Start() { go f.run() }

// Stop blocks until the feed goroutine has exited. Safe to call twice.
func (f *SilenceFeed) Stop() {
	f.once.Do(func() { close(f.stop) })
	<-f.done
}

// Done is closed once the feed has stopped writing.
func (f *SilenceFeed) Done() <-chan struct{} { return f.done }

func (f *SilenceFeed) run() {
	defer close(f.done)
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			err := f.writeFrame()
			if errors.Is(err, ErrTrackStopped) {
				return
			}
			if err != nil {
				log.Debug().Err(err).Str("module", "rtc").Str("track_id", f.track.Track.ID()).Msg("silence write failed")
			}
		}
	}
}

func (f *SilenceFeed) frame() []*rtp.Packet {
	return f.packetizer.Packetize(opusSilence, opusFrameSamples)
}

func (f *SilenceFeed) writeFrame() error {
	for _, pkt := range f.frame() {
		if err := f.track.WriteRTP(pkt); err != nil {
			return err
		}
	}
	return nil
}
