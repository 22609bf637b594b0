package rtc

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// AudioSource yields encoded Opus packets for the outgoing track. ReadRTP
// blocks until a packet is ready and returns ctx.Err() once ctx is done.
type AudioSource interface {
	ReadRTP(ctx context.Context) (*rtp.Packet, error)
}

// SourceFactory opens one source per peer connection.
type SourceFactory func() AudioSource

const (
	opusFrame      = 20 * time.Millisecond
	opusFrameTicks = 960 // 20ms at the 48kHz RTP clock
	opusPayload    = 111
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type silenceSource struct {
	ticker *time.Ticker
	seq    uint16
	ts     uint32
}

// NewSilenceSource keeps the mic track flowing with silent frames until a
// capture device source is plugged in.
func NewSilenceSource() AudioSource {
	return &silenceSource{seq: uint16(rand.Uint32()), ts: rand.Uint32()}
}

func (s *silenceSource) ReadRTP(ctx context.Context) (*rtp.Packet, error) {
	if s.ticker == nil {
		s.ticker = time.NewTicker(opusFrame)
	}
	if err := ctx.Err(); err != nil {
		s.ticker.Stop()
		return nil, err
	}
	select {
	case <-ctx.Done():
		s.ticker.Stop()
		return nil, ctx.Err()
	case <-s.ticker.C:
	}
	s.seq++
	s.ts += opusFrameTicks
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayload,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: opusSilence,
	}, nil
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

// pumpMic copies packets from src to w until src ends or ctx is done.
func pumpMic(ctx context.Context, src AudioSource, w rtpWriter, logger zerolog.Logger) {
	var sent uint64
	for {
		pkt, err := src.ReadRTP(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("mic source")
			}
			logger.Debug().Uint64("packets", sent).Msg("mic pump stopped")
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Debug().Err(err).Msg("mic write")
			continue
		}
		sent++
	}
}
