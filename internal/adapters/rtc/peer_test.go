package rtc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/logging"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionPeer_OfferCarriesAudioAndData(t *testing.T) {
	api, err := NewAPI(logging.NewPionFactory())
	require.NoError(t, err)

	p, err := PionPeers(api, nil)(PeerConfig{DataChannelLabel: "SLData", Region: "r1"}, PeerHandlers{})
	require.NoError(t, err)
	defer p.Close()

	offer, err := p.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=application")
	assert.Contains(t, offer, "opus")
	require.NoError(t, validateAnswer(offer))

	assert.ErrorIs(t, p.Send([]byte("{}")), ErrDataChannelClosed)
}

func TestMicTrack_MutedDropsPackets(t *testing.T) {
	m := &micTrack{}
	m.setMuted(true)
	assert.NoError(t, m.WriteRTP(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}}))
}

type packetLog struct {
	mu   sync.Mutex
	seqs []uint16
}

func (l *packetLog) WriteRTP(pkt *rtp.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seqs = append(l.seqs, pkt.SequenceNumber)
	return nil
}

// scriptedSource hands out its packets in order, then io.EOF.
type scriptedSource struct {
	packets []*rtp.Packet
	before  func(i int)
	next    int
}

func (s *scriptedSource) ReadRTP(context.Context) (*rtp.Packet, error) {
	if s.next >= len(s.packets) {
		return nil, io.EOF
	}
	if s.before != nil {
		s.before(s.next)
	}
	pkt := s.packets[s.next]
	s.next++
	return pkt, nil
}

func TestPumpMic_MuteGatesThePump(t *testing.T) {
	out := &packetLog{}
	mic := &micTrack{track: out}
	src := &scriptedSource{}
	for seq := uint16(1); seq <= 6; seq++ {
		src.packets = append(src.packets, &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}})
	}
	src.before = func(i int) {
		switch i {
		case 2:
			mic.setMuted(true)
		case 4:
			mic.setMuted(false)
		}
	}

	pumpMic(context.Background(), src, mic, zerolog.Nop())
	assert.Equal(t, []uint16{1, 2, 5, 6}, out.seqs)
}

func TestPumpMic_StopsWithContext(t *testing.T) {
	out := &packetLog{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pumpMic(ctx, NewSilenceSource(), &micTrack{track: out}, zerolog.Nop())
		close(done)
	}()

	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.seqs) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
}

func TestSilenceSource_FramesAdvance(t *testing.T) {
	src := NewSilenceSource()
	ctx := context.Background()

	a, err := src.ReadRTP(ctx)
	require.NoError(t, err)
	b, err := src.ReadRTP(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.SequenceNumber+1, b.SequenceNumber)
	assert.Equal(t, a.Timestamp+opusFrameTicks, b.Timestamp)
	assert.Equal(t, uint8(opusPayload), b.PayloadType)
	assert.Equal(t, opusSilence, b.Payload)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.ReadRTP(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
