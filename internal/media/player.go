// Package media carries the phone's audio plumbing: SDP for the line and
// an RTP player that streams attention sounds and ringtones to the local
// audio daemon.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// samplesPerPacket is 20 ms of 8 kHz G.711, one byte per sample.
	samplesPerPacket = 160

	packetDuration = 20 * time.Millisecond

	// silencePCMU and silencePCMA pad the last packet of a sound.
	silencePCMU = 0xFF
	silencePCMA = 0xD5
)

// Player streams G.711 WAV sounds as RTP to one sink. Concurrent plays
// share one RTP stream; sequence numbers and timestamps stay monotonic.
type Player struct {
	conn      net.Conn
	soundsDir string
	logger    *slog.Logger

	mu   sync.Mutex
	ssrc uint32
	seq  uint16
	ts   uint32
}

// NewPlayer creates a player that writes packets to conn and resolves
// sound names to <soundsDir>/<name>.wav.
func NewPlayer(conn net.Conn, soundsDir string, logger *slog.Logger) *Player {
	return &Player{
		conn:      conn,
		soundsDir: soundsDir,
		logger:    logger.With("subsystem", "sound-player"),
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.UintN(65536)),
		ts:        rand.Uint32(),
	}
}

// DialPlayer connects a player to the audio daemon's RTP input at sinkAddr.
func DialPlayer(sinkAddr, soundsDir string, logger *slog.Logger) (*Player, error) {
	conn, err := net.Dial("udp", sinkAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing sound sink %s: %w", sinkAddr, err)
	}
	return NewPlayer(conn, soundsDir, logger), nil
}

// Close releases the sink connection.
func (p *Player) Close() error {
	return p.conn.Close()
}

// PlayResult holds the outcome of one playback.
type PlayResult struct {
	PacketsSent int
	Duration    time.Duration
}

// Play streams the named sound and blocks until it has been sent or ctx is
// cancelled. A cancelled playback returns ctx.Err().
func (p *Player) Play(ctx context.Context, name string) error {
	_, err := p.PlayFile(ctx, filepath.Join(p.soundsDir, name+".wav"))
	return err
}

// PlayFile streams a G.711 WAV file.
func (p *Player) PlayFile(ctx context.Context, path string) (*PlayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sound: %w", err)
	}
	defer f.Close()

	info, err := readWAVInfo(f)
	if err != nil {
		return nil, fmt.Errorf("parsing wav header: %w", err)
	}
	pt, err := info.payloadType()
	if err != nil {
		return nil, err
	}

	p.logger.Debug("playing sound", "path", path, "payload_type", pt, "duration", info.duration())
	return p.stream(ctx, f, pt, info.dataSize)
}

// stream sends r as 20 ms RTP packets paced against the wall clock.
func (p *Player) stream(ctx context.Context, r io.Reader, pt uint8, size uint32) (*PlayResult, error) {
	payload := make([]byte, samplesPerPacket)
	silence := byte(silencePCMU)
	if pt == PayloadPCMA {
		silence = silencePCMA
	}

	res := &PlayResult{}
	start := time.Now()
	remaining := size
	marker := true

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}

		want := min(remaining, samplesPerPacket)
		n, err := io.ReadFull(r, payload[:want])
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("reading audio data: %w", err)
			}
			break
		}
		for i := n; i < samplesPerPacket; i++ {
			payload[i] = silence
		}

		if err := p.send(pt, marker, payload); err != nil {
			return nil, err
		}
		marker = false
		res.PacketsSent++
		remaining -= uint32(n)

		if sleep := time.Duration(res.PacketsSent)*packetDuration - time.Since(start); sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
			}
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (p *Player) send(pt uint8, marker bool, payload []byte) error {
	p.mu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	p.ts += samplesPerPacket
	p.mu.Unlock()

	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling rtp packet: %w", err)
	}
	if _, err := p.conn.Write(buf); err != nil {
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	return nil
}
