package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	maxRTPPacket = 1500

	// bridgeReadTimeout lets the forwarding loops notice Stop.
	bridgeReadTimeout = 100 * time.Millisecond
)

// BridgeConfig describes the local end of call audio.
type BridgeConfig struct {
	Pool *PortPool // nil binds an ephemeral port
	// DeviceAddr is where the audio daemon receives the far end's voice.
	// Empty disables the device leg; line audio is then dropped.
	DeviceAddr string
	// DeviceListen is where the audio daemon sends the microphone stream.
	DeviceListen string
}

// BridgeStats counts forwarded and dropped packets.
type BridgeStats struct {
	LineToDevice uint64
	DeviceToLine uint64
	Dropped      uint64
}

// Bridge relays one call's RTP between the line and the audio daemon. The
// line address learned from the first valid packet replaces the one
// signalled in SDP, which keeps audio flowing behind NAT.
type Bridge struct {
	cfg    BridgeConfig
	logger *slog.Logger

	line     *net.UDPConn
	linePort int
	device   *net.UDPConn

	lineRemote   atomic.Pointer[net.UDPAddr]
	deviceRemote atomic.Pointer[net.UDPAddr]

	allowed map[uint8]struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
	once    sync.Once

	lineToDevice atomic.Uint64
	deviceToLine atomic.Uint64
	dropped      atomic.Uint64
}

// NewBridge binds the line port advertised in SDP and, when configured, the
// device socket.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{cfg: cfg, logger: logger.With("subsystem", "rtp-bridge")}

	var err error
	if cfg.Pool != nil {
		b.line, b.linePort, err = cfg.Pool.Allocate()
	} else {
		b.line, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
		if err == nil {
			b.linePort = b.line.LocalAddr().(*net.UDPAddr).Port
		}
	}
	if err != nil {
		return nil, fmt.Errorf("allocating line port: %w", err)
	}

	if cfg.DeviceAddr != "" {
		dst, err := net.ResolveUDPAddr("udp", cfg.DeviceAddr)
		if err != nil {
			b.releaseLine()
			return nil, fmt.Errorf("resolving audio device address: %w", err)
		}
		b.deviceRemote.Store(dst)

		listen := cfg.DeviceListen
		if listen == "" {
			listen = "127.0.0.1:0"
		}
		laddr, err := net.ResolveUDPAddr("udp", listen)
		if err != nil {
			b.releaseLine()
			return nil, fmt.Errorf("resolving audio device listen address: %w", err)
		}
		b.device, err = net.ListenUDP("udp", laddr)
		if err != nil {
			b.releaseLine()
			return nil, fmt.Errorf("binding audio device socket: %w", err)
		}
	}
	return b, nil
}

// LinePort is the RTP port to advertise to the far end.
func (b *Bridge) LinePort() int { return b.linePort }

// DeviceLocalAddr is the address the audio daemon should send to, or nil
// when the device leg is disabled.
func (b *Bridge) DeviceLocalAddr() *net.UDPAddr {
	if b.device == nil {
		return nil
	}
	return b.device.LocalAddr().(*net.UDPAddr)
}

// Start begins relaying once the far end's address and codec are known.
// Telephone events are always let through alongside the codec.
func (b *Bridge) Start(remote *net.UDPAddr, payloadType int) {
	b.lineRemote.Store(remote)
	b.allowed = map[uint8]struct{}{
		uint8(payloadType):    {},
		PayloadTelephoneEvent: {},
	}

	b.wg.Add(1)
	go b.forward("line→device", b.line, b.device, &b.deviceRemote, &b.lineRemote, &b.lineToDevice)
	if b.device != nil {
		b.wg.Add(1)
		go b.forward("device→line", b.device, b.line, &b.lineRemote, &b.deviceRemote, &b.deviceToLine)
	}

	b.logger.Info("rtp bridge started",
		"line_port", b.linePort,
		"line_remote", remote.String(),
		"payload_type", payloadType,
		"device", b.device != nil,
	)
}

// Stop ends relaying and releases both sockets. Safe to call more than once.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		b.stopped.Store(true)
		b.wg.Wait()
		b.releaseLine()
		if b.device != nil {
			b.device.Close()
		}
		s := b.Stats()
		b.logger.Info("rtp bridge stopped",
			"line_port", b.linePort,
			"line_to_device", s.LineToDevice,
			"device_to_line", s.DeviceToLine,
			"dropped", s.Dropped,
		)
	})
}

// Stats returns the packet counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		LineToDevice: b.lineToDevice.Load(),
		DeviceToLine: b.deviceToLine.Load(),
		Dropped:      b.dropped.Load(),
	}
}

func (b *Bridge) releaseLine() {
	if b.cfg.Pool != nil {
		b.cfg.Pool.Release(b.linePort, b.line)
		return
	}
	b.line.Close()
}

// forward copies valid RTP from src to dst toward writeRemote, learning the
// sender's address into learnRemote from the first accepted packet.
func (b *Bridge) forward(direction string, src, dst *net.UDPConn, writeRemote, learnRemote *atomic.Pointer[net.UDPAddr], counter *atomic.Uint64) {
	defer b.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var hdr rtp.Header
	learned := false
	for !b.stopped.Load() {
		src.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
		n, from, err := src.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !b.stopped.Load() {
				b.logger.Debug("rtp read error", "direction", direction, "error", err)
			}
			continue
		}

		if _, err := hdr.Unmarshal(buf[:n]); err != nil || hdr.Version != 2 {
			b.dropped.Add(1)
			continue
		}
		if _, ok := b.allowed[hdr.PayloadType]; !ok {
			b.dropped.Add(1)
			continue
		}

		if !learned {
			if old := learnRemote.Load(); old == nil || !old.IP.Equal(from.IP) || old.Port != from.Port {
				learnRemote.Store(from)
				b.logger.Info("learned rtp remote address", "direction", direction, "address", from.String())
			}
			learned = true
		}

		to := writeRemote.Load()
		if dst == nil || to == nil {
			b.dropped.Add(1)
			continue
		}
		if _, err := dst.WriteToUDP(buf[:n], to); err != nil {
			if !b.stopped.Load() {
				b.logger.Debug("rtp write error", "direction", direction, "error", err)
			}
			continue
		}
		counter.Add(1)
	}
}
