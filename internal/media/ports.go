package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPool hands out even-numbered RTP ports from a fixed range. The odd
// companion port is left for RTCP and never bound.
type PortPool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu        sync.Mutex
	allocated map[int]struct{}
	nextPort  int
}

// NewPortPool creates a pool over [portMin, portMax]. portMin must be even.
func NewPortPool(portMin, portMax int, logger *slog.Logger) (*PortPool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("rtp port min must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("rtp port max (%d) must be greater than min (%d)", portMax, portMin)
	}

	l := logger.With("subsystem", "rtp-ports")
	l.Info("rtp port pool initialized", "port_min", portMin, "port_max", portMax, "capacity", (portMax-portMin+1)/2)

	return &PortPool{
		portMin:   portMin,
		portMax:   portMax,
		logger:    l,
		allocated: make(map[int]struct{}),
		nextPort:  portMin,
	}, nil
}

// Allocate binds the next free port in the range.
func (p *PortPool) Allocate() (*net.UDPConn, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := (p.portMax - p.portMin + 1) / 2
	if len(p.allocated) >= capacity {
		return nil, 0, fmt.Errorf("no rtp ports available (all %d allocated)", capacity)
	}

	start := p.nextPort
	for {
		port := p.nextPort
		p.nextPort += 2
		if p.nextPort > p.portMax-1 {
			p.nextPort = p.portMin
		}

		if _, taken := p.allocated[port]; !taken {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
			if err == nil {
				p.allocated[port] = struct{}{}
				p.logger.Debug("rtp port allocated", "port", port, "allocated", len(p.allocated))
				return conn, port, nil
			}
			p.logger.Debug("rtp port bind failed, trying next", "port", port, "error", err)
		}

		if p.nextPort == start {
			return nil, 0, fmt.Errorf("no bindable rtp ports available")
		}
	}
}

// Release closes conn and returns its port to the pool.
func (p *PortPool) Release(port int, conn *net.UDPConn) {
	if conn != nil {
		conn.Close()
	}
	p.mu.Lock()
	delete(p.allocated, port)
	p.mu.Unlock()
}

// InUse returns the number of allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
