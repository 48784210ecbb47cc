package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andydunstall/mesh/pkg/log"
)

// UDP is a transport sending each message as a single UDP packet.
type UDP struct {
	ln net.PacketConn

	advertiseAddr string

	maxPacketSize int

	metrics *Metrics

	logger log.Logger
}

func NewUDP(
	ln net.PacketConn,
	advertiseAddr string,
	maxPacketSize int,
	logger log.Logger,
) *UDP {
	if advertiseAddr == "" {
		advertiseAddr = ln.LocalAddr().String()
	}
	return &UDP{
		ln:            ln,
		advertiseAddr: advertiseAddr,
		maxPacketSize: maxPacketSize,
		metrics:       newMetrics(),
		logger:        logger.WithSubsystem("transport"),
	}
}

func (t *UDP) Addr() string {
	return t.advertiseAddr
}

func (t *UDP) Send(ctx context.Context, addr string, b []byte) error {
	if len(b) > t.maxPacketSize {
		t.metrics.PacketsDropped.With(prometheus.Labels{"reason": "oversize"}).Inc()
		return fmt.Errorf("packet too large: %d > %d", len(b), t.maxPacketSize)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp: %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = t.ln.SetWriteDeadline(deadline)

	if _, err = t.ln.WriteTo(b, udpAddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("write packet: %s: %w", addr, err)
	}

	t.metrics.PacketBytesOutbound.Add(float64(len(b)))
	t.metrics.PacketsOutbound.Inc()
	return nil
}

// Serve reads packets until the transport is closed.
func (t *UDP) Serve(h Handler) error {
	t.logger.Info("starting udp transport", zap.String("addr", t.ln.LocalAddr().String()))

	// Add headroom so oversized packets are detected rather than silently
	// truncated.
	readBuf := make([]byte, t.maxPacketSize+1)
	for {
		n, addr, err := t.ln.ReadFrom(readBuf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.logger.Warn("failed to read packet", zap.Error(err))
			continue
		}

		if n > t.maxPacketSize {
			t.metrics.PacketsDropped.With(prometheus.Labels{"reason": "oversize"}).Inc()
			t.logger.Debug(
				"dropped oversized packet",
				zap.String("addr", addr.String()),
			)
			continue
		}

		t.metrics.PacketBytesInbound.Add(float64(n))
		t.metrics.PacketsInbound.Inc()

		b := make([]byte, n)
		copy(b, readBuf[:n])
		h(addr.String(), b)
	}
}

func (t *UDP) Close() error {
	return t.ln.Close()
}

func (t *UDP) Metrics() *Metrics {
	return t.metrics
}

var _ Transport = &UDP{}
