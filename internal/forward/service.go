package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/postalsys/pfd-agent/internal/logging"
	"github.com/postalsys/pfd-agent/internal/metrics"
	"github.com/postalsys/pfd-agent/internal/recovery"
)

const (
	headerVersion = 1

	// MaxServiceNameLen is the longest service name a header can carry.
	MaxServiceNameLen = 255

	// DefaultDialTimeout bounds the dial to a local service.
	DefaultDialTimeout = 10 * time.Second

	headerTimeout = 10 * time.Second
)

// Reply codes sent back after the service header.
const (
	replyOK byte = iota
	replyUnknownService
	replyDialFailed
	replyBadRequest
	replyBusy
)

var (
	// ErrUnknownService is returned when the remote does not expose the service.
	ErrUnknownService = errors.New("unknown service")

	// ErrServiceUnavailable is returned when the remote could not reach the service.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrBadHeader is returned for a malformed service header or reply.
	ErrBadHeader = errors.New("malformed service header")
)

// RequestService writes the service header on conn and waits for the reply.
// On success conn carries the service's byte stream.
func RequestService(conn net.Conn, service string) error {
	if service == "" || len(service) > MaxServiceNameLen {
		return fmt.Errorf("%w: service name length %d", ErrBadHeader, len(service))
	}

	conn.SetDeadline(time.Now().Add(headerTimeout))
	defer conn.SetDeadline(time.Time{})

	buf := make([]byte, 0, 2+len(service))
	buf = append(buf, headerVersion, byte(len(service)))
	buf = append(buf, service...)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write service header: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("read service reply: %w", err)
	}

	switch reply[0] {
	case replyOK:
		return nil
	case replyUnknownService:
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	case replyDialFailed, replyBusy:
		return fmt.Errorf("%w: %s", ErrServiceUnavailable, service)
	default:
		return fmt.Errorf("%w: reply code %d", ErrBadHeader, reply[0])
	}
}

func readServiceHeader(conn net.Conn) (string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return "", err
	}
	if hdr[0] != headerVersion || hdr[1] == 0 {
		return "", fmt.Errorf("%w: version %d length %d", ErrBadHeader, hdr[0], hdr[1])
	}
	name := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, name); err != nil {
		return "", err
	}
	return string(name), nil
}

// ServiceConfig configures the serving side.
type ServiceConfig struct {
	// Services maps service names to local TCP addresses.
	Services map[string]string

	DialTimeout time.Duration

	// MaxConnections limits concurrent relays (0 = unlimited).
	MaxConnections int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ServiceDialer relays incoming overlay streams to local services.
type ServiceDialer struct {
	services    map[string]string
	dialTimeout time.Duration
	maxConns    int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	connCount   atomic.Int64

	// dial is replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewServiceDialer creates a ServiceDialer.
func NewServiceDialer(cfg ServiceConfig) *ServiceDialer {
	services := make(map[string]string, len(cfg.Services))
	for name, addr := range cfg.Services {
		services[name] = addr
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	d := &ServiceDialer{
		services:    services,
		dialTimeout: timeout,
		maxConns:    cfg.MaxConnections,
		logger:      logging.Component(cfg.Logger, "service"),
		metrics:     cfg.Metrics,
	}
	var nd net.Dialer
	d.dial = nd.DialContext
	return d
}

// Target returns the local address of a service.
func (d *ServiceDialer) Target(service string) (string, bool) {
	addr, ok := d.services[service]
	return addr, ok
}

// Services returns the exposed service names, sorted.
func (d *ServiceDialer) Services() []string {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectionCount returns the number of active relays.
func (d *ServiceDialer) ConnectionCount() int64 {
	return d.connCount.Load()
}

// Serve reads the service header from conn, dials the service and relays
// until either side is done. conn is always closed on return.
func (d *ServiceDialer) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer recovery.RecoverWithLog(d.logger, "forward.ServiceDialer.Serve")

	conn.SetReadDeadline(time.Now().Add(headerTimeout))
	service, err := readServiceHeader(conn)
	if err != nil {
		d.logger.Debug("bad service header", logging.KeyError, err)
		conn.Write([]byte{replyBadRequest})
		return
	}
	conn.SetReadDeadline(time.Time{})

	logger := d.logger.With(logging.KeyService, service)

	target, ok := d.services[service]
	if !ok {
		logger.Warn("request for unknown service")
		d.metrics.RecordForwardingError("unknown_service")
		conn.Write([]byte{replyUnknownService})
		return
	}

	if d.maxConns > 0 && d.connCount.Load() >= int64(d.maxConns) {
		logger.Warn("service connection limit reached", "limit", d.maxConns)
		conn.Write([]byte{replyBusy})
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	local, err := d.dial(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		logger.Warn("dial service failed", logging.KeyAddress, target, logging.KeyError, err)
		d.metrics.RecordForwardingError("service_dial")
		conn.Write([]byte{replyDialFailed})
		return
	}
	defer local.Close()

	if _, err := conn.Write([]byte{replyOK}); err != nil {
		return
	}

	d.connCount.Add(1)
	d.metrics.RecordTunnelConnect()
	defer func() {
		d.connCount.Add(-1)
		d.metrics.RecordTunnelDisconnect()
	}()

	logger.Debug("service relay started", logging.KeyAddress, target)
	Relay(conn, local)
	logger.Debug("service relay finished", logging.KeyAddress, target)
}
