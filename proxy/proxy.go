// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proxy implements SerialProxy: a single-client TCP bridge to the
// serial port, grounded on the teacher's transport.go readLoop/writeLoop
// split, generalized to forward a net.Conn instead of an internal channel.
package proxy

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"
)

const (
	rtFeedHold = 0x21 // '!'
	rtReset    = 0x18
)

// In-band control messages, distinguishable from raw GRBL output by a fixed
// prefix.
const (
	msgConnectionRejected = "[coppercli] connection-rejected\r\n"
	msgSerialPortInUse    = "[coppercli] serial-port-in-use\r\n"
	msgForceDisconnect    = "[coppercli] force-disconnect\r\n"
)

// Config configures a SerialProxy instance.
type Config struct {
	SerialPortName      string
	Baud                int
	ListenPort          int
	SerialOpenTimeout   time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int
	HealthCheckInterval time.Duration
	AcceptPollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Baud:                115200,
		SerialOpenTimeout:    2 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		MaxMissedHeartbeats:  3,
		HealthCheckInterval:  5 * time.Second,
		AcceptPollInterval:   100 * time.Millisecond,
	}
}

// LocalPortInUse is consulted before accepting a client to see whether the
// web UI is driving the machine locally; the proxy and the local driver are
// mutually exclusive owners of the serial port.
type LocalPortInUse func() bool

// SerialProxy bridges exactly one TCP client to the serial port at a time.
type SerialProxy struct {
	cfg            Config
	localPortInUse LocalPortInUse

	listener net.Listener

	mu          sync.Mutex
	client      net.Conn
	clientID    uuid.UUID
	connectedAt time.Time
	serialPort  serial.Port

	bytesFromClient atomic.Int64
	bytesToClient   atomic.Int64

	forceDisconnectCh chan struct{}
	stopCh            chan struct{}
}

func New(cfg Config, localPortInUse LocalPortInUse) *SerialProxy {
	if cfg.SerialOpenTimeout <= 0 {
		cfg.SerialOpenTimeout = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.AcceptPollInterval <= 0 {
		cfg.AcceptPollInterval = 100 * time.Millisecond
	}
	return &SerialProxy{cfg: cfg, localPortInUse: localPortInUse, stopCh: make(chan struct{})}
}

// Start validates the serial port is openable, then starts the listener and
// accept loop.
func (p *SerialProxy) Start() error {
	port, err := serial.Open(p.cfg.SerialPortName, &serial.Mode{BaudRate: p.cfg.Baud})
	if err != nil {
		return fmt.Errorf("serial port %s not openable: %w", p.cfg.SerialPortName, err)
	}
	port.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", p.cfg.ListenPort, err)
	}
	p.listener = ln
	slog.Info("serial proxy listening", "port", p.cfg.ListenPort, "serial", p.cfg.SerialPortName)

	go p.acceptLoop()
	go p.healthLoop()
	return nil
}

func (p *SerialProxy) Stop() {
	close(p.stopCh)
	if p.listener != nil {
		p.listener.Close()
	}
	p.ForceDisconnectClient()
}

func (p *SerialProxy) HasClient() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

func (p *SerialProxy) BytesFromClient() int64 { return p.bytesFromClient.Load() }
func (p *SerialProxy) BytesToClient() int64   { return p.bytesToClient.Load() }

func (p *SerialProxy) ClientConnectedTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return 0
	}
	return time.Since(p.connectedAt)
}

func (p *SerialProxy) acceptLoop() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		type acceptResult struct {
			conn net.Conn
			err  error
		}
		resCh := make(chan acceptResult, 1)
		go func() {
			conn, err := p.listener.Accept()
			resCh <- acceptResult{conn, err}
		}()

		select {
		case <-p.stopCh:
			return
		case res := <-resCh:
			if res.err != nil {
				if !isClosedErr(res.err) {
					slog.Error("accept error", "error", res.err)
				}
				time.Sleep(p.cfg.AcceptPollInterval)
				continue
			}
			p.handleIncoming(res.conn)
		case <-time.After(p.cfg.AcceptPollInterval):
			continue
		}
	}
}

func isClosedErr(err error) bool {
	return err != nil && (err.Error() == "use of closed network connection" || err == net.ErrClosed)
}

func (p *SerialProxy) handleIncoming(conn net.Conn) {
	p.mu.Lock()
	if p.client != nil {
		p.mu.Unlock()
		conn.Write([]byte(msgConnectionRejected))
		conn.Close()
		return
	}
	p.mu.Unlock()

	if p.localPortInUse != nil && p.localPortInUse() {
		conn.Write([]byte(msgSerialPortInUse))
		conn.Close()
		return
	}

	port, err := openSerialWithTimeout(p.cfg.SerialPortName, p.cfg.Baud, p.cfg.SerialOpenTimeout)
	if err != nil {
		slog.Error("failed to open serial port for proxy client", "error", err)
		conn.Close()
		return
	}

	id := uuid.New()
	fdCh := make(chan struct{})
	p.mu.Lock()
	p.client = conn
	p.clientID = id
	p.connectedAt = time.Now()
	p.serialPort = port
	p.forceDisconnectCh = fdCh
	p.mu.Unlock()
	p.bytesFromClient.Store(0)
	p.bytesToClient.Store(0)
	slog.Info("proxy client connected", "client_id", id, "remote", conn.RemoteAddr())

	done := make(chan struct{}, 2)
	go p.serialToTCP(conn, port, done)
	go p.tcpToSerial(conn, port, done)

	<-done
	<-done

	p.disconnectSafety(port)
	port.Close()
	conn.Close()

	p.mu.Lock()
	p.client = nil
	p.serialPort = nil
	p.mu.Unlock()
	slog.Info("proxy client disconnected", "client_id", id)
}

func openSerialWithTimeout(name string, baud int, timeout time.Duration) (serial.Port, error) {
	type result struct {
		port serial.Port
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
		ch <- result{port, err}
	}()
	select {
	case r := <-ch:
		return r.port, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out opening serial port %s", name)
	}
}

// serialToTCP reads available bytes from serial and writes them to the
// socket.
func (p *SerialProxy) serialToTCP(conn net.Conn, port serial.Port, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 4096)
	port.SetReadTimeout(200 * time.Millisecond)
	for {
		select {
		case <-p.forceDisconnectCh:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			slog.Error("proxy serial read error", "error", err)
			return
		}
		if n == 0 {
			continue
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return
		}
		p.bytesToClient.Add(int64(n))
	}
}

// tcpToSerial reads from the socket with a short poll; on a zero-byte read
// the peer closed. Resets heartbeat tracking on any data and issues
// keepalive status queries when idle.
func (p *SerialProxy) tcpToSerial(conn net.Conn, port serial.Port, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	reader := bufio.NewReader(conn)
	lastData := time.Now()
	missedHeartbeats := 0

	readCh := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			readCh <- cp
		}
	}()

	for {
		select {
		case <-p.forceDisconnectCh:
			return
		case err := <-errCh:
			slog.Info("proxy client connection closed", "error", err)
			return
		case data := <-readCh:
			if len(data) == 0 {
				return
			}
			lastData = time.Now()
			missedHeartbeats = 0
			p.bytesFromClient.Add(int64(len(data)))
			port.Write(data)
		case <-time.After(p.cfg.HeartbeatInterval / 4):
			if time.Since(lastData) >= p.cfg.HeartbeatInterval {
				missedHeartbeats++
				if missedHeartbeats > p.cfg.MaxMissedHeartbeats {
					slog.Warn("proxy client missed heartbeats, disconnecting")
					return
				}
				port.Write([]byte{'?'})
				lastData = time.Now()
			}
		}
	}
}

// disconnectSafety writes FeedHold then SoftReset, 100ms apart, guaranteeing
// the machine stops on client disconnect.
func (p *SerialProxy) disconnectSafety(port serial.Port) {
	port.Write([]byte{rtFeedHold})
	time.Sleep(100 * time.Millisecond)
	port.Write([]byte{rtReset})
}

// ForceDisconnectClient sends an in-band message, shuts down the send half,
// delays, and closes the socket so the client can cleanly exit.
func (p *SerialProxy) ForceDisconnectClient() {
	p.mu.Lock()
	conn := p.client
	fdCh := p.forceDisconnectCh
	p.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Write([]byte(msgForceDisconnect))
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
	time.Sleep(200 * time.Millisecond)
	if fdCh != nil {
		close(fdCh)
	}
	conn.Close()
}

// healthLoop periodically verifies the listener is still bound, rebinding
// if not (important after OS suspend/resume).
func (p *SerialProxy) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkListenerHealth()
		}
	}
}

func (p *SerialProxy) checkListenerHealth() {
	if p.listener == nil {
		return
	}
	if tcpListener, ok := p.listener.(*net.TCPListener); ok {
		if _, err := tcpListener.SyscallConn(); err != nil {
			p.rebindListener()
		}
	}
}

func (p *SerialProxy) rebindListener() {
	slog.Warn("proxy listener unhealthy, rebinding", "port", p.cfg.ListenPort)
	if p.listener != nil {
		p.listener.Close()
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.cfg.ListenPort))
	if err != nil {
		slog.Error("failed to rebind proxy listener", "error", err)
		return
	}
	p.listener = ln
}
