// SPDX-License-Identifier: AGPL-3.0-or-later

// Package grbl implements the GRBL 1.1 wire protocol: the byte-stream Link,
// the Driver worker that owns it, and the observable machine state the rest
// of the control plane reads.
package grbl

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Link presents a bidirectional, line-oriented byte stream to the
// controller. It does not interpret payloads. It is the only component
// permitted to hold an OS handle to the controller; callers other than the
// Driver's worker must never read or write it directly.
type Link interface {
	// ReadLine blocks for at most timeout. It returns ok=false with no error
	// when the timeout elapses without a full line, and a nil line with
	// err == io.EOF when the remote side closed the stream.
	ReadLine(timeout time.Duration) (line string, ok bool, err error)
	WriteBytes(b []byte) error
	Close() error
}

type serialLink struct {
	port   serial.Port
	reader *bufio.Reader
}

// OpenSerial opens a serial port at the given baud rate. If dtr is true the
// DTR line is asserted after opening (most GRBL boards reset on DTR, which
// is usually desired before streaming a fresh session).
func OpenSerial(portName string, baud int, dtr bool) (Link, error) {
	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, classifySerialOpenError(portName, err)
	}
	if dtr {
		if err := port.SetDTR(true); err != nil {
			port.Close()
			return nil, newErr(KindTransport, "failed to set DTR", err)
		}
	}
	return &serialLink{port: port, reader: bufio.NewReader(port)}, nil
}

func classifySerialOpenError(portName string, err error) error {
	var portErr serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return newErr(KindTransport, LinkInvalidPort+": "+portName, err)
		case serial.PermissionDenied:
			return newErr(KindTransport, LinkUnauthorized+": "+portName, err)
		case serial.PortBusy:
			return newErr(KindTransport, LinkPortInUse+": "+portName, err)
		}
	}
	return newErr(KindTransport, "failed to open serial port "+portName, err)
}

func (l *serialLink) ReadLine(timeout time.Duration) (string, bool, error) {
	l.port.SetReadTimeout(timeout)
	line, err := l.reader.ReadString('\n')
	if err != nil {
		// go.bug.st/serial returns (0, nil) on read timeout rather than a
		// distinguishable error; ReadString surfaces that as io.EOF with a
		// partial (possibly empty) line. Treat an empty partial line as a
		// plain timeout, not a closed link; a non-empty partial line is
		// discarded the same way.
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		return "", false, newErr(KindTransport, "serial read error", err)
	}
	return line, true, nil
}

func (l *serialLink) WriteBytes(b []byte) error {
	_, err := l.port.Write(b)
	if err != nil {
		return newErr(KindTransport, "serial write error", err)
	}
	return nil
}

func (l *serialLink) Close() error {
	return l.port.Close()
}

type tcpLink struct {
	conn   net.Conn
	reader *bufio.Reader
}

// OpenTCP dials a TCP endpoint exposing a GRBL-compatible line stream
// (e.g. a network serial bridge).
func OpenTCP(addr string, port int) (Link, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			if errors.Is(err, net.ErrClosed) {
				return nil, newErr(KindTransport, LinkConnRefused+": "+target, err)
			}
		}
		return nil, newErr(KindTransport, "failed to connect to "+target, err)
	}
	return &tcpLink{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (l *tcpLink) ReadLine(timeout time.Duration) (string, bool, error) {
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := l.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return "", false, io.EOF
			}
			return line, true, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", false, nil
		}
		return "", false, newErr(KindTransport, "tcp read error", err)
	}
	return line, true, nil
}

func (l *tcpLink) WriteBytes(b []byte) error {
	_, err := l.conn.Write(b)
	if err != nil {
		return newErr(KindTransport, "tcp write error", err)
	}
	return nil
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}
