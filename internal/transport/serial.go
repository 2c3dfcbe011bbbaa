package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sigurn/crc16"
	"github.com/tarm/serial"

	"satlink/internal/config"
)

// urcPrefix marks unsolicited result code lines in both modem families.
const urcPrefix = "%EVNT:"

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// SerialPort is a Port over a serial device. A background reader splits the
// byte stream into lines and routes URC lines to their own channel so an
// asynchronous notification arriving mid-command never corrupts a response.
type SerialPort struct {
	mu   sync.Mutex // serializes Send; the modem is non-pipelined
	port *serial.Port
	log  zerolog.Logger

	crc bool

	lines  chan string
	urcs   chan string
	closed chan struct{}
	once   sync.Once
}

// OpenSerial opens the modem serial device and starts the reader.
func OpenSerial(cfg config.SerialConfig, log zerolog.Logger) (*SerialPort, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		Parity:      serial.ParityNone,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}

	s := &SerialPort{
		port:   port,
		log:    log.With().Str("component", "serial").Logger(),
		crc:    cfg.CRC,
		lines:  make(chan string, 32),
		urcs:   make(chan string, 32),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	s.log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Bool("crc", cfg.CRC).
		Msg("serial port opened")
	return s, nil
}

// Send writes one command and collects the response until OK or ERROR.
func (s *SerialPort) Send(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return "", ErrClosed
	default:
	}

	// Drop stale solicited lines from a previously timed-out exchange.
	s.drainLines()

	wire := cmd
	if s.crc {
		wire = appendCRC(cmd)
	}
	if _, err := s.port.Write([]byte(wire + "\r")); err != nil {
		return "", &Error{Kind: KindNak, Msg: "write " + cmd, Err: err}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	var resp strings.Builder
	for {
		select {
		case line := <-s.lines:
			if s.crc {
				stripped, valid := verifyCRC(line)
				if !valid {
					return "", &Error{Kind: KindNak, Msg: "response CRC mismatch"}
				}
				line = stripped
			}
			resp.WriteString(line)
			resp.WriteString("\n")
			if line == "OK" || strings.HasPrefix(line, "ERROR") {
				return resp.String(), nil
			}
		case <-ctx.Done():
			return "", &Error{Kind: KindTimeout, Msg: cmd, Err: ctx.Err()}
		case <-time.After(time.Until(deadline)):
			return "", &Error{Kind: KindTimeout, Msg: cmd}
		case <-s.closed:
			return "", ErrClosed
		}
	}
}

// URCs returns the unsolicited result code channel.
func (s *SerialPort) URCs() <-chan string { return s.urcs }

// Close stops the reader and closes the device.
func (s *SerialPort) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.port.Close()
	})
	return err
}

func (s *SerialPort) drainLines() {
	for {
		select {
		case line := <-s.lines:
			s.log.Debug().Str("line", line).Msg("discarding stale line")
		default:
			return
		}
	}
}

// readLoop splits the serial stream into lines and routes them. URC lines
// always go to the urcs channel, even when a command is in flight.
func (s *SerialPort) readLoop() {
	buf := make([]byte, 256)
	var pending strings.Builder

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Error().Err(err).Msg("serial read failed")
			}
			return
		}
		if n == 0 {
			// tarm/serial read timeout; keep polling
			continue
		}

		pending.Write(buf[:n])
		text := pending.String()
		for {
			idx := strings.IndexAny(text, "\r\n")
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(text[:idx])
			text = text[idx+1:]
			if line == "" {
				continue
			}
			s.route(line)
		}
		pending.Reset()
		pending.WriteString(text)
	}
}

func (s *SerialPort) route(line string) {
	stripped := line
	if s.crc {
		if clean, valid := verifyCRC(line); valid {
			stripped = clean
		}
	}
	if strings.HasPrefix(stripped, urcPrefix) {
		select {
		case s.urcs <- stripped:
		default:
			s.log.Warn().Str("urc", stripped).Msg("urc channel full, dropping")
		}
		return
	}
	select {
	case s.lines <- line:
	default:
		s.log.Warn().Str("line", line).Msg("response channel full, dropping")
	}
}

// appendCRC appends the *HHHH CRC-16/CCITT-FALSE trailer used by the IDP
// family's checksummed command mode.
func appendCRC(cmd string) string {
	sum := crc16.Checksum([]byte(cmd), crcTable)
	return fmt.Sprintf("%s*%04X", cmd, sum)
}

// verifyCRC checks and strips a *HHHH trailer. Lines without a trailer are
// accepted unchanged; the modem omits the trailer on bare OK in some firmware.
func verifyCRC(line string) (string, bool) {
	idx := strings.LastIndex(line, "*")
	if idx < 0 || len(line)-idx != 5 {
		return line, true
	}
	body, trailer := line[:idx], line[idx+1:]
	var want uint16
	if _, err := fmt.Sscanf(trailer, "%04X", &want); err != nil {
		return line, true
	}
	return body, crc16.Checksum([]byte(body), crcTable) == want
}
