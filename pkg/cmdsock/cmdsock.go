// Package cmdsock serves the local unix command socket. Operators (and the
// -status CLI mode) send one command per line and read one reply back.
package cmdsock

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Command is one request from the socket. The handler loop sends its reply
// on ResponseCh; an empty reply is still sent so the client is never left
// hanging.
type Command struct {
	Cmd        string
	ResponseCh chan string
}

// Listener accepts connections on the unix command socket.
type Listener struct {
	path    string
	cmdChan chan<- Command
	logger  zerolog.Logger

	ln net.Listener
}

// NewListener creates a new command socket listener.
func NewListener(path string, cmdChan chan<- Command, logger zerolog.Logger) *Listener {
	return &Listener{
		path:    path,
		cmdChan: cmdChan,
		logger:  logger.With().Str("component", "cmdsock").Logger(),
	}
}

// Start listens for connections until Close. Blocks.
func (l *Listener) Start() error {
	if l.path == "" {
		l.logger.Info().Msg("Command socket path is not configured, listener disabled")
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", l.path)
	if err != nil {
		return err
	}
	l.ln = ln
	l.logger.Info().Str("path", l.path).Msg("Command socket listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			l.logger.Error().Err(err).Msg("Failed to accept command socket connection")
			continue
		}
		go l.handleConnection(conn)
	}
}

// Close stops the listener and removes the socket file.
func (l *Listener) Close() {
	if l.ln != nil {
		l.ln.Close()
	}
	if l.path != "" {
		os.Remove(l.path)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		l.logger.Debug().Str("cmd", cmd).Msg("Received command")

		respCh := make(chan string, 1)
		l.cmdChan <- Command{Cmd: cmd, ResponseCh: respCh}
		resp := <-respCh
		if !strings.HasSuffix(resp, "\n") {
			resp += "\n"
		}
		if _, err := conn.Write([]byte(resp)); err != nil {
			l.logger.Error().Err(err).Msg("Failed to write command response")
			return
		}
	}
}

// Query sends a single command to a running daemon's socket and returns the
// reply. Used by the CLI status mode.
func Query(path, cmd string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", err
	}

	var b strings.Builder
	scanner := bufio.NewScanner(conn)
	if scanner.Scan() {
		b.WriteString(scanner.Text())
	}
	return b.String(), scanner.Err()
}
