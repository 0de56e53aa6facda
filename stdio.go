package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StdioTransport runs a server as a subprocess and exchanges newline-delimited JSON frames
// over its standard input and output.
//
// Writes are queued to a single writer goroutine so concurrent Send calls never interleave.
// Close closes the child's stdin, sends SIGTERM and waits up to ServerConfig.ShutdownGrace
// before killing the process.
type StdioTransport struct {
	*lifecycle

	cfg    ServerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	writeMessages chan stdioMessage
	frames        chan []byte

	exited      chan struct{}
	waitErr     error
	readClosed  chan struct{}
	writeClosed chan struct{}
	closeDone   chan struct{}
}

type stdioMessage struct {
	msg  []byte
	errs chan error
}

// NewStdioTransport creates an unopened stdio transport for cfg.
func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		lifecycle:     newLifecycle(),
		cfg:           cfg,
		logger:        logger.With(slog.String("transport", string(TransportStdio))),
		writeMessages: make(chan stdioMessage),
		frames:        make(chan []byte),
		exited:        make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
		closeDone:     make(chan struct{}),
	}
}

// Open starts the subprocess. A missing executable is KindTransportNotFound and a
// non-executable one is KindPermissionDenied, both fatal.
func (s *StdioTransport) Open(ctx context.Context) error {
	done, err := s.beginOpen()
	if err != nil {
		return err
	}
	defer done()

	if err := ctx.Err(); err != nil {
		return classifyDialError("open", err)
	}

	path, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return classifySpawnError("open", err)
	}

	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newError(KindProcessExited, "open", fmt.Errorf("failed to create stdin pipe: %w", err))
	}

	// stdout is an explicit pipe so that cmd.Wait does not close our read end while frames
	// are still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return newError(KindProcessExited, "open", fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	cmd.Stdout = stdoutW

	var stderrR *os.File
	if s.cfg.Stderr != nil {
		cmd.Stderr = s.cfg.Stderr
	} else {
		var stderrW *os.File
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return newError(KindProcessExited, "open", fmt.Errorf("failed to create stderr pipe: %w", err))
		}
		cmd.Stderr = stderrW
		defer stderrW.Close()
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		if stderrR != nil {
			stderrR.Close()
		}
		return classifySpawnError("open", err)
	}
	stdoutW.Close()

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdoutR

	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	if stderrR != nil {
		go s.logStderr(stderrR)
	}

	if !s.markOpened() {
		// Close ran while the process was starting.
		s.terminate()
		stdoutR.Close()
		return newError(KindCancelled, "open", errTransportClosed)
	}

	s.logger.Debug("started server process",
		slog.String("command", s.cfg.Command),
		slog.Int("pid", cmd.Process.Pid))

	go s.processWriteMessages()
	go s.readFrames()

	return nil
}

// Send queues frame for writing and waits until it has been written to the child's stdin.
func (s *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if !s.isOpened() {
		return newError(KindConnectionLost, "send", errNotOpened)
	}

	// Append newline to maintain message framing protocol
	msg := make([]byte, 0, len(frame)+1)
	msg = append(msg, bytes.TrimRight(frame, "\r\n")...)
	msg = append(msg, '\n')

	ioMsg := stdioMessage{
		msg:  msg,
		errs: make(chan error, 1),
	}

	// Queue the message for sending to avoid interleaved writes.
	select {
	case <-ctx.Done():
		return classifyDialError("send", ctx.Err())
	case <-s.done:
		return newError(KindConnectionLost, "send", errTransportClosed)
	case s.writeMessages <- ioMsg:
	}

	// Wait for the resulting error channel to receive the error.
	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return newError(KindConnectionLost, "send", err)
		}
		return nil
	case <-ctx.Done():
		return classifyDialError("send", ctx.Err())
	case <-s.done:
		return newError(KindConnectionLost, "send", errTransportClosed)
	}
}

// Receive yields every non-empty line the server writes to stdout.
func (s *StdioTransport) Receive() iter.Seq[[]byte] {
	return frameSeq(s.frames)
}

// Close terminates the subprocess. Calls after the first wait for it to finish.
func (s *StdioTransport) Close() error {
	if !s.markClosed() {
		<-s.closeDone
		return nil
	}
	defer close(s.closeDone)

	if !s.isOpened() {
		close(s.frames)
		return nil
	}

	s.stdin.Close()
	s.terminate()
	s.stdout.Close()

	<-s.readClosed
	<-s.writeClosed
	return nil
}

// terminate asks the process to exit and kills it after the grace period.
func (s *StdioTransport) terminate() {
	select {
	case <-s.exited:
		return
	default:
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signals other than kill are unsupported on some platforms.
		_ = s.cmd.Process.Kill()
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-s.exited:
	case <-timer.C:
		s.logger.Warn("server process did not terminate gracefully, killing",
			slog.String("command", s.cfg.Command))
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
}

func (s *StdioTransport) readFrames() {
	defer close(s.readClosed)
	defer close(s.frames)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.stdout)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			select {
			case s.frames <- line:
			case <-s.done:
				return
			}
		}
		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			s.logger.Warn("failed to read from server stdout", slog.String("err", err.Error()))
		}
		break
	}

	// stdout is closed; the process is gone or about to be.
	grace := time.NewTimer(s.cfg.ShutdownGrace + time.Second)
	defer grace.Stop()
	select {
	case <-s.exited:
	case <-s.done:
		return
	case <-grace.C:
		s.setErr(newError(KindConnectionLost, "receive", errors.New("server closed stdout but kept running")))
		return
	}
	exitErr := s.waitErr
	if exitErr == nil {
		exitErr = errors.New("process exited with status 0")
	}
	s.setErr(newError(KindProcessExited, "receive", exitErr))
}

func (s *StdioTransport) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the transport is closed.
		var msg stdioMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.stdin.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *StdioTransport) logStderr(r *os.File) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		s.logger.Info("server stderr", slog.String("line", scanner.Text()))
	}
}

// mergeEnv appends overrides to base; exec keeps the last value of duplicate keys.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	env = append(env, base...)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
