package sshx

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// ShellSession is an interactive PTY-backed shell on a remote host.
// Output is delivered on a channel so the terminal manager can fan it
// out to any number of watchers.
type ShellSession struct {
	sess  *ssh.Session
	stdin io.WriteCloser

	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Shell opens an interactive shell with a PTY of the given size.
func (c *Client) Shell(term string, rows, cols int) (*ShellSession, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, &ConnectivityError{Host: c.host, Err: err}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if term == "" {
		term = "xterm-256color"
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &ShellSession{
		sess:  sess,
		stdin: stdin,
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	go s.pump(io.MultiReader(stdout, stderr))
	return s, nil
}

// pump copies remote output onto the out channel until the shell ends.
func (s *ShellSession) pump(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.out <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.setErr(err)
			}
			s.Close()
			return
		}
	}
}

// Write sends keystrokes to the remote shell.
func (s *ShellSession) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return s.stdin.Write(p)
}

// Resize adjusts the remote PTY dimensions.
func (s *ShellSession) Resize(rows, cols int) error {
	return s.sess.WindowChange(rows, cols)
}

// Output is the stream of remote shell output. It is never closed; use
// Done to detect session end.
func (s *ShellSession) Output() <-chan []byte { return s.out }

// Done is closed when the session ends, locally or remotely.
func (s *ShellSession) Done() <-chan struct{} { return s.done }

// Err reports the failure that ended the session, if any. A clean
// remote exit leaves it nil.
func (s *ShellSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *ShellSession) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close ends the session. Safe to call more than once and from
// multiple goroutines.
func (s *ShellSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stdin.Close()
		s.sess.Close()
	})
	return nil
}
