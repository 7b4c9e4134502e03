package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner draws a one-line spinner until stopped. It does not own the
// terminal, so it must not run alongside a TransferView.
type Spinner struct {
	out      io.Writer
	frames   []string
	interval time.Duration

	mu      sync.Mutex
	message string
	done    chan struct{}
	exited  chan struct{}
	stopped bool
}

func newSpinner(s spinner.Spinner, message string) *Spinner {
	return &Spinner{
		out:      os.Stdout,
		frames:   s.Frames,
		interval: s.FPS,
		message:  message,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// NewSpinner is for local work.
func NewSpinner(message string) *Spinner { return newSpinner(spinner.Dot, message) }

// NewNetworkSpinner is for calls to the record server.
func NewNetworkSpinner(message string) *Spinner { return newSpinner(spinner.Globe, message) }

// NewWaitingSpinner is for waiting on the other peer.
func NewWaitingSpinner(message string) *Spinner { return newSpinner(spinner.Points, message) }

func (s *Spinner) Start() *Spinner {
	go func() {
		defer close(s.exited)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			s.mu.Lock()
			fmt.Fprintf(s.out, "\r\033[K%s %s", SpinnerStyle.Render(s.frames[i%len(s.frames)]), s.message)
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// SetMessage replaces the text next to the spinner.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop clears the line. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	s.mu.Unlock()

	<-s.exited
	fmt.Fprint(s.out, "\r\033[K")
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *Spinner) Fail(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render(IconError), message)
}

// RunSpinner starts a spinner and returns its stop function.
func RunSpinner(message string) func() {
	return NewSpinner(message).Start().Stop
}

func RunNetworkSpinner(message string) func() {
	return NewNetworkSpinner(message).Start().Stop
}
