package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// UISpinner shows progress on interactive terminals and falls back to
// plain lines otherwise.
type UISpinner struct {
	sp    *spinner.Spinner
	plain bool
	out   io.Writer
}

// NewUISpinner starts a spinner with the given message. When stdout is not a
// terminal (or plain is set) the message is printed once instead.
func NewUISpinner(plain bool, message string) *UISpinner {
	s := &UISpinner{out: os.Stdout, plain: plain || !term.IsTerminal(int(os.Stdout.Fd()))}

	if !s.plain {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(s.out, "… %s\n", message)
	}

	return s
}

// Update replaces the spinner message.
func (s *UISpinner) Update(message string) {
	if s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	}
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  ✓ %s\n", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.stop()
	fmt.Fprintf(s.out, "  ✗ %s\n", message)
}

func (s *UISpinner) stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K") // \033[K clears the line
		s.sp = nil
	}
}
