package util

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupGlobalLogger(t *testing.T) {
	flags := log.Flags()
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
		InitLogger(false)
	})

	var first, second bytes.Buffer
	InitLoggerTo(&first, false)
	SetupGlobalLogger()

	log.Printf("library says %d", 42)
	assert.Contains(t, first.String(), "level=INFO")
	assert.Contains(t, first.String(), `msg="library says 42"`)

	// a logger installed afterwards receives later lines
	InitLoggerTo(&second, false)
	log.Print("after reinit")
	assert.Contains(t, second.String(), `msg="after reinit"`)
	assert.NotContains(t, first.String(), "after reinit")
}

func TestCompatLogger(t *testing.T) {
	t.Cleanup(func() { InitLogger(false) })

	tests := []struct {
		name    string
		verbose bool
		log     func(l *Logger)
		want    string
	}{
		{"printf", false, func(l *Logger) { l.Printf("loaded %s", "color") }, `level=INFO msg="loaded color"`},
		{"warnf", false, func(l *Logger) { l.Warnf("%d left", 2) }, `level=WARN msg="2 left"`},
		{"errorf", false, func(l *Logger) { l.Errorf("bad %q", "x") }, `level=ERROR msg="bad \"x\""`},
		{"debugf verbose", true, func(l *Logger) { l.Debugf("tick %d", 3) }, `level=DEBUG msg="tick 3"`},
		{"debugf quiet", false, func(l *Logger) { l.Debugf("tick %d", 3) }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			InitLoggerTo(&buf, tt.verbose)
			tt.log(GetCompatLogger())
			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
