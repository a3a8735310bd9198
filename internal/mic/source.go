// Package mic contains the server microphone source.
package mic

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/logger"
)

const restartPause = 5 * time.Second

// Source captures audio from a microphone subprocess whose standard
// output carries an Ogg/Opus stream, and emits one Opus packet per
// parsed page. A dead subprocess is restarted after a pause.
type Source struct {
	Command   string
	MicDevice string
	Pool      *externalcmd.Pool
	Parent    logger.Writer

	// OnPacket is called for every Opus packet, from the reader
	// goroutine. It must not block.
	OnPacket func(payload []byte)

	ctx       context.Context
	ctxCancel func()
	done      chan struct{}
}

// Initialize initializes a Source.
func (s *Source) Initialize() {
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	go s.run()
}

// Close closes the Source.
func (s *Source) Close() {
	s.ctxCancel()
	<-s.done
}

// Log implements logger.Writer.
func (s *Source) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[mic] "+format, args...)
}

func (s *Source) run() {
	defer close(s.done)

	for {
		err := s.runInner()
		if err != nil {
			s.Log(logger.Warn, "capture stopped: %v", err)
		}

		select {
		case <-time.After(restartPause):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Source) runInner() error {
	cmd := &externalcmd.Cmd{
		Pool:       s.Pool,
		CmdStr:     s.Command,
		Env:        externalcmd.Environment{"MIC_DEVICE": s.MicDevice},
		PipeStdout: true,
	}

	err := cmd.Start()
	if err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.read(cmd.Stdout())
	}()

	select {
	case err := <-readErr:
		cmd.Close()
		return err

	case <-s.ctx.Done():
		cmd.Close()
		<-readErr
		return nil
	}
}

func (s *Source) read(r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}

	s.Log(logger.Info, "capture started")

	for {
		payload, _, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}

		// the comment header page carries no audio
		if bytes.HasPrefix(payload, []byte("OpusTags")) {
			continue
		}

		if len(payload) == 0 {
			continue
		}

		s.OnPacket(payload)
	}
}
