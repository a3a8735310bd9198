// Package recorder contains the per-transmission recorder.
package recorder

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/logger"
)

var timeNow = time.Now

// NameRegexp matches the names of finalized recordings: VOX captures
// (rec_*) and web client captures (web_*, with the client id suffix).
var NameRegexp = regexp.MustCompile(`^(?:rec|web)_\d{8}_\d{6}(?:_[A-Za-z0-9]+)?\.wav$`)

// Recording encodes a single transmission to a WAV file.
// Opus RTP packets are framed into an Ogg stream and piped to an
// encoder subprocess that writes PCM to a temporary path; on close
// the temporary file is atomically renamed into the recordings
// directory as web_YYYYMMDD_HHMMSS_{clientId}.wav.
type Recording struct {
	ClientID string
	TempDir  string
	FinalDir string
	Command  string
	Pool     *externalcmd.Pool
	Parent   logger.Writer

	start    time.Time
	tempPath string
	cmd      *externalcmd.Cmd
	ogg      *oggwriter.OggWriter
}

// Start starts a Recording.
func (r *Recording) Start() error {
	r.start = timeNow()

	err := os.MkdirAll(r.TempDir, 0o755)
	if err != nil {
		return err
	}

	err = os.MkdirAll(r.FinalDir, 0o755)
	if err != nil {
		return err
	}

	r.tempPath = filepath.Join(r.TempDir,
		"recording_"+r.start.Format("20060102_150405")+"_"+r.ClientID+".wav")

	r.cmd = &externalcmd.Cmd{
		Pool:      r.Pool,
		CmdStr:    r.Command,
		Env:       externalcmd.Environment{"OUTPUT": r.tempPath},
		PipeStdin: true,
		OnExit: func(err error) {
			r.Log(logger.Warn, "encoder exited prematurely: %v", err)
		},
	}
	err = r.cmd.Start()
	if err != nil {
		return err
	}

	r.ogg, err = oggwriter.NewWith(r.cmd.Stdin(), 48000, 2)
	if err != nil {
		r.cmd.Close()
		return err
	}

	r.Log(logger.Info, "started, client %s", r.ClientID)
	return nil
}

// Log implements logger.Writer.
func (r *Recording) Log(level logger.Level, format string, args ...interface{}) {
	r.Parent.Log(level, "[recorder] "+format, args...)
}

// WriteRTP writes an Opus RTP packet into the recording.
func (r *Recording) WriteRTP(pkt *rtp.Packet) error {
	return r.ogg.WriteRTP(pkt)
}

// Close stops the encoder and finalizes the file. The encoder is
// awaited with a bounded deadline; a temporary file that received no
// bytes is dropped instead of finalized.
func (r *Recording) Close() {
	r.ogg.Close() //nolint:errcheck

	if killed := r.cmd.Close(); killed {
		r.Log(logger.Warn, "encoder did not exit in time, temp file left at %s", r.tempPath)
		return
	}

	info, err := os.Stat(r.tempPath)
	if err != nil || info.Size() == 0 {
		r.Log(logger.Warn, "dropping empty recording")
		os.Remove(r.tempPath)
		return
	}

	fpath, err := r.finalize()
	if err != nil {
		r.Log(logger.Error, "cannot finalize: %v", err)
		return
	}

	r.Log(logger.Info, "saved %s (%s)", fpath, time.Since(r.start).Round(time.Second))
}

// FinalName returns the destination file name.
func (r *Recording) FinalName() string {
	return "web_" + r.start.Format("20060102_150405") + "_" + r.ClientID + ".wav"
}

// finalize renames the temporary file into the recordings directory,
// never overwriting an existing recording. The collision suffix is a
// bare digit so the name keeps matching the download whitelist.
func (r *Recording) finalize() (string, error) {
	name := r.FinalName()
	base := name[:len(name)-len(".wav")]

	for i := 0; ; i++ {
		if i > 0 {
			name = base + strconv.Itoa(i+1) + ".wav"
		}

		fpath := filepath.Join(r.FinalDir, name)

		if _, err := os.Stat(fpath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", err
		}

		err := os.Rename(r.tempPath, fpath)
		if err != nil {
			return "", err
		}
		return fpath, nil
	}
}
