// Package core contains the main struct of the software.
package core

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"

	"github.com/pttbox/pttbox/internal/api"
	"github.com/pttbox/pttbox/internal/audioout"
	"github.com/pttbox/pttbox/internal/clientnames"
	"github.com/pttbox/pttbox/internal/conf"
	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/floor"
	"github.com/pttbox/pttbox/internal/logcleaner"
	"github.com/pttbox/pttbox/internal/logger"
	"github.com/pttbox/pttbox/internal/push"
	"github.com/pttbox/pttbox/internal/recordwatcher"
	"github.com/pttbox/pttbox/internal/relay"
	"github.com/pttbox/pttbox/internal/servers/conference"
)

var version = "v0.0.0"

const (
	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 10 * time.Second
)

var cli struct {
	Version  bool   `help:"print version"`
	Confpath string `arg:"" default:"pttbox.yml"`
}

// Core is an instance of the server.
type Core struct {
	confPath  string
	conf      *conf.Conf
	confFound bool
	started   time.Time

	logger          *logger.Logger
	logCleaner      *logcleaner.Cleaner
	externalCmdPool *externalcmd.Pool
	floor           *floor.Arbiter
	relay           *relay.Driver
	names           *clientnames.Store
	push            *push.Notifier
	audio           *audioout.Output
	conference      *conference.Server
	recordWatcher   *recordwatcher.Watcher
	api             *api.API

	// in
	chExit chan struct{}

	// out
	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("pttbox "+version),
		kong.UsageOnError(),
		kong.ValueFormatter(func(value *kong.Value) string {
			if value.Name == "confpath" {
				return "path to a config file. The default is pttbox.yml."
			}
			return kong.DefaultHelpValueFormatter(value)
		}))
	if err != nil {
		panic(err)
	}

	_, err = parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	p := &Core{
		confPath: cli.Confpath,
		started:  time.Now(),
		chExit:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	p.conf, p.confFound, err = conf.Load(p.confPath)
	if err != nil {
		fmt.Printf("ERR: %s\n", err)
		return nil, false
	}

	err = p.createResources()
	if err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Printf("ERR: %s\n", err)
		}
		p.closeResources()
		return nil, false
	}

	go p.run()

	return p, true
}

// Close closes Core and waits for all goroutines to return.
func (p *Core) Close() {
	select {
	case p.chExit <- struct{}{}:
	default:
	}
	<-p.done
}

// Wait waits for the Core to exit.
func (p *Core) Wait() {
	<-p.done
}

// Log is the main logging function.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

// APIRestart implements the api parent: a restart intent has been
// written, shut down gracefully so the supervisor relaunches us.
func (p *Core) APIRestart() {
	select {
	case p.chExit <- struct{}{}:
	default:
	}
}

func (p *Core) run() {
	defer close(p.done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case <-interrupt:
		p.Log(logger.Info, "shutting down gracefully")

	case <-p.chExit:
		p.Log(logger.Info, "shutting down")
	}

	p.closeResources()
}

func (p *Core) createResources() error {
	destinations := []logger.Destination{logger.DestinationStdout}
	if p.conf.EnableFileLog {
		destinations = append(destinations, logger.DestinationFile)
	}

	p.logger = &logger.Logger{
		Level:        logger.Level(p.conf.LogLevel),
		Destinations: destinations,
		FileDir:      p.conf.LogDir,
	}
	err := p.logger.Initialize()
	if err != nil {
		return err
	}

	p.Log(logger.Info, "pttbox %s", version)
	if !p.confFound {
		p.Log(logger.Warn, "configuration file not found, using defaults")
	}

	gin.SetMode(gin.ReleaseMode)

	if p.conf.EnableFileLog {
		p.logCleaner = &logcleaner.Cleaner{
			Dir:           p.conf.LogDir,
			RetentionDays: p.conf.LogRetentionDays,
			Parent:        p,
		}
		p.logCleaner.Initialize()
	}

	p.externalCmdPool = &externalcmd.Pool{}
	p.externalCmdPool.Initialize()

	p.floor = &floor.Arbiter{
		MaxDuration: time.Duration(p.conf.PTTTimeout) * time.Millisecond,
		// evictions can only happen after a grant, and grants only
		// happen once the conference server below is serving
		OnTimeout: func(holder string) { p.conference.OnFloorTimeout(holder) },
		Parent:    p,
	}
	p.floor.Initialize()

	p.relay = &relay.Driver{
		Enabled:  p.conf.EnableRelay,
		PortName: p.conf.RelayPort,
		BaudRate: p.conf.RelayBaudRate,
		Parent:   p,
	}
	p.relay.Initialize()

	p.names = &clientnames.Store{
		Dir:    p.conf.RecordingsDir,
		Parent: p,
	}
	err = os.MkdirAll(p.conf.RecordingsDir, 0o755)
	if err != nil {
		return err
	}
	err = p.names.Initialize()
	if err != nil {
		return err
	}

	p.push = &push.Notifier{
		VAPIDPublicKey:  p.conf.VapidPublicKey,
		VAPIDPrivateKey: p.conf.VapidPrivateKey,
		VAPIDSubject:    p.conf.VapidSubject,
		Parent:          p,
	}
	p.push.Initialize()

	p.audio = &audioout.Output{
		Enabled:         p.conf.EnableLocalAudio,
		Persistent:      p.conf.UsePythonAudio,
		Command:         p.conf.SpeakerCommand,
		SpeakerDeviceID: p.conf.SpeakerDeviceID,
		Pool:            p.externalCmdPool,
		Parent:          p,
	}
	p.audio.Initialize()

	p.conference = &conference.Server{
		STUNServer:        p.conf.STUNServer,
		OfferTimeout:      time.Duration(p.conf.OfferTimeout),
		ICEGatherTimeout:  time.Duration(p.conf.ICEGatherTimeout),
		ICERestartTimeout: time.Duration(p.conf.ICERestartTimeout),
		P2PCleanupGrace:   time.Duration(p.conf.P2PCleanupGrace),
		HeartbeatInterval: time.Duration(p.conf.HeartbeatInterval),
		EnableServerMic:   p.conf.EnableServerMic,
		MicMode:           p.conf.ServerMicMode,
		MicCommand:        p.conf.MicCommand,
		MicDevice:         p.conf.MicDevice,
		RecorderCommand:   p.conf.RecorderCommand,
		RecordingsDir:     p.conf.RecordingsDir,
		RecordingsTempDir: p.conf.RecordingsTempDir,
		Floor:             p.floor,
		Relay:             p.relay,
		Names:             p.names,
		Push:              p.push,
		Audio:             p.audio,
		Pool:              p.externalCmdPool,
		Parent:            p,
	}
	p.conference.Initialize()

	p.recordWatcher = &recordwatcher.Watcher{
		Dir:         p.conf.RecordingsDir,
		OnRecording: p.conference.NotifyRecording,
		Parent:      p,
	}
	err = p.recordWatcher.Initialize()
	if err != nil {
		return err
	}

	p.api = &api.API{
		Version:       version,
		Started:       p.started,
		Address:       fmt.Sprintf(":%d", p.conf.HTTPPort),
		ReadTimeout:   httpReadTimeout,
		WriteTimeout:  httpWriteTimeout,
		ClientDir:     p.conf.ClientDir,
		RecordingsDir: p.conf.RecordingsDir,
		DashPassword:  p.conf.DashPassword,
		RestartFile:   filepath.Join(filepath.Dir(p.conf.RecordingsDir), "restart.requested"),
		Conference:    p.conference,
		Parent:        p,
	}
	err = p.api.Initialize()
	if err != nil {
		return err
	}

	return nil
}

func (p *Core) closeResources() {
	if p.api != nil {
		p.api.Close()
	}

	if p.recordWatcher != nil {
		p.recordWatcher.Close()
	}

	if p.conference != nil {
		p.conference.Close()
	}

	if p.floor != nil {
		p.floor.Close()
	}

	if p.audio != nil {
		p.audio.Close()
	}

	if p.relay != nil {
		p.relay.Close()
	}

	if p.externalCmdPool != nil {
		p.Log(logger.Info, "waiting for external commands")
		p.externalCmdPool.Close()
	}

	if p.logCleaner != nil {
		p.logCleaner.Close()
	}

	if p.logger != nil {
		p.logger.Close()
		p.logger = nil
	}
}
