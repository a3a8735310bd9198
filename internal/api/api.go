// Package api contains the VOX and dashboard API server.
package api

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/matthewhartstonge/argon2"

	"github.com/pttbox/pttbox/internal/logger"
	"github.com/pttbox/pttbox/internal/protocols/httpp"
	"github.com/pttbox/pttbox/internal/recorder"
	"github.com/pttbox/pttbox/internal/servers/conference"
)

// restartDelay lets the restart response flush before the process exits.
const restartDelay = 500 * time.Millisecond

// pauseAfterError delays brute force attacks on the dashboard password.
var pauseAfterError = 2 * time.Second

type apiConference interface {
	VoxOn() bool
	VoxOff() bool
	ServerPTTOn() bool
	ForceRelease() bool
	FloorStatus() (string, string, string)
	Clients() []conference.ClientInfo
	ConnectedP2PCount() int
	DisconnectClient(id string) bool
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

type apiParent interface {
	logger.Writer

	// APIRestart is called after a restart intent has been written.
	APIRestart()
}

// API is the HTTP server: VOX endpoints, the dashboard, the signaling
// upgrade endpoint, recordings download and the static client files.
type API struct {
	Version       string
	Started       time.Time
	Address       string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ClientDir     string
	RecordingsDir string
	DashPassword  string
	RestartFile   string
	Conference    apiConference
	Parent        apiParent

	passwordHash []byte
	tokens       *tokenStore
	httpServer   *httpp.Server
}

// Initialize initializes the API.
func (a *API) Initialize() error {
	if a.DashPassword != "" {
		cfg := argon2.DefaultConfig()
		var err error
		a.passwordHash, err = cfg.HashEncoded([]byte(a.DashPassword))
		if err != nil {
			return err
		}
	}

	a.tokens = newTokenStore()

	router := gin.New()

	router.POST("/api/vox/on", a.onVoxOn)
	router.POST("/api/vox/off", a.onVoxOff)
	router.GET("/api/audio", a.onAudioGet)
	router.POST("/api/dash/login", a.onLogin)

	dash := router.Group("/api/dash")
	dash.Use(a.middlewareAuth)
	dash.POST("/logout", a.onLogout)
	dash.GET("/status", a.onStatus)
	dash.GET("/clients", a.onClients)
	dash.GET("/ptt", a.onPTTGet)
	dash.POST("/ptt", a.onPTTOn)
	dash.POST("/ptt/release", a.onPTTRelease)
	dash.POST("/clients/:id/disconnect", a.onClientDisconnect)
	dash.POST("/restart", a.onRestart)
	dash.GET("/recordings", a.onRecordingsList)
	dash.GET("/recordings/:name", a.onRecordingsGet)
	pprof.RouteRegister(dash, "pprof")

	router.GET("/ws", func(ctx *gin.Context) {
		a.Conference.HandleConnection(ctx.Writer, ctx.Request)
	})

	router.NoRoute(gin.WrapH(http.FileServer(http.Dir(a.ClientDir))))

	a.httpServer = &httpp.Server{
		Address:      a.Address,
		ReadTimeout:  a.ReadTimeout,
		WriteTimeout: a.WriteTimeout,
		Handler:      router,
		Parent:       a,
	}
	err := a.httpServer.Initialize()
	if err != nil {
		return err
	}

	a.Log(logger.Info, "listener opened on "+a.Address)

	return nil
}

// Addr returns the address the listener is bound to.
func (a *API) Addr() net.Addr {
	return a.httpServer.Addr()
}

// Close closes the API.
func (a *API) Close() {
	a.Log(logger.Info, "listener is closing")
	a.httpServer.Close()
}

// Log implements logger.Writer.
func (a *API) Log(level logger.Level, format string, args ...interface{}) {
	a.Parent.Log(level, "[API] "+format, args...)
}

func (a *API) writeError(ctx *gin.Context, status int, err error) {
	a.Log(logger.Error, err.Error())

	ctx.JSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func (a *API) writeOK(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) middlewareAuth(ctx *gin.Context) {
	token := httpp.BearerToken(ctx.Request)

	if token == "" || !a.tokens.valid(token) {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "authentication error",
		})
	}
}

func (a *API) onVoxOn(ctx *gin.Context) {
	if !a.Conference.VoxOn() {
		_, speaker, speakerName := a.Conference.FloorStatus()
		ctx.JSON(http.StatusConflict, gin.H{
			"success":     false,
			"error":       "busy",
			"speaker":     speaker,
			"speakerName": speakerName,
		})
		return
	}

	a.writeOK(ctx)
}

func (a *API) onVoxOff(ctx *gin.Context) {
	if !a.Conference.VoxOff() {
		a.writeError(ctx, http.StatusConflict,
			fmt.Errorf("floor is not held by the external device"))
		return
	}

	a.writeOK(ctx)
}

func (a *API) onLogin(ctx *gin.Context) {
	if a.passwordHash == nil {
		a.writeError(ctx, http.StatusForbidden, fmt.Errorf("dashboard is disabled"))
		return
	}

	var in struct {
		Password string `json:"password"`
	}
	if err := ctx.ShouldBindJSON(&in); err != nil {
		a.writeError(ctx, http.StatusBadRequest, err)
		return
	}

	ok, err := argon2.VerifyEncoded([]byte(in.Password), a.passwordHash)
	if err != nil || !ok {
		a.Log(logger.Info, "connection %s failed to authenticate", ctx.ClientIP())

		// wait some seconds to delay brute force attacks
		<-time.After(pauseAfterError)

		ctx.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "authentication error",
		})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   a.tokens.mint(),
	})
}

func (a *API) onLogout(ctx *gin.Context) {
	a.tokens.drop(httpp.BearerToken(ctx.Request))
	a.writeOK(ctx)
}

func (a *API) onStatus(ctx *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	state, speaker, speakerName := a.Conference.FloorStatus()

	ctx.JSON(http.StatusOK, gin.H{
		"success":      true,
		"version":      a.Version,
		"uptime":       time.Since(a.Started).Round(time.Second).String(),
		"clientCount":  len(a.Conference.Clients()),
		"p2pConnected": a.Conference.ConnectedP2PCount(),
		"heapAlloc":    bytefmt.ByteSize(m.HeapAlloc),
		"sysMemory":    bytefmt.ByteSize(m.Sys),
		"state":        state,
		"speaker":      speaker,
		"speakerName":  speakerName,
	})
}

func (a *API) onClients(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"clients": a.Conference.Clients(),
	})
}

func (a *API) onPTTGet(ctx *gin.Context) {
	state, speaker, speakerName := a.Conference.FloorStatus()

	ctx.JSON(http.StatusOK, gin.H{
		"success":     true,
		"state":       state,
		"speaker":     speaker,
		"speakerName": speakerName,
	})
}

func (a *API) onPTTOn(ctx *gin.Context) {
	if !a.Conference.ServerPTTOn() {
		_, speaker, speakerName := a.Conference.FloorStatus()
		ctx.JSON(http.StatusConflict, gin.H{
			"success":     false,
			"error":       "busy",
			"speaker":     speaker,
			"speakerName": speakerName,
		})
		return
	}

	a.writeOK(ctx)
}

func (a *API) onPTTRelease(ctx *gin.Context) {
	released := a.Conference.ForceRelease()

	ctx.JSON(http.StatusOK, gin.H{
		"success":  true,
		"released": released,
	})
}

func (a *API) onClientDisconnect(ctx *gin.Context) {
	id := ctx.Param("id")

	if !a.Conference.DisconnectClient(id) {
		a.writeError(ctx, http.StatusNotFound, fmt.Errorf("client %s not found", id))
		return
	}

	a.writeOK(ctx)
}

func (a *API) onRestart(ctx *gin.Context) {
	err := os.WriteFile(a.RestartFile,
		[]byte(time.Now().Format(time.RFC3339)+"\n"), 0o644)
	if err != nil {
		a.writeError(ctx, http.StatusInternalServerError, err)
		return
	}

	a.Log(logger.Warn, "restart requested from the dashboard")
	a.writeOK(ctx)

	go func() {
		time.Sleep(restartDelay)
		a.Parent.APIRestart()
	}()
}

func (a *API) onRecordingsList(ctx *gin.Context) {
	entries, err := os.ReadDir(a.RecordingsDir)
	if err != nil && !os.IsNotExist(err) {
		a.writeError(ctx, http.StatusInternalServerError, err)
		return
	}

	type recordingEntry struct {
		Name string `json:"name"`
		Size string `json:"size"`
	}

	recordings := []recordingEntry{}
	for _, e := range entries {
		if !recorder.NameRegexp.MatchString(e.Name()) {
			continue
		}
		info, err2 := e.Info()
		if err2 != nil {
			continue
		}
		recordings = append(recordings, recordingEntry{
			Name: e.Name(),
			Size: bytefmt.ByteSize(uint64(info.Size())),
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].Name < recordings[j].Name
	})

	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"recordings": recordings,
	})
}

func (a *API) onRecordingsGet(ctx *gin.Context) {
	name := ctx.Param("name")

	if !recorder.NameRegexp.MatchString(name) {
		a.writeError(ctx, http.StatusBadRequest, fmt.Errorf("Invalid filename"))
		return
	}

	ctx.File(filepath.Join(a.RecordingsDir, name))
}

// onAudioGet serves a recording by bare filename. The whitelist
// regexp is the only gate; anything else, traversal included, is a
// 400 before the filesystem is touched.
func (a *API) onAudioGet(ctx *gin.Context) {
	name := ctx.Query("file")

	if !recorder.NameRegexp.MatchString(name) {
		a.writeError(ctx, http.StatusBadRequest, fmt.Errorf("Invalid filename"))
		return
	}

	ctx.File(filepath.Join(a.RecordingsDir, name))
}
