package main

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/GeertJohan/go.rice"
	"github.com/bvarner/shmcam"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// api exposes a camera server over HTTP for operators.
type api struct {
	server *shmcam.CameraServer
	events *shmcam.Emitter
	logger *zap.Logger
}

// frameHeader precedes every binary frame sent on the websocket.
type frameHeader struct {
	Serial    int64
	Timestamp int64
	Dims      []int
	Type      string
}

func (a *api) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.StaticFS("/ui", rice.MustFindBox("webroot").HTTPBox())
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusMovedPermanently, "/ui/") })

	g := r.Group("/api")
	g.GET("/status", a.handleStatus)
	g.GET("/events", a.handleEvents)
	g.POST("/start", a.command(a.server.StartAcquisition))
	g.POST("/stop", a.command(a.server.StopAcquisition))
	g.POST("/abort", a.command(a.server.Abort))
	g.POST("/drop", a.handleDrop)
	r.GET("/ws", a.handleWebSocket)
	return r
}

func (a *api) status() gin.H {
	return gin.H{
		"runlevel": a.server.Runlevel(),
		"state":    a.server.State().String(),
		"shmid":    a.server.Shmid(),
		"serial":   a.server.Serial(),
		"drop":     a.server.Drop(),
		"config":   a.server.Config(),
		"stats":    a.server.Stats(),
		"publish":  a.server.LastPublishStatus().String(),
	}
}

func (a *api) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.status())
}

func (a *api) command(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			code := http.StatusInternalServerError
			if shmcam.IsTimeout(err) {
				code = http.StatusGatewayTimeout
			}
			c.JSON(code, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, a.status())
	}
}

func (a *api) handleDrop(c *gin.Context) {
	drop, err := strconv.ParseBool(c.Query("value"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.server.SetDrop(drop)
	c.JSON(http.StatusOK, a.status())
}

// handleEvents streams the server events as server-sent events.
func (a *api) handleEvents(c *gin.Context) {
	ch := make(chan string, 16)
	a.events.AddListener(ch)
	defer a.events.RemoveListener(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		select {
		case s := <-ch:
			io.WriteString(w, s)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket attaches the remote camera like any other client and pushes
// every frame it manages to read.
func (a *api) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	cam, err := shmcam.AttachRemoteCamera(a.server.Shmid())
	if err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer cam.Detach()
	reader := shmcam.NewReader(cam)
	defer reader.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var buf []byte
	var hdr frameHeader
	for {
		select {
		case <-closed:
			return
		default:
		}
		status, err := reader.Next(time.Second, func(img *shmcam.SharedArray, serial int64) error {
			buf = append(buf[:0], img.Data()...)
			hdr = frameHeader{
				Serial:    serial,
				Timestamp: img.Timestamp().UnixNano(),
				Dims:      img.Dims(),
				Type:      img.ElementType().String(),
			}
			return nil
		})
		switch status {
		case shmcam.StatusTimeout:
			continue
		case shmcam.StatusError:
			if errors.Cause(err) == shmcam.ErrOverwritten {
				continue
			}
			a.logger.Debug("websocket reader stopped", zap.Error(err))
			conn.WriteJSON(gin.H{"error": err.Error()})
			return
		}
		if err := conn.WriteJSON(hdr); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			return
		}
	}
}
