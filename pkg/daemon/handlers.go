package daemon

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/battery"
	"github.com/rpi-weather-display/epaperd/pkg/config"
	"github.com/rpi-weather-display/epaperd/pkg/events"
	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/quiethours"
	"github.com/rpi-weather-display/epaperd/pkg/scheduler"
	"github.com/rpi-weather-display/epaperd/pkg/store"
	"github.com/rpi-weather-display/epaperd/pkg/types"
	"github.com/rpi-weather-display/epaperd/pkg/version"
)

// server holds what the HTTP handlers read. store may be nil.
type server struct {
	cfg   *config.Config
	mgr   *power.Manager
	sched *scheduler.Scheduler
	hub   *events.EventHub
	store *store.Store
	// done closes event streams on shutdown.
	done <-chan struct{}
	now  func() time.Time
}

func setupRoutes(s *server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if s.now == nil {
		s.now = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/status", s.getStatus)
	router.GET("/history", s.getHistory)
	router.GET("/config", s.getConfig)
	router.GET("/version", getVersion)
	router.GET("/quiet-hours", s.getQuietHours)
	router.GET("/events", s.getEvents)
	router.POST("/wake", s.postWake)
	router.PUT("/low-power", s.putLowPower)

	return router
}

func (s *server) quietHours() types.QuietHours {
	p := s.cfg.Power
	now := s.now()
	return types.QuietHours{
		Start:              p.QuietHoursStart,
		End:                p.QuietHoursEnd,
		Active:             quiethours.IsQuietHours(p.QuietHoursStart, p.QuietHoursEnd, now),
		SecondsUntilChange: quiethours.TimeUntilChange(p.QuietHoursStart, p.QuietHoursEnd, now),
	}
}

func (s *server) getStatus(c *gin.Context) {
	snap := s.mgr.Snapshot()
	st := types.Status{
		Power:      snap,
		Scheduler:  s.sched.Status(),
		Thresholds: battery.Thresholds(snap.Status, s.cfg.Display),
		QuietHours: s.quietHours(),
	}
	if c.Query("history") == "true" {
		st.History = s.mgr.History()
	}
	c.IndentedJSON(http.StatusOK, st)
}

// getHistory returns the in-memory history, newest first. With
// ?persisted=true it reads the store instead, oldest first.
func (s *server) getHistory(c *gin.Context) {
	if c.Query("persisted") != "true" {
		c.IndentedJSON(http.StatusOK, s.mgr.History())
		return
	}
	if s.store == nil {
		c.IndentedJSON(http.StatusNotFound, "no battery store configured")
		return
	}

	limit := historySeed
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.IndentedJSON(http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	h, err := s.store.LoadHistory(c.Request.Context(), limit)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, h)
}

func (s *server) getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(s.cfg)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func (s *server) getQuietHours(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.quietHours())
}

func (s *server) getEvents(c *gin.Context) {
	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case <-c.Request.Context().Done():
			return false
		case <-s.done:
			return false
		}
	})
}

func (s *server) postWake(c *gin.Context) {
	s.sched.Wake()
	logrus.Info("wake requested")
	c.IndentedJSON(http.StatusAccepted, "wake requested")
}

func (s *server) putLowPower(c *gin.Context) {
	s.mgr.EnterLowPowerMode()
	c.IndentedJSON(http.StatusOK, s.mgr.CurrentState())
}
