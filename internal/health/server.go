package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server exposes the admin HTTP surface of spec.md §4.8, ported from the
// original's http_health.rs route table onto gin (the router the teacher
// already declares in go.mod but never wires into a concrete service).
type Server struct {
	monitor *Monitor
	engine  *gin.Engine
}

// NewServer builds the admin HTTP surface. A nil monitor makes /ready and
// /status report healthy unconditionally, matching the original's
// "no monitor configured" fallback.
func NewServer(monitor *Monitor, log *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{monitor: monitor, engine: engine}

	for _, path := range []string{"/health", "/healthz"} {
		engine.GET(path, s.handleHealth)
	}
	for _, path := range []string{"/ready", "/readiness"} {
		engine.GET(path, s.handleReady)
	}
	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Handler returns the http.Handler to mount on the admin listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) handleReady(c *gin.Context) {
	if s.monitor == nil || s.monitor.IsHealthy() {
		c.String(http.StatusOK, "READY")
		return
	}
	c.String(http.StatusServiceUnavailable, "NOT READY")
}

type statusResponse struct {
	Snapshot
	Resources ResourceSample `json:"resources"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{Resources: SampleResources()}
	if s.monitor != nil {
		resp.Snapshot = s.monitor.Status()
	} else {
		resp.Snapshot = Snapshot{Healthy: true, Status: StatusConnected.String()}
	}

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
