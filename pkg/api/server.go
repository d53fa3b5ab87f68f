// Package api exposes the control plane: monitor inspection, on-demand
// triggering, alert history and configuration reload.
package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xylex-group/xbp-monitoring/pkg/alert"
	"github.com/xylex-group/xbp-monitoring/pkg/scheduler"
	"github.com/xylex-group/xbp-monitoring/pkg/store"
)

// ReloadTokenEnv holds the shared secret required by POST /-/reload.
const ReloadTokenEnv = "XBP_RELOAD_TOKEN"

// reloadTokenHeader is the header carrying the reload secret.
const reloadTokenHeader = "x-xbp-reload-token"

// Server is the control-plane HTTP surface over the engine's state.
type Server struct {
	coord   *scheduler.Coordinator
	store   *store.Store
	runner  scheduler.Runner
	journal *alert.Journal

	reloadToken      string
	prometheusActive bool
}

// New wires the control plane. journal may be nil; the reload token is
// read from the environment.
func New(coord *scheduler.Coordinator, st *store.Store, runner scheduler.Runner, journal *alert.Journal, prometheusActive bool) *Server {
	return &Server{
		coord:            coord,
		store:            st,
		runner:           runner,
		journal:          journal,
		reloadToken:      os.Getenv(ReloadTokenEnv),
		prometheusActive: prometheusActive,
	}
}

// Handler builds the route table. Recovery keeps handler panics from
// tearing the process down; the otelhttp wrapper opens a server span per
// request.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogging())

	r.GET("/", s.Liveness)

	probes := r.Group("/probes")
	{
		probes.GET("", s.ListProbes)
		probes.GET("/:name/results", s.GetProbeResult)
		probes.POST("/:name/trigger", s.TriggerProbe)
	}

	stories := r.Group("/stories")
	{
		stories.GET("", s.ListStories)
		stories.GET("/:name/results", s.GetStoryResult)
		stories.POST("/:name/trigger", s.TriggerStory)
	}

	r.GET("/-/monitors", s.ListMonitors)
	r.POST("/-/reload", s.Reload)
	r.GET("/-/alerts", s.ListAlerts)

	if s.prometheusActive {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return otelhttp.NewHandler(r, "xbp-control-plane")
}
