package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xylex-group/xbp-monitoring/pkg/store"
	"github.com/xylex-group/xbp-monitoring/pkg/version"
)

// Liveness reports the service is up.
func (s *Server) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"service": version.ServiceName,
		"version": version.Version,
	})
}

// ListProbes returns the probe names and config summaries of the active
// configuration.
func (s *Server) ListProbes(c *gin.Context) {
	cfg := s.coord.Active()

	probes := make([]gin.H, 0, len(cfg.Probes))
	for i := range cfg.Probes {
		p := &cfg.Probes[i]
		probes = append(probes, gin.H{
			"name":             p.Name,
			"url":              p.URL,
			"http_method":      p.HTTPMethod,
			"interval_seconds": int(p.Schedule.Interval().Seconds()),
			"sensitive":        p.Sensitive,
			"tags":             p.Tags,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"probes": probes,
		"total":  len(probes),
	})
}

// ListStories returns story names and their step names.
func (s *Server) ListStories(c *gin.Context) {
	cfg := s.coord.Active()

	stories := make([]gin.H, 0, len(cfg.Stories))
	for i := range cfg.Stories {
		st := &cfg.Stories[i]
		steps := make([]string, 0, len(st.Steps))
		for j := range st.Steps {
			steps = append(steps, st.Steps[j].Name)
		}
		stories = append(stories, gin.H{
			"name":      st.Name,
			"steps":     steps,
			"sensitive": st.Sensitive,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"stories": stories,
		"total":   len(stories),
	})
}

// GetProbeResult returns the last run of a probe.
func (s *Server) GetProbeResult(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.coord.Active().FindProbe(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown probe " + strconv.Quote(name)})
		return
	}
	s.respondResult(c, store.ProbeKey(name))
}

// GetStoryResult returns the last run of a story.
func (s *Server) GetStoryResult(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.coord.Active().FindStory(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown story " + strconv.Quote(name)})
		return
	}
	s.respondResult(c, store.StoryKey(name))
}

func (s *Server) respondResult(c *gin.Context, key store.Key) {
	res, ok := s.store.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result recorded for " + string(key.Kind) + " " + strconv.Quote(key.Name)})
		return
	}
	c.JSON(http.StatusOK, s.present(c, res))
}

// TriggerProbe invokes the probe runner once, out of band of its
// schedule, and returns the fresh result.
func (s *Server) TriggerProbe(c *gin.Context) {
	name := c.Param("name")
	p, ok := s.coord.Active().FindProbe(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown probe " + strconv.Quote(name)})
		return
	}
	res := s.runner.RunProbe(c.Request.Context(), *p)
	c.JSON(http.StatusOK, s.present(c, res))
}

// TriggerStory invokes the story runner once and returns the fresh result.
func (s *Server) TriggerStory(c *gin.Context) {
	name := c.Param("name")
	st, ok := s.coord.Active().FindStory(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown story " + strconv.Quote(name)})
		return
	}
	res := s.runner.RunStory(c.Request.Context(), *st)
	c.JSON(http.StatusOK, s.present(c, res))
}

// ListMonitors returns the combined probe and story index with each
// monitor's current status.
func (s *Server) ListMonitors(c *gin.Context) {
	cfg := s.coord.Active()

	monitors := make([]gin.H, 0, len(cfg.Probes)+len(cfg.Stories))
	for i := range cfg.Probes {
		monitors = append(monitors, s.monitorSummary(store.ProbeKey(cfg.Probes[i].Name)))
	}
	for i := range cfg.Stories {
		monitors = append(monitors, s.monitorSummary(store.StoryKey(cfg.Stories[i].Name)))
	}

	c.JSON(http.StatusOK, gin.H{
		"monitors": monitors,
		"total":    len(monitors),
	})
}

func (s *Server) monitorSummary(key store.Key) gin.H {
	summary := gin.H{
		"kind":   key.Kind,
		"name":   key.Name,
		"status": "unknown",
	}
	if res, ok := s.store.Get(key); ok {
		if res.OK {
			summary["status"] = "ok"
		} else {
			summary["status"] = "failing"
		}
		summary["last_run"] = res.Timestamp
	}
	return summary
}

// Reload swaps the active configuration. It requires the shared secret in
// the x-xbp-reload-token header; an absent secret disables the endpoint.
func (s *Server) Reload(c *gin.Context) {
	token := c.GetHeader(reloadTokenHeader)
	if s.reloadToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.reloadToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid reload token"})
		return
	}

	cfg, err := s.coord.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reloaded": true,
		"probes":   len(cfg.Probes),
		"stories":  len(cfg.Stories),
	})
}

// ListAlerts returns recent entries from the alert journal.
func (s *Server) ListAlerts(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert journal is not enabled"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"alerts": entries,
		"total":  len(entries),
	})
}

// present applies the show_response query parameter. Sensitive monitors'
// previews are already redacted at record time, so stripping here only
// honors the caller's preference.
func (s *Server) present(c *gin.Context, res store.RunResult) store.RunResult {
	if c.DefaultQuery("show_response", "true") == "false" {
		return store.StripPreviews(res)
	}
	return res
}
