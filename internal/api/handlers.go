package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	st := s.gov.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"iterations":      st.Iterations,
		"last_iteration":  st.LastIteration,
		"last_error":      st.LastError,
		"config_checksum": st.ConfigChecksum,
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gov.Stats())
}

func (s *Server) report(c *gin.Context) {
	r := s.gov.Last()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no iteration completed yet"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) decisions(c *gin.Context) {
	records := s.gov.Decisions()
	if class := c.Query("class"); class != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Stable.String() == class {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "decisions": records})
}

func (s *Server) decision(c *gin.Context) {
	rec, ok := s.gov.Decision(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown group", "id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) hostInfo(c *gin.Context) {
	if s.host == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not probed"})
		return
	}
	c.JSON(http.StatusOK, s.host)
}

func (s *Server) reload(c *gin.Context) {
	if !s.gov.RequestReload("api") {
		c.JSON(http.StatusConflict, gin.H{"status": "already queued"})
		return
	}
	s.logger.WithField("client", c.ClientIP()).Info("Reload requested over API")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
