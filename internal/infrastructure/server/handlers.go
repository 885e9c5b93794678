package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/session"
	"github.com/scanpipe/scanpipe/internal/shared/id"
	"github.com/scanpipe/scanpipe/internal/sigdb"
	"github.com/scanpipe/scanpipe/internal/targets"
)

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":  "scanpipe",
		"instance": s.instanceID,
	})
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"instance": s.instanceID,
		"sessions": len(s.sessions.List()),
		"workers":  len(s.sessions.Pids()),
	}

	if s.checker != nil {
		info, stale, err := s.checker.Check()
		switch {
		case errors.Is(err, sigdb.ErrNotFound):
			resp["status"] = "degraded"
			resp["database"] = gin.H{"error": "no signature database"}
		case err != nil:
			resp["status"] = "degraded"
			resp["database"] = gin.H{"error": err.Error()}
		default:
			db := gin.H{
				"path":    info.Path,
				"updated": info.ModTime,
				"stale":   stale,
			}
			if stale {
				resp["status"] = "degraded"
			}
			resp["database"] = db
		}
	}

	c.JSON(http.StatusOK, resp)
}

type startRequest struct {
	Targets   []string `json:"targets"`
	ExtraArgs []string `json:"extra_args"`
	Watch     bool     `json:"watch"`

	// Optional directory enumeration, expanded into targets.
	Root    string   `json:"root"`
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
	MaxSize int64    `json:"max_size"`
}

func (s *Server) startSession(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID := id.NewJobID()
	scanTargets := req.Targets

	if req.Root != "" {
		filter := targets.Filter{
			Include: req.Include,
			Exclude: req.Exclude,
			MaxSize: req.MaxSize,
		}
		if err := filter.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
		defer cancel()
		found, err := targets.Collect(ctx, req.Root, filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Info("Enumerated scan targets",
			zap.String("job", jobID.String()),
			zap.String("root", req.Root),
			zap.Int("count", len(found)))
		scanTargets = append(scanTargets, found...)
	}

	// Sessions outlive the request; their lifetime is owned by the
	// manager, not the HTTP connection.
	sess, err := s.sessions.Start(context.Background(), session.StartRequest{
		Targets:   scanTargets,
		ExtraArgs: req.ExtraArgs,
		Watch:     req.Watch,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job":     jobID,
		"session": sess.Info(),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	all := s.sessions.List()
	infos := make([]session.Info, 0, len(all))
	for _, sess := range all {
		infos = append(infos, sess.Info())
	}
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, ok := s.sessions.Get(id.SessionID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) sessionOutput(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	recent := sess.Recent()
	lines := make([]string, len(recent))
	for i, l := range recent {
		lines[i] = string(l)
	}
	c.JSON(http.StatusOK, gin.H{
		"session": sess.ID,
		"state":   sess.State().String(),
		"lines":   lines,
	})
}

func (s *Server) killSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	sess.Kill()
	c.JSON(http.StatusAccepted, gin.H{"session": sess.ID, "state": "killing"})
}

func (s *Server) removeSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.sessions.Remove(sess.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ID, "removed": true})
}

func (s *Server) databaseInfo(c *gin.Context) {
	if s.checker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no database configured"})
		return
	}
	info, stale, err := s.checker.Check()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path":    info.Path,
		"size":    info.Size,
		"updated": info.ModTime,
		"stale":   stale,
	})
}

type refreshRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) refreshDatabase(c *gin.Context) {
	if s.mirror == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no mirror configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path, err := s.mirror.Fetch(c.Request.Context(), req.Name, s.config.Scanner.DatabaseDir)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"installed": path})
}
