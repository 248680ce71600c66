package rest

import (
	"net/http"

	"github.com/KevinKickass/moldsim/internal/publish"
	"github.com/KevinKickass/moldsim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/nodes
func (s *Server) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": publish.ObjectNode,
		"nodes":  s.lm.Nodes().Nodes(),
	})
}

// GET /api/v1/nodes/:name
func (s *Server) getNode(c *gin.Context) {
	name := c.Param("name")
	for _, node := range s.lm.Nodes().Nodes() {
		if node.Name == name {
			c.JSON(http.StatusOK, node)
			return
		}
	}
	c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNodeNotFound, "Unknown node", name))
}

// GET /api/v1/capture
func (s *Server) getCapture(c *gin.Context) {
	capture := s.lm.Capture()
	if capture == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeCaptureUnavailable, "Capture switch not configured", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": capture.Enabled()})
}

// PUT /api/v1/capture
func (s *Server) setCapture(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeCaptureBadRequest, "Invalid request body", err.Error()))
		return
	}

	capture := s.lm.Capture()
	if capture == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeCaptureUnavailable, "Capture switch not configured", nil))
		return
	}

	if err := capture.Set(*req.Enabled); err != nil {
		s.logger.Error("Failed to toggle capture", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeCaptureInternal, "Failed to toggle capture", err.Error()))
		return
	}

	s.logger.Info("Training capture toggled", zap.Bool("enabled", *req.Enabled))
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}
