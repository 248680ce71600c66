package rest

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/moldsim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PUT /api/v1/archive/:name stores an uploaded collector file.
func (s *Server) receiveArchive(c *gin.Context) {
	name := c.Param("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".csv") || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeArchiveBadRequest, "Invalid file name", name))
		return
	}

	if err := s.storeArchive(name, c.Request.Body); err != nil {
		s.logger.Error("Failed to store archive", zap.String("file", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeArchiveInternal, "Failed to store file", err.Error()))
		return
	}

	s.logger.Info("Archive received", zap.String("file", name))
	c.JSON(http.StatusCreated, gin.H{"file": name})
}

func (s *Server) storeArchive(name string, body io.Reader) error {
	if err := os.MkdirAll(s.receiveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.receiveDir, err)
	}

	tmp, err := os.CreateTemp(s.receiveDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close upload: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(s.receiveDir, name))
}
