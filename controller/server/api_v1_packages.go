package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hashworks/aur-ci/model"
)

func parseId(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.AbortWithError(http.StatusBadRequest, errors.New("Invalid id "+c.Param("id")))
		return 0, false
	}
	return id, true
}

// abortWithStoreError maps a store error to a status code.
func abortWithStoreError(c *gin.Context, message string, err error) {
	if errors.Is(err, model.ErrPackageNotFound) {
		c.AbortWithError(http.StatusNotFound, err)
		return
	}
	c.AbortWithError(http.StatusInternalServerError, errors.New(message+": "+err.Error()))
}

// @Summary List all tracked packages
// @Produce json
// @Success 200 {array} model.PackageState
// @Router /v1/packages [get]
func (s *Server) apiV1ListPackages(c *gin.Context) {
	packages, err := s.Store.ListPackages(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, "Failed to get packages from database", err)
		return
	}
	c.JSON(http.StatusOK, packages)
}

// @Summary Get a tracked package
// @Produce json
// @Success 200 {object} model.PackageState
// @Failure 404
// @Router /v1/packages/{id} [get]
func (s *Server) apiV1GetPackage(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	pkg, err := s.Store.GetPackage(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, "Failed to get package from database", err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

// @Summary Force a rebuild of a package with the next check
// @Success 202
// @Failure 404
// @Router /v1/packages/{id}/rebuild [post]
func (s *Server) apiV1RebuildPackage(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	if err := s.Store.ResetLastModified(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, "Failed to reset package", err)
		return
	}
	s.Logger.Info("Package marked for rebuild", slog.Int64("package_id", id))
	c.Status(http.StatusAccepted)
}

// @Summary Delete a package and its build results
// @Success 204
// @Failure 404
// @Router /v1/packages/{id} [delete]
func (s *Server) apiV1DeletePackage(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	if err := s.Store.DeletePackage(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, "Failed to delete package", err)
		return
	}
	s.Logger.Info("Package deleted", slog.Int64("package_id", id))
	c.Status(http.StatusNoContent)
}
