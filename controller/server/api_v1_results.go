package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashworks/aur-ci/controller/store"
	"github.com/hashworks/aur-ci/model"
)

type buildResultResponse struct {
	model.BuildResultRecord
	Description string `json:"description"`
}

func (s *Server) newBuildResultResponse(record model.BuildResultRecord) buildResultResponse {
	return buildResultResponse{BuildResultRecord: record, Description: s.ExitCodes.Describe(record.ExitCode)}
}

// @Summary List build results of a package, newest first. Logs are omitted.
// @Produce json
// @Success 200 {array} buildResultResponse
// @Failure 404
// @Router /v1/packages/{id}/results [get]
func (s *Server) apiV1ListBuildResults(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.Store.GetPackage(ctx, id); err != nil {
		abortWithStoreError(c, "Failed to get package from database", err)
		return
	}

	records, err := s.Store.BuildResults(ctx, id)
	if err != nil {
		abortWithStoreError(c, "Failed to get build results from database", err)
		return
	}

	results := make([]buildResultResponse, 0, len(records))
	for _, record := range records {
		record.BuildLog = ""
		results = append(results, s.newBuildResultResponse(record))
	}
	c.JSON(http.StatusOK, results)
}

// @Summary Get a build result including its log
// @Produce json
// @Success 200 {object} buildResultResponse
// @Failure 404
// @Router /v1/results/{id} [get]
func (s *Server) apiV1GetBuildResult(c *gin.Context) {
	id, ok := parseId(c)
	if !ok {
		return
	}
	record, err := s.Store.BuildResult(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBuildResultNotFound) {
			c.AbortWithError(http.StatusNotFound, err)
			return
		}
		abortWithStoreError(c, "Failed to get build result from database", err)
		return
	}
	c.JSON(http.StatusOK, s.newBuildResultResponse(record))
}
