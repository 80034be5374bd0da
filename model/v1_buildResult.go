package model

import (
	"encoding/json"
	"strings"
	"time"
)

// STATUS_CODE_UNAVAILABLE marks a result whose container exit code could not be determined.
const STATUS_CODE_UNAVAILABLE int64 = -5

type Timestamps struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BuildResult is published by a worker once per processed task and forwarded unchanged to
// the notification queue.
type BuildResult struct {
	Task       BuildTask  `json:"task"`
	StatusCode int64      `json:"status_code"`
	LogLines   []string   `json:"log_lines"`
	Success    bool       `json:"success"`
	Timestamps Timestamps `json:"timestamps"`
}

func DecodeBuildResult(data []byte) (BuildResult, error) {
	var result BuildResult
	if err := json.Unmarshal(data, &result); err != nil {
		return result, err
	}
	if result.Task.Id == 0 {
		return result, &MissingFieldError{Field: "task.id"}
	}
	return result, nil
}

// BuildResultRecord is the persisted form of a BuildResult. Records are append-only.
type BuildResultRecord struct {
	Id         int64     `json:"id" xorm:"pk autoincr"`
	PackageId  int64     `json:"package_id" xorm:"index notnull"`
	ExitCode   int64     `json:"exit_code"`
	BuildLog   string    `json:"build_log,omitempty" xorm:"text"`
	Success    bool      `json:"success"`
	StartedAt  time.Time `json:"started_at" xorm:"index"`
	FinishedAt time.Time `json:"finished_at"`
	Version    string    `json:"version"`
}

func (BuildResultRecord) TableName() string {
	return "build_results"
}

func NewBuildResultRecord(packageId int64, result *BuildResult) BuildResultRecord {
	return BuildResultRecord{
		PackageId:  packageId,
		ExitCode:   result.StatusCode,
		BuildLog:   strings.Join(result.LogLines, ""),
		Success:    result.Success,
		StartedAt:  result.Timestamps.Start,
		FinishedAt: result.Timestamps.End,
		Version:    result.Task.Version,
	}
}
