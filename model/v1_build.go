package model

import (
	"encoding/json"
	"fmt"
)

const AUR_GIT_URL = "https://aur.archlinux.org/%s.git"

// BuildTask is published on the build request queue. It carries everything a worker needs,
// workers never query the database.
type BuildTask struct {
	Id          int64                 `json:"id"`
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Source      *string               `json:"source"`
	Subfolder   *string               `json:"subfolder"`
	Options     *string               `json:"options"`
	Environment []EnvironmentVariable `json:"environment"`
}

// SourceURL returns the repository to build from. Tasks without a source are AUR packages.
func (t *BuildTask) SourceURL() string {
	if t.Source == nil || *t.Source == "" {
		return fmt.Sprintf(AUR_GIT_URL, t.Name)
	}
	return *t.Source
}

func (t *BuildTask) SubfolderOrEmpty() string {
	if t.Subfolder == nil {
		return ""
	}
	return *t.Subfolder
}

func (t *BuildTask) OptionsOrEmpty() string {
	if t.Options == nil {
		return ""
	}
	return *t.Options
}

func DecodeBuildTask(data []byte) (BuildTask, error) {
	var task BuildTask
	if err := json.Unmarshal(data, &task); err != nil {
		return task, err
	}
	if task.Id == 0 {
		return task, &MissingFieldError{Field: "id"}
	}
	if task.Name == "" {
		return task, &MissingFieldError{Field: "name"}
	}
	return task, nil
}
