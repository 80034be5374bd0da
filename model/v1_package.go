package model

import (
	"fmt"
	"strings"
)

type PackageKind int8

const (
	PACKAGE_KIND_AUR PackageKind = 10
	PACKAGE_KIND_GIT PackageKind = 20
)

const UNKNOWN_MAINTAINER = "unknown"

func (k PackageKind) String() string {
	switch k {
	case PACKAGE_KIND_AUR:
		return "aur"
	case PACKAGE_KIND_GIT:
		return "git"
	default:
		return "unknown"
	}
}

type EnvironmentVariable struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

func (v EnvironmentVariable) String() string {
	return v.Name + "=" + v.Value
}

// PackageConfig is a tracked package as configured at startup. AUR entries are identified by
// Name, git entries by Source (and optionally Subfolder).
type PackageConfig struct {
	Kind        PackageKind
	Name        string
	Source      string
	Subfolder   string
	Options     string
	Environment []EnvironmentVariable
}

func (c PackageConfig) String() string {
	if c.Kind == PACKAGE_KIND_GIT {
		if c.Subfolder != "" {
			return c.Source + "#" + strings.Trim(c.Subfolder, "/")
		}
		return c.Source
	}
	return c.Name
}

func (c PackageConfig) Validate() error {
	switch c.Kind {
	case PACKAGE_KIND_AUR:
		if c.Name == "" {
			return &MissingFieldError{Field: "name"}
		}
	case PACKAGE_KIND_GIT:
		if c.Source == "" {
			return &MissingFieldError{Field: "source"}
		}
	default:
		return fmt.Errorf("invalid package kind %d", c.Kind)
	}
	for _, v := range c.Environment {
		if v.Name == "" {
			return &MissingFieldError{Field: "env.name"}
		}
	}
	return nil
}

// PackageMetadata is the upstream state of a package as reported by a fetch collaborator.
type PackageMetadata struct {
	Name         string
	Version      string
	Maintainer   string
	LastModified int64
	Source       string
	Subfolder    string
	Options      string
	Environment  []EnvironmentVariable
}

// PackageState is the last known upstream state of a package. Id is assigned on insert and
// never changes afterwards.
type PackageState struct {
	Id           int64  `json:"id" xorm:"pk autoincr"`
	Name         string `json:"name" xorm:"unique notnull"`
	Version      string `json:"version" xorm:"notnull"`
	Maintainer   string `json:"maintainer"`
	LastModified int64  `json:"last_modified" xorm:"notnull"`
	Source       string `json:"source,omitempty"`
	Subfolder    string `json:"subfolder,omitempty"`
}

func (PackageState) TableName() string {
	return "package_metadata"
}

func NewPackageStateFromMetadata(metadata PackageMetadata) PackageState {
	return PackageState{
		Name:         metadata.Name,
		Version:      metadata.Version,
		Maintainer:   metadata.Maintainer,
		LastModified: metadata.LastModified,
		Source:       metadata.Source,
		Subfolder:    metadata.Subfolder,
	}
}

// NewBuildTask combines the stored state with freshly fetched data. Version, options and
// environment always come from the fetch, identity and source from the store.
func NewBuildTask(state PackageState, metadata PackageMetadata) BuildTask {
	return BuildTask{
		Id:          state.Id,
		Name:        state.Name,
		Version:     metadata.Version,
		Source:      optionalString(state.Source),
		Subfolder:   optionalString(state.Subfolder),
		Options:     optionalString(metadata.Options),
		Environment: metadata.Environment,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
