// Package aur fetches the upstream state of tracked packages from the AUR RPC interface and
// from git repositories.
package aur

import (
	"context"
	"fmt"

	"github.com/hashworks/aur-ci/model"
)

type Fetcher interface {
	Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error)
}

// Sources dispatches a fetch to the collaborator of the package kind.
type Sources struct {
	AUR Fetcher
	Git Fetcher
}

func NewSources() *Sources {
	return &Sources{AUR: NewRPCClient(), Git: NewRepositoryReader()}
}

func (s *Sources) Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	switch pkg.Kind {
	case model.PACKAGE_KIND_AUR:
		return s.AUR.Fetch(ctx, pkg)
	case model.PACKAGE_KIND_GIT:
		return s.Git.Fetch(ctx, pkg)
	default:
		return model.PackageMetadata{}, &model.FetchError{Package: pkg.String(), Err: fmt.Errorf("unsupported package kind %s", pkg.Kind)}
	}
}
