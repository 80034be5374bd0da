package aur

import (
	"context"
	"fmt"
	"io"
	"path"

	srcinfo "github.com/Morganamilo/go-srcinfo"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/hashworks/aur-ci/model"
)

const SRCINFO_FILE = ".SRCINFO"

// RepositoryReader reads package metadata from the .SRCINFO of a git repository. Repositories
// are cloned into memory on every fetch, nothing is kept between cycles.
type RepositoryReader struct{}

func NewRepositoryReader() *RepositoryReader {
	return &RepositoryReader{}
}

func (r *RepositoryReader) Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	metadata, err := r.fetch(ctx, pkg)
	if err != nil {
		return model.PackageMetadata{}, &model.FetchError{Package: pkg.String(), Err: err}
	}
	return metadata, nil
}

func (r *RepositoryReader) fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	repository, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:        pkg.Source,
		RemoteName: "origin",
	})
	if err != nil {
		return model.PackageMetadata{}, fmt.Errorf("failed to clone: %w", err)
	}

	worktree, err := repository.Worktree()
	if err != nil {
		return model.PackageMetadata{}, err
	}

	file, err := worktree.Filesystem.Open(path.Join(pkg.Subfolder, SRCINFO_FILE))
	if err != nil {
		return model.PackageMetadata{}, fmt.Errorf("failed to open %s: %w", SRCINFO_FILE, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return model.PackageMetadata{}, fmt.Errorf("failed to read %s: %w", SRCINFO_FILE, err)
	}

	info, err := ParseSRCINFO(data)
	if err != nil {
		return model.PackageMetadata{}, err
	}

	ref, err := repository.Head()
	if err != nil {
		return model.PackageMetadata{}, fmt.Errorf("failed to get head: %w", err)
	}
	commit, err := repository.CommitObject(ref.Hash())
	if err != nil {
		return model.PackageMetadata{}, fmt.Errorf("failed to get head commit: %w", err)
	}

	return model.PackageMetadata{
		Name:         info.Pkgbase,
		Version:      info.Version(),
		Maintainer:   model.UNKNOWN_MAINTAINER,
		LastModified: commit.Committer.When.Unix(),
		Source:       pkg.Source,
		Subfolder:    pkg.Subfolder,
		Options:      pkg.Options,
		Environment:  pkg.Environment,
	}, nil
}

// ParseSRCINFO parses a .SRCINFO document. A document without pkgbase, pkgver or pkgrel is
// rejected with a MissingFieldError.
func ParseSRCINFO(data []byte) (*srcinfo.Srcinfo, error) {
	info, err := srcinfo.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", SRCINFO_FILE, err)
	}
	switch {
	case info.Pkgbase == "":
		return nil, &model.MissingFieldError{Field: "pkgbase"}
	case info.Pkgver == "":
		return nil, &model.MissingFieldError{Field: "pkgver"}
	case info.Pkgrel == "":
		return nil, &model.MissingFieldError{Field: "pkgrel"}
	}
	return info, nil
}
