package aur

import (
	"context"
	"errors"

	"github.com/hashworks/aur-ci/model"
	rpc "github.com/mikkeloscar/aur"
)

var ErrNotInAUR = errors.New("package not found in the AUR")

// InfoFunc queries the AUR RPC interface for the given package names.
type InfoFunc func(packageNames []string) ([]rpc.Pkg, error)

type RPCClient struct {
	info InfoFunc
}

func NewRPCClient() *RPCClient {
	return &RPCClient{info: rpc.Info}
}

func NewRPCClientWithInfo(info InfoFunc) *RPCClient {
	return &RPCClient{info: info}
}

func (c *RPCClient) Fetch(ctx context.Context, pkg model.PackageConfig) (model.PackageMetadata, error) {
	if err := ctx.Err(); err != nil {
		return model.PackageMetadata{}, err
	}

	rpcPackages, err := c.info([]string{pkg.Name})
	if err != nil {
		return model.PackageMetadata{}, &model.FetchError{Package: pkg.Name, Err: err}
	}

	for _, rpcPackage := range rpcPackages {
		if rpcPackage.Name != pkg.Name {
			continue
		}
		metadata, err := newMetadataFromRPCPackage(rpcPackage, pkg)
		if err != nil {
			return model.PackageMetadata{}, &model.FetchError{Package: pkg.Name, Err: err}
		}
		return metadata, nil
	}

	return model.PackageMetadata{}, &model.FetchError{Package: pkg.Name, Err: ErrNotInAUR}
}

func newMetadataFromRPCPackage(rpcPackage rpc.Pkg, pkg model.PackageConfig) (model.PackageMetadata, error) {
	if rpcPackage.Version == "" {
		return model.PackageMetadata{}, &model.MissingFieldError{Field: "Version"}
	}
	if rpcPackage.LastModified == 0 {
		return model.PackageMetadata{}, &model.MissingFieldError{Field: "LastModified"}
	}

	// Orphaned packages have no maintainer
	maintainer := rpcPackage.Maintainer
	if maintainer == "" {
		maintainer = model.UNKNOWN_MAINTAINER
	}

	return model.PackageMetadata{
		Name:         rpcPackage.Name,
		Version:      rpcPackage.Version,
		Maintainer:   maintainer,
		LastModified: int64(rpcPackage.LastModified),
		Options:      pkg.Options,
		Environment:  pkg.Environment,
	}, nil
}
