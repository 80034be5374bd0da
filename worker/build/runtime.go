// Package build runs build tasks in Docker containers and reports their results.
package build

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/versions"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Runtime is the subset of the Docker client used by the worker. *client.Client implements it.
type Runtime interface {
	ClientVersion() string
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

func platformFor(runtime Runtime) *ocispec.Platform {
	if versions.GreaterThanOrEqualTo(runtime.ClientVersion(), "1.41") {
		return &ocispec.Platform{
			Architecture: "amd64",
			OS:           "linux",
		}
	}
	return nil
}

// EncodeRegistryAuth returns the X-Registry-Auth value for image pulls, or an empty string if
// no credentials are set.
func EncodeRegistryAuth(address, user, password string) (string, error) {
	if user == "" && password == "" {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: address,
	})
}

// PullImage refreshes the build image. Failures are returned for logging only, a cached image
// may still be usable.
func PullImage(ctx context.Context, runtime Runtime, ref, registryAuth string) error {
	readCloser, err := runtime.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return err
	}
	defer readCloser.Close()

	// The pull only completes once the progress stream is consumed.
	_, err = io.Copy(io.Discard, readCloser)
	return err
}
