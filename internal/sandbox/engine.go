package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerEngine adapts the Docker SDK client to engine.
type dockerEngine struct {
	cli *client.Client
}

func newDockerEngine(host string) (*dockerEngine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{cli: cli}, nil
}

func (e *dockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := e.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, err
	}
	return len(images) > 0, nil
}

// PullImage reads the progress stream to the end; the pull is only complete
// once the stream is drained. Errors reported inside the stream are surfaced.
func (e *dockerEngine) PullImage(ctx context.Context, ref string, platform *ocispec.Platform) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{Platform: formatPlatform(platform)})
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
	}
}

func (e *dockerEngine) CreateContainer(ctx context.Context, spec containerSpec) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Labels:     spec.Labels,
			WorkingDir: spec.MountPath,
		},
		&container.HostConfig{
			Binds: spec.Binds,
		},
		nil, spec.Platform, spec.Name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) StartContainer(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	return e.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (e *dockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) ContainerRunning(ctx context.Context, id string) (bool, error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

func (e *dockerEngine) ListContainers(ctx context.Context, label string) ([]Sandbox, error) {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Sandbox, 0, len(containers))
	for _, c := range containers {
		out = append(out, Sandbox{
			Handle:    c.ID,
			SessionID: c.Labels[label],
			Running:   c.State == "running",
		})
	}
	return out, nil
}

// Exec attaches to a one-shot exec and demultiplexes its output. The hijacked
// connection is closed when ctx ends so a hung command cannot block forever.
func (e *dockerEngine) Exec(ctx context.Context, id string, cmd []string) (string, int, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, err
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, err
	}
	defer attach.Close()

	var buf bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&buf, &buf, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return buf.String(), 0, err
		}
	case <-ctx.Done():
		attach.Close()
		<-copied
		return buf.String(), 0, ctx.Err()
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return buf.String(), 0, err
	}
	return buf.String(), inspect.ExitCode, nil
}

func (e *dockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}
