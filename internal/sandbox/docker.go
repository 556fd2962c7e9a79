package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerOptions configures the Docker controller.
type DockerOptions struct {
	Image       string
	MountPath   string
	StopTimeout time.Duration
	// Platform pins images and containers to "os/arch[/variant]"; empty
	// means the engine default.
	Platform string
}

// containerSpec is what the controller asks the engine to create.
type containerSpec struct {
	Name      string
	Image     string
	Cmd       []string
	Binds     []string
	Labels    map[string]string
	MountPath string
	Platform  *ocispec.Platform
}

// engine is the slice of the container engine the controller needs. The
// Docker implementation lives in engine.go.
type engine interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string, platform *ocispec.Platform) error
	CreateContainer(ctx context.Context, spec containerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ContainerRunning(ctx context.Context, id string) (bool, error)
	ListContainers(ctx context.Context, label string) ([]Sandbox, error)
	Exec(ctx context.Context, id string, cmd []string) (string, int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Docker implements Controller on a Docker engine.
type Docker struct {
	engine   engine
	opts     DockerOptions
	platform *ocispec.Platform
}

var _ Controller = (*Docker)(nil)

// NewDocker connects to the engine at host, or the environment's default
// when host is empty.
func NewDocker(host string, opts DockerOptions) (*Docker, error) {
	platform, err := ParsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	eng, err := newDockerEngine(host)
	if err != nil {
		return nil, err
	}
	return newDockerWithEngine(eng, opts, platform), nil
}

func newDockerWithEngine(eng engine, opts DockerOptions, platform *ocispec.Platform) *Docker {
	if opts.Image == "" {
		opts.Image = "alpine:latest"
	}
	if opts.MountPath == "" {
		opts.MountPath = "/app/uploads"
	}
	return &Docker{engine: eng, opts: opts, platform: platform}
}

// Provision pulls the image if needed, then creates and starts the sandbox.
func (d *Docker) Provision(ctx context.Context, sessionID, bindPath string) (string, error) {
	if err := d.ensureImage(ctx); err != nil {
		return "", provisionError(ctx, "pull image", err)
	}

	id, err := d.engine.CreateContainer(ctx, containerSpec{
		Name:      ContainerName(sessionID),
		Image:     d.opts.Image,
		Cmd:       []string{"/bin/sh", "-c", "tail -f /dev/null"},
		Binds:     []string{bindPath + ":" + d.opts.MountPath},
		Labels:    map[string]string{SessionLabel: sessionID},
		MountPath: d.opts.MountPath,
		Platform:  d.platform,
	})
	if err != nil {
		return "", provisionError(ctx, "create container", err)
	}

	if err := d.engine.StartContainer(ctx, id); err != nil {
		// ctx may already be done; cleanup must still reach the engine
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rmErr := d.engine.RemoveContainer(cleanupCtx, id); rmErr != nil && !cerrdefs.IsNotFound(rmErr) {
			log.Printf("Failed to remove unstarted sandbox %s for session %s: %v", shortID(id), sessionID, rmErr)
		}
		return "", provisionError(ctx, "start container", err)
	}

	log.Printf("Sandbox %s started for session %s", shortID(id), sessionID)
	return id, nil
}

func (d *Docker) ensureImage(ctx context.Context) error {
	ok, err := d.engine.ImageExists(ctx, d.opts.Image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	log.Printf("Pulling sandbox image %s", d.opts.Image)
	return d.engine.PullImage(ctx, d.opts.Image, d.platform)
}

func provisionError(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrProvisionTimeout, step, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProvisionFailed, step, err)
}

// Release stops then removes the sandbox. Not-found at either step means it
// is already gone.
func (d *Docker) Release(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := d.engine.StopContainer(ctx, handle, d.opts.StopTimeout); err != nil {
		if cerrdefs.IsNotFound(err) {
			log.Printf("Sandbox %s not found, likely already removed", shortID(handle))
			return
		}
		log.Printf("Failed to stop sandbox %s: %v", shortID(handle), err)
	}
	if err := d.engine.RemoveContainer(ctx, handle); err != nil {
		if cerrdefs.IsNotFound(err) {
			return
		}
		log.Printf("Failed to remove sandbox %s: %v", shortID(handle), err)
		return
	}
	log.Printf("Sandbox %s stopped and removed", shortID(handle))
}

// Execute runs cmd inside the sandbox and returns stdout and stderr combined.
func (d *Docker) Execute(ctx context.Context, handle string, cmd []string) (string, error) {
	if len(cmd) == 0 {
		return "", ErrEmptyCommand
	}
	output, code, err := d.engine.Exec(ctx, handle, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("%w: %v", ErrExecuteTimeout, err)
		}
		return output, fmt.Errorf("exec in sandbox %s: %w", shortID(handle), err)
	}
	if code != 0 {
		return output, fmt.Errorf("%w: exit code %d", ErrCommandFailed, code)
	}
	return output, nil
}

// Alive inspects the sandbox. A missing container is not alive and not an
// error.
func (d *Docker) Alive(ctx context.Context, handle string) (bool, error) {
	running, err := d.engine.ContainerRunning(ctx, handle)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return running, nil
}

// List returns every container labelled with a session id.
func (d *Docker) List(ctx context.Context) ([]Sandbox, error) {
	return d.engine.ListContainers(ctx, SessionLabel)
}

// Ping checks engine connectivity.
func (d *Docker) Ping(ctx context.Context) error {
	return d.engine.Ping(ctx)
}

// Close releases the engine client.
func (d *Docker) Close() error {
	return d.engine.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
