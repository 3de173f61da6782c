package executor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// BrowserEnv provisions a headless-chrome container for the run and tears it
// down afterwards, so runs do not depend on a locally installed Chrome.
type BrowserEnv struct {
	client      *client.Client
	image       string
	port        int
	containerID string
	logger      *slog.Logger
}

// NewBrowserEnv creates a provisioner for the given image and host devtools port.
func NewBrowserEnv(imageRef string, devtoolsPort int, logger *slog.Logger) (*BrowserEnv, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if imageRef == "" {
		imageRef = "chromedp/headless-shell:latest"
	}
	if devtoolsPort <= 0 {
		devtoolsPort = 9222
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserEnv{client: cli, image: imageRef, port: devtoolsPort, logger: logger}, nil
}

// Start pulls the image if needed, runs the container, and waits for the
// devtools endpoint to accept connections. Returns the devtools URL to hand
// to the browser executor.
func (e *BrowserEnv) Start(ctx context.Context) (string, error) {
	reader, err := e.client.ImagePull(ctx, e.image, image.PullOptions{})
	if err == nil {
		// Drain so the pull completes; a local image makes this a no-op read.
		buf := make([]byte, 4096)
		for {
			if _, rerr := reader.Read(buf); rerr != nil {
				break
			}
		}
		_ = reader.Close()
	} else {
		e.logger.Warn("image pull failed, trying local image", "image", e.image, "error", err)
	}

	containerPort := nat.Port("9222/tcp")
	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image: e.image,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", e.port)},
			},
		},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create browser container: %w", err)
	}
	e.containerID = resp.ID

	if err := e.client.ContainerStart(ctx, e.containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start browser container: %w", err)
	}

	devtoolsURL := fmt.Sprintf("http://127.0.0.1:%d", e.port)
	if err := e.waitReady(ctx, devtoolsURL); err != nil {
		_ = e.Stop(context.Background())
		return "", err
	}

	e.logger.Info("browser environment ready", "image", e.image, "devtools", devtoolsURL)
	return devtoolsURL, nil
}

// waitReady polls the devtools version endpoint until it responds.
func (e *BrowserEnv) waitReady(ctx context.Context, devtoolsURL string) error {
	deadline := time.Now().Add(30 * time.Second)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, devtoolsURL+"/json/version", nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("browser container devtools endpoint %s not ready", devtoolsURL)
}

// Stop removes the container and closes the client.
func (e *BrowserEnv) Stop(ctx context.Context) error {
	var err error
	if e.containerID != "" {
		timeout := 5
		err = e.client.ContainerStop(ctx, e.containerID, container.StopOptions{Timeout: &timeout})
		e.containerID = ""
	}
	if cerr := e.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// HostReachable reports whether the docker daemon answers; used by doctor.
func (e *BrowserEnv) HostReachable(ctx context.Context) bool {
	_, err := e.client.Ping(ctx)
	return err == nil
}
