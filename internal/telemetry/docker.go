package telemetry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"prio-governor/internal/logging"
)

// ContainerResolver maps a cgroup path to the name of the container that owns
// it, or "" when the path belongs to no known container.
type ContainerResolver interface {
	ContainerName(cgroupPath string) string
}

var containerIDPattern = regexp.MustCompile(`(?:docker-|/docker/)([0-9a-f]{64})`)

// ContainerID extracts a docker container id from a cgroup path. Both the
// systemd driver (docker-<id>.scope) and the cgroupfs driver (/docker/<id>)
// layouts are recognised.
func ContainerID(cgroupPath string) string {
	m := containerIDPattern.FindStringSubmatch(cgroupPath)
	if m == nil {
		return ""
	}
	return m[1]
}

// containerLister is the subset of the docker client used here.
type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerResolver caches container names from the docker daemon and refreshes
// them at most once per interval.
type DockerResolver struct {
	lister   containerLister
	interval time.Duration

	mu        sync.RWMutex
	names     map[string]string
	refreshed time.Time
}

// NewDockerResolver connects to the daemon configured by the environment. It
// fails when no daemon answers, so callers can run without enrichment.
func NewDockerResolver(ctx context.Context, interval time.Duration) (*DockerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return newDockerResolver(cli, interval), nil
}

func newDockerResolver(lister containerLister, interval time.Duration) *DockerResolver {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DockerResolver{lister: lister, interval: interval, names: map[string]string{}}
}

// Refresh reloads the id → name table when it is older than the interval.
func (r *DockerResolver) Refresh(ctx context.Context, now time.Time) {
	r.mu.RLock()
	fresh := !r.refreshed.IsZero() && now.Sub(r.refreshed) < r.interval
	r.mu.RUnlock()
	if fresh {
		return
	}

	list, err := r.lister.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		logging.GetLogger().WithError(err).Warn("Failed to list docker containers")
		r.mu.Lock()
		r.refreshed = now
		r.mu.Unlock()
		return
	}
	names := make(map[string]string, len(list))
	for _, c := range list {
		name := c.ID[:min(12, len(c.ID))]
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		names[c.ID] = name
	}

	r.mu.Lock()
	r.names = names
	r.refreshed = now
	r.mu.Unlock()
	logging.GetLogger().WithFields(logrus.Fields{"containers": len(names)}).Debug("Refreshed docker container names")
}

func (r *DockerResolver) ContainerName(cgroupPath string) string {
	id := ContainerID(cgroupPath)
	if id == "" {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}
