package broker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/hbomb79/Iris/pkg/docker"
)

// InitialiseDockerBroker spawns a Redis container for the request
// stream, with append-only persistence bind-mounted under the user's
// home dir so queued messages survive container restarts.
func InitialiseDockerBroker(dockerManager docker.DockerManager, config Config, errChannel chan error) (docker.DockerContainer, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("Cannot initialize docker broker volume mount as cannot find user home dir: %s", err.Error()))
	}

	redisDataPath := filepath.Join(homeDir, "iris_redis.dat")
	if err := os.MkdirAll(redisDataPath, os.ModeDir); err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(config.Address)
	if err != nil {
		return nil, fmt.Errorf("broker address %s is not a valid host:port pair: %s", config.Address, err.Error())
	}
	if host == "" || host == "localhost" {
		host = "0.0.0.0"
	}

	command := []string{"redis-server", "--appendonly", "yes"}
	if config.Password != "" {
		command = append(command, "--requirepass", config.Password)
	}

	containerConfig := &container.Config{
		Image: "redis:7-alpine",
		Cmd:   command,
		ExposedPorts: nat.PortSet{
			"6379": struct{}{},
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"6379": []nat.PortBinding{{
				HostIP:   host,
				HostPort: port,
			}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: redisDataPath,
				Target: "/data",
			},
		},
	}

	redis := docker.NewDockerContainer("redis", "redis:7-alpine", containerConfig, hostConfig)
	if err := dockerManager.SpawnContainer(redis); err != nil {
		return nil, err
	}

	// Watch for container crash (teardown)
	go func() {
		st, err := dockerManager.WaitForContainer(redis, docker.CRASHED)
		if st != docker.CRASHED || err != nil {
			return
		}

		errChannel <- fmt.Errorf("container %s has crashed", redis)
	}()

	return redis, nil
}
