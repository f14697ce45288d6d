package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dCont "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/hbomb79/Iris/pkg/logger"
)

type ContainerStatus int

const (
	// Container struct instance has just been created
	INIT ContainerStatus = iota

	// Container image has been pulled to the local docker daemon, but the container has not yet been created
	PULLED

	// Container has been created from a previously PULLED image
	CREATED

	// Container is UP and working normally
	UP

	// Container has CRASHED
	CRASHED

	// Container is being closed intentionally, next status should always be DOWN
	CLOSING

	// Container is DOWN (intentionally closed)
	DOWN

	// Container has been removed
	DEAD
)

func (status ContainerStatus) String() string {
	switch status {
	case INIT:
		return "INIT"
	case PULLED:
		return "PULLED"
	case CREATED:
		return "CREATED"
	case UP:
		return "UP"
	case CRASHED:
		return "CRASHED"
	case CLOSING:
		return "CLOSING"
	case DOWN:
		return "DOWN"
	case DEAD:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", status)
	}
}

// pullEvent is the subset of the daemon's image-pull progress stream
// that is worth surfacing in the logs.
type pullEvent struct {
	Status   string `json:"status"`
	Error    string `json:"error"`
	Progress string `json:"progress"`
}

type DockerContainer interface {
	// Start will pull the required Docker image and attempt to create and start
	// a container via the Docker SDK. An error will be returned from this method if
	// this process fails, however monitoring of this container occurs asynchronously
	// so no error will be returned if the container crashes after successfully starting.
	Start(context.Context, client.APIClient) error

	// Close shuts down this container by stopping it (if running) and removing it
	// from the docker daemon via the Docker SDK. If closing or removing
	// the container fails, this method will return an error.
	Close(context.Context, client.APIClient, time.Duration) error

	// MessageChannel returns the channel used by a running container to broadcast new
	// messages from the stdout/stderr of the container. A DEAD container will have a closed
	// message channel.
	MessageChannel() chan []byte

	// StatusChannel returns the channel used by a container to broadcast it's status (see ContainerStatus)
	// A channel that has broadcast a DEAD state will soon close this channel.
	StatusChannel() chan ContainerStatus

	// Label returns the label of this container
	Label() string

	// ID returns the container ID of this container.
	ID() string

	// Status returns the current status of this container. To receive updates of this status in real-time, use
	// the StatusChannel()
	Status() ContainerStatus
}

type dockerContainer struct {
	// mutex guards status and closed: Close is called by the manager
	// while the container's own monitor goroutine may be recording a
	// crash, and the status channel must never be written after close.
	mutex  sync.Mutex
	closed bool

	statusChannel     chan ContainerStatus
	messageChannel    chan []byte
	label             string
	imageID           string
	containerID       string
	status            ContainerStatus
	containerConf     *dCont.Config
	containerHostConf *dCont.HostConfig
}

// NewDockerContainer creates a new DockerContainer instance. This instance can later be started manually, or via a
// DockerManager (see NewDockerManager).
func NewDockerContainer(label string, image string, conf *dCont.Config, hostConf *dCont.HostConfig) DockerContainer {
	return &dockerContainer{
		statusChannel:     make(chan ContainerStatus, 5),
		messageChannel:    make(chan []byte, 5),
		imageID:           image,
		containerConf:     conf,
		containerHostConf: hostConf,
		status:            INIT,
		label:             label,
	}
}

func (container *dockerContainer) Start(ctx context.Context, cli client.APIClient) error {
	if container.Status() != INIT {
		return fmt.Errorf("cannot start container %s based on image %v as status is invalid", container, container.imageID)
	}

	if err := container.pullImage(ctx, cli); err != nil {
		return err
	}
	container.setStatus(PULLED)

	resp, err := cli.ContainerCreate(ctx, container.containerConf, container.containerHostConf, nil, nil, container.label)
	if err != nil {
		return fmt.Errorf("failed to create container for %s: %v", container, err.Error())
	}
	container.containerID = resp.ID
	container.setStatus(CREATED)

	if err := cli.ContainerStart(ctx, resp.ID, dCont.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container for %s: %v", container, err.Error())
	}
	container.setStatus(UP)

	go container.monitorContainer(ctx, cli)
	return nil
}

// pullImage fetches the container's image, relaying the daemon's
// progress stream into the logs as it arrives.
func (container *dockerContainer) pullImage(ctx context.Context, cli client.APIClient) error {
	out, err := cli.ImagePull(ctx, container.imageID, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %v for container %s: %v", container.imageID, container, err.Error())
	}
	defer out.Close()

	eventStream := json.NewDecoder(out)
	for {
		var event pullEvent
		if err := eventStream.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("pull of image %v for container %s emitted a malformed event: %v", container.imageID, container, err.Error())
		}

		switch {
		case event.Error != "":
			dockerLogger.Emit(logger.ERROR, "\n%s: %s\n", container, event.Error)
		case event.Progress != "":
			dockerLogger.Emit(logger.DEBUG, "%s: %s\n", container, event.Progress)
		case event.Status != "":
			dockerLogger.Emit(logger.DEBUG, "%s: %s\n", container, event.Status)
		}
	}
}

func (container *dockerContainer) Close(ctx context.Context, cli client.APIClient, timeout time.Duration) error {
	if container.Status() == DEAD {
		return nil
	}

	if container.canStop() {
		container.setStatus(CLOSING)
		timeoutSeconds := int(timeout.Seconds())
		if err := cli.ContainerStop(ctx, container.containerID, dCont.StopOptions{Timeout: &timeoutSeconds}); err != nil {
			return fmt.Errorf("failed to stop container %s: %v", container, err.Error())
		}

		container.setStatus(DOWN)
	}

	if container.canRemove() {
		if err := cli.ContainerRemove(ctx, container.containerID, dCont.RemoveOptions{}); err != nil {
			return fmt.Errorf("failed to remove container %s: %v", container, err.Error())
		}
	}
	container.setStatus(DEAD)

	container.mutex.Lock()
	defer container.mutex.Unlock()
	container.closed = true
	close(container.statusChannel)
	close(container.messageChannel)

	return nil
}

func (container *dockerContainer) MessageChannel() chan []byte {
	return container.messageChannel
}

func (container *dockerContainer) StatusChannel() chan ContainerStatus {
	return container.statusChannel
}

func (container *dockerContainer) ID() string {
	return container.containerID
}

func (container *dockerContainer) Label() string {
	return container.label
}

func (container *dockerContainer) Status() ContainerStatus {
	container.mutex.Lock()
	defer container.mutex.Unlock()

	return container.status
}

func (container *dockerContainer) String() string {
	if container.containerID == "" {
		return fmt.Sprintf("%v[...]", container.label)
	}

	return fmt.Sprintf("%v[%v]", container.label, container.containerID[:10])
}

func (container *dockerContainer) canStop() bool {
	status := container.Status()
	return status == CLOSING || status == CREATED || status == UP || status == CRASHED
}

func (container *dockerContainer) canRemove() bool {
	return container.canStop() || container.Status() == DOWN || container.Status() == CRASHED
}

func (container *dockerContainer) setStatus(stat ContainerStatus) {
	container.mutex.Lock()
	defer container.mutex.Unlock()

	if container.status == DEAD || container.closed {
		return
	}

	container.status = stat
	container.statusChannel <- container.status
}

// monitorContainer follows the container's log stream, mirroring each
// line on to the message channel. The stream ending while the container
// was not deliberately closing is recorded as a crash.
func (container *dockerContainer) monitorContainer(ctx context.Context, cli client.APIClient) {
	reader, err := cli.ContainerLogs(ctx, container.containerID, dCont.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
		Details:    false,
	})
	if err != nil {
		container.setStatus(CRASHED)
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if !container.relayMessage(scanner.Bytes()) {
			return
		}
	}

	// A log stream that ends while the container is still UP means the
	// container exited on it's own. Any other state here is a deliberate
	// shutdown part-way through Close.
	if container.Status() == UP {
		container.setStatus(CRASHED)
	}
}

// relayMessage mirrors one log line on to the message channel, bailing
// out once the container has been closed.
func (container *dockerContainer) relayMessage(line []byte) bool {
	container.mutex.Lock()
	defer container.mutex.Unlock()

	if container.closed {
		return false
	}

	container.messageChannel <- line

	return true
}
