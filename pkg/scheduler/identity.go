package scheduler

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Identity names one (process, job type) pair in the cluster.
// Two processes configured with the same host and port collide; that is an
// operational misconfiguration the coordinator cannot detect.
type Identity struct {
	Host    string
	Port    int
	JobType string
	PID     string
}

// NewIdentity derives the identity of this process for jobType.
// An empty host falls back to os.Hostname.
func NewIdentity(host string, port int, jobType string) (Identity, error) {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return Identity{}, schedulerError(ErrInvalidArgument, "job type is required")
	}
	if port < 0 || port > 65535 {
		return Identity{}, schedulerError(ErrInvalidArgument, fmt.Sprintf("port %d out of range", port))
	}
	host = strings.TrimSpace(host)
	if host == "" {
		resolved, err := os.Hostname()
		if err != nil || strings.TrimSpace(resolved) == "" {
			resolved = "localhost"
		}
		host = resolved
	}
	return Identity{
		Host:    host,
		Port:    port,
		JobType: jobType,
		PID:     strconv.Itoa(os.Getpid()),
	}, nil
}

// ActiveID is the lease id "<host>:<port>/<jobType>".
func (i Identity) ActiveID() string {
	return fmt.Sprintf("%s:%d/%s", i.Host, i.Port, i.JobType)
}

func (i Identity) String() string {
	return i.ActiveID()
}
