package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerURI  string
	containerErr  error
)

// GetMongoURI returns the connection URI of a Mongo instance shared by
// the whole package run. Tests are skipped when Docker is unavailable.
func GetMongoURI(t *testing.T) string {
	t.Helper()

	containerOnce.Do(func() {
		containerURI, containerErr = startMongo()
	})

	if containerErr != nil {
		t.Skipf("skipping Mongo tests: %v", containerErr)
	}
	return containerURI
}

func startMongo() (uri string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting Mongo testcontainer panicked: %v", r)
		}
	}()

	c, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp").
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start Mongo testcontainer: %w", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", fmt.Errorf("failed to get Mongo container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "27017/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", fmt.Errorf("failed to get Mongo container mapped port: %w", err)
	}

	if host == "" || host == "localhost" || host == "::1" {
		host = "127.0.0.1"
	}

	// The container outlives any single test; it is torn down with the
	// test process.
	return fmt.Sprintf("mongodb://%s:%s", host, port.Port()), nil
}
