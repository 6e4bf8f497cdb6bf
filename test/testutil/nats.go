package testutil

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// natsBinaryEnv overrides nats-server binary path for integration tests.
const natsBinaryEnv = "ALERTHUB_TEST_NATS_SERVER"

// postgresDSNEnv enables Postgres integration tests.
const postgresDSNEnv = "ALERTHUB_TEST_POSTGRES_DSN"

// StartLocalNATSServer starts local nats-server with JetStream enabled for tests.
// Params: test handle for lifecycle and failure reporting.
// Returns: server URL and stop callback; skips in -short mode or when the binary is missing.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skip nats integration test in short mode")
	}

	binary := os.Getenv(natsBinaryEnv)
	if binary == "" {
		binary = "nats-server"
	}
	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	dataDir := tb.TempDir()
	cmd := exec.Command(binary, "-js", "-p", strconv.Itoa(port), "-sd", dataDir)
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	if err := waitForNATS(url, 8*time.Second); err != nil {
		stopProcess(cmd)
		tb.Fatalf("%v", err)
	}

	var stopOnce sync.Once
	return url, func() { stopOnce.Do(func() { stopProcess(cmd) }) }
}

// stopProcess terminates nats-server, killing it after a grace period.
func stopProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

// waitForNATS polls url until a client connection succeeds.
// Params: nats URL and overall timeout.
// Returns: last connect error when the deadline passes.
func waitForNATS(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url, nats.Timeout(time.Second))
		if err == nil {
			nc.Close()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("nats did not become ready at %s: %w", url, lastErr)
}

// PostgresDSN returns DSN for Postgres integration tests or skips the test.
func PostgresDSN(tb testing.TB) string {
	tb.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" || testing.Short() {
		tb.Skipf("%s is not set", postgresDSNEnv)
	}
	return dsn
}
