//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/astroshop/api/internal/platform/config"
	pfirestore "github.com/astroshop/api/internal/platform/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// newEmulatorProvider starts a throwaway Firestore emulator container and returns a provider
// bound to it, skipping the test when Docker is unavailable.
func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	containerID := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "stop", containerID).Run()
	})

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}
