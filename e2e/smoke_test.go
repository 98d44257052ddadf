//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."              // relative to ./e2e
const mainPkgRel = "./cmd/beaconsync" // main.go lives in cmd/beaconsync

const (
	tagAddress = "CB:B8:33:4C:88:4F"
	// Data format 5 advertisement: 24.3 C, 53.49 %RH, 1000.44 hPa.
	tagAdvertisement = "0201061BFF99040512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"
)

func TestSmoke_Healthz(t *testing.T) {
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := startServer(t, bin, addr, nil)

	client := &http.Client{Timeout: 2 * time.Second}
	url := "http://" + addr + "/healthz"

	waitForOK(t, client, url, 5*time.Second)

	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d want=%d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body.status=%q want=%q", body["status"], "ok")
	}

	stopServer(t, cmd)
}

func TestSmoke_GatewayIngest(t *testing.T) {
	repoRoot := repoRootPath(t)
	brokerHost, brokerPort := startBroker(t)
	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)

	cmd := startServer(t, bin, addr, []string{
		"MQTT_ENABLED=true",
		"MQTT_BROKER=" + brokerHost,
		"MQTT_PORT=" + brokerPort,
		"MQTT_TOPIC=ruuvi/#",
	})

	client := &http.Client{Timeout: 2 * time.Second}
	waitForOK(t, client, "http://"+addr+"/healthz", 5*time.Second)

	publishAdvertisement(t, brokerHost, brokerPort)

	type sensorView struct {
		ID     string `json:"id"`
		Latest *struct {
			Temperature *float64 `json:"temperature"`
		} `json:"latest"`
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		var sensors []sensorView
		resp, err := client.Get("http://" + addr + "/api/v1/sensors")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&sensors)
			_ = resp.Body.Close()
		}
		if err == nil && len(sensors) == 1 && sensors[0].Latest != nil {
			if sensors[0].ID != tagAddress {
				t.Fatalf("sensor id=%q want=%q", sensors[0].ID, tagAddress)
			}
			if got := sensors[0].Latest.Temperature; got == nil || math.Abs(*got-24.3) > 1e-9 {
				t.Fatalf("temperature=%v want=24.3", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway advertisement not stored (last err: %v, sensors: %d)", err, len(sensors))
		}
		time.Sleep(200 * time.Millisecond)
	}

	stopServer(t, cmd)
}

func startServer(t *testing.T, bin, addr string, extraEnv []string) *exec.Cmd {
	t.Helper()

	dataDir := t.TempDir()
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,
		"DB_DRIVER=sqlite3",
		"SQLITE_PATH="+filepath.Join(dataDir, "beaconsync.db"),
		"SESSION_PATH="+filepath.Join(dataDir, "session.yaml"),
		"BLE_ENABLED=false",
		"MQTT_ENABLED=false",
	)
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	return cmd
}

func startBroker(t *testing.T) (string, string) {
	t.Helper()

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:1.6",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),

		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Tmpfs = map[string]string{"/mosquitto/data": "rw"}
		},
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("broker host: %v", err)
	}
	port, err := c.MappedPort(ctx, nat.Port("1883/tcp"))
	if err != nil {
		t.Fatalf("broker port: %v", err)
	}
	return host, port.Port()
}

func publishAdvertisement(t *testing.T, host, port string) {
	t.Helper()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", host, port)).
		SetClientID("beaconsync-e2e-gateway")
	client := paho.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("connect publisher: %v", token.Error())
	}
	defer client.Disconnect(250)

	payload, err := json.Marshal(map[string]any{
		"gw_mac": "AA:BB:CC:00:11:22",
		"rssi":   -61,
		"ts":     time.Now().Unix(),
		"data":   tagAdvertisement,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	topic := "ruuvi/AA:BB:CC:00:11:22/" + tagAddress
	if token := client.Publish(topic, 1, false, payload); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("publish: %v", token.Error())
	}
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "beaconsync")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
