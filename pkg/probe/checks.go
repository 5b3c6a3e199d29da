package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	domainerrors "github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/processstate"
)

// Target describes the daemon a probe is built for
type Target struct {
	Pid  func() int
	Root string
	Env  []string
}

// Build turns a probe configuration into a check bound to target
func Build(config Config, target Target) (CheckFunc, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Type {
	case TypeHTTP:
		return httpCheck(config.HTTP), nil
	case TypeGRPC:
		return grpcCheck(config.GRPC), nil
	case TypeTCP:
		return tcpCheck(config.TCP), nil
	case TypeExec:
		return execCheck(config.Exec, target), nil
	case TypeProcess:
		return processCheck(target), nil
	case TypeNone:
		return func(ctx context.Context) Result {
			return Ready("no probe configured")
		}, nil
	}
	return nil, domainerrors.NewValidationError("unsupported probe type: "+string(config.Type), nil)
}

func tcpCheck(config TCPConfig) CheckFunc {
	address := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))
	return func(ctx context.Context) Result {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return NotReady(fmt.Sprintf("TCP connection failed: %v", err))
		}
		conn.Close()
		return Ready(fmt.Sprintf("TCP connection successful to %s", address))
	}
}

func httpCheck(config HTTPConfig) CheckFunc {
	method := config.Method
	if method == "" {
		method = http.MethodGet
	}
	client := &http.Client{}

	return func(ctx context.Context) Result {
		req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
		if err != nil {
			return Fatal(fmt.Sprintf("failed to create HTTP request: %v", err))
		}
		for key, value := range config.Headers {
			req.Header.Set(key, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			return NotReady(fmt.Sprintf("HTTP request failed: %v", err))
		}
		defer resp.Body.Close()

		if config.ExpectedStatus != 0 {
			if resp.StatusCode == config.ExpectedStatus {
				return Ready(fmt.Sprintf("HTTP probe passed: %s", resp.Status))
			}
			return NotReady(fmt.Sprintf("HTTP probe expected %d, got %s", config.ExpectedStatus, resp.Status))
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return Ready(fmt.Sprintf("HTTP probe passed: %s", resp.Status))
		}
		return NotReady(fmt.Sprintf("HTTP probe failed: %s", resp.Status))
	}
}

// grpcCheck speaks the standard health protocol; a server without the
// health service counts as ready once it answers at all
func grpcCheck(config GRPCConfig) CheckFunc {
	return func(ctx context.Context) Result {
		conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return Fatal(fmt.Sprintf("invalid gRPC target %s: %v", config.Address, err))
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
		if err != nil {
			if status.Code(err) == codes.Unimplemented {
				return Ready(fmt.Sprintf("gRPC connection successful to %s (health service not implemented)", config.Address))
			}
			return NotReady(fmt.Sprintf("gRPC health check failed: %v", err))
		}

		if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return Ready(fmt.Sprintf("gRPC service %q is serving", config.Service))
		}
		return NotReady(fmt.Sprintf("gRPC service %q status: %s", config.Service, resp.GetStatus()))
	}
}

func execCheck(config ExecConfig, target Target) CheckFunc {
	return func(ctx context.Context) Result {
		cmd := exec.CommandContext(ctx, config.Command, config.Args...)
		cmd.Dir = target.Root
		if len(target.Env) > 0 {
			cmd.Env = target.Env
		}

		output, err := cmd.CombinedOutput()
		if ctx.Err() == context.DeadlineExceeded {
			return NotReady("exec probe timed out")
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return NotReady(fmt.Sprintf("exec probe exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(output))))
			}
			return Fatal(fmt.Sprintf("exec probe could not run: %v", err))
		}
		return Ready(strings.TrimSpace(string(output)))
	}
}

func processCheck(target Target) CheckFunc {
	return func(ctx context.Context) Result {
		if target.Pid == nil {
			return Fatal("process probe has no process to watch")
		}
		pid := target.Pid()
		running, err := processstate.IsProcessRunning(pid)
		if err != nil {
			return NotReady(fmt.Sprintf("process state unknown, PID %d: %v", pid, err))
		}
		if !running {
			return Fatal(fmt.Sprintf("process not running: PID %d", pid))
		}
		return Ready(fmt.Sprintf("process is running: PID %d", pid))
	}
}
