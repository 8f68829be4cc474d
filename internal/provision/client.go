// Package provision talks to the HatchVM API that creates workspace VMs and
// publishes their ports, and prepares the credentials a new VM is booted
// with.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/relay-agent/internal/retry"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// VM is a virtual machine as returned by the API.
type VM struct {
	ID            string `json:"id"`
	ImageID       string `json:"image_id"`
	State         string `json:"state"`
	VCPUCount     int    `json:"vcpu_count"`
	MemMiB        int    `json:"mem_mib"`
	GuestIP       string `json:"guest_ip"`
	SSHPort       int    `json:"ssh_port"`
	EnableNetwork bool   `json:"enable_network"`
	CreatedAt     string `json:"created_at"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// APIURL is the base URL of the API, e.g. http://hatchvm:8080.
	APIURL string
	// RouteHost is the domain public routes are served under.
	RouteHost string
	Timeout   time.Duration
	Retry     retry.Config
}

// Client calls the provisioning API.
type Client struct {
	apiURL    string
	routeHost string
	client    *http.Client
	retry     retry.Config
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := cfg.Retry
	rc.ShouldRetry = func(err error) bool {
		var pe *ProvisioningError
		return !errors.As(err, &pe) || pe.Temporary()
	}
	return &Client{
		apiURL:    strings.TrimRight(cfg.APIURL, "/"),
		routeHost: cfg.RouteHost,
		client:    &http.Client{Timeout: timeout},
		retry:     rc,
	}
}

// CreateVM boots a VM whose relay user trusts publicKey.
func (c *Client) CreateVM(ctx context.Context, publicKey string) (VM, error) {
	userData, err := CloudInit(publicKey)
	if err != nil {
		return VM{}, &ProvisioningError{Operation: "vm_create", Err: err}
	}

	slog.Info("Creating VM via HatchVM API")
	vm, err := retry.DoValue(ctx, c.retry, "vm_create", func(ctx context.Context) (VM, error) {
		var vm VM
		err := c.post(ctx, "vm_create", "/vms", map[string]any{"user_data": userData}, &vm)
		return vm, err
	})
	if err != nil {
		return VM{}, err
	}
	if vm.ID == "" {
		return VM{}, &ProvisioningError{Operation: "vm_create", Err: errors.New("response has no VM id")}
	}

	slog.Info("VM created", "vmId", vm.ID, "sshPort", vm.SSHPort)
	return vm, nil
}

// CreateRoute publishes port of a VM and returns its public URL. The VM id
// is used as the subdomain.
func (c *Client) CreateRoute(ctx context.Context, vmID string, port int) (string, error) {
	body := map[string]any{"subdomain": vmID, "target_port": port}
	path := fmt.Sprintf("/vms/%s/routes", vmID)

	err := retry.Do(ctx, c.retry, "route_create", func(ctx context.Context) error {
		return c.post(ctx, "route_create", path, body, nil)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.%s", vmID, c.routeHost), nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return retry.Permanent(&ProvisioningError{Operation: op, Err: err})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(&ProvisioningError{Operation: op, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ProvisioningError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("HatchVM API error", "operation", op, "status", resp.StatusCode, "body", string(data))
		return &ProvisioningError{Operation: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(&ProvisioningError{Operation: op, Err: fmt.Errorf("decode response: %w", err)})
	}
	return nil
}
