// Package setup implements the interactive `gateway setup` wizard that
// writes a starter config.yaml, adapted from the teacher's wizard for the
// gateway's route-table/authentication config shape (spec §6).
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tracplatform/gateway/internal/config"
)

const (
	defaultConfigPath = "/etc/trac-gateway/config.yaml"
	defaultListenPort = "8443"
	defaultHealthPort = "8444"
	defaultBackend    = "http://localhost:9090"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath   string                  // Override default config path
	CheckBackend func(io.Writer, string) // Override backend reachability check (for testing)
}

// RunWizard runs the interactive setup wizard. It takes io.Reader/io.Writer
// for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo gateway setup\n\n")
	}

	fmt.Fprintln(out, "TRAC Platform Gateway Setup")
	fmt.Fprintln(out, "===========================")
	fmt.Fprintln(out)

	// Step 1: Listen address
	listenHost := prompt(scanner, out, "Listen host [0.0.0.0]: ", "0.0.0.0")
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort), defaultListenPort)
	listenAddress := net.JoinHostPort(listenHost, listenPort)

	if reason := checkPortAvailable(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
	}

	// Step 2: Health listener
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort), defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 3: Default backend route
	backendURL := prompt(scanner, out,
		fmt.Sprintf("Default backend URL [%s]: ", defaultBackend), defaultBackend)
	if u, err := url.Parse(backendURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		fmt.Fprintf(out, "  WARNING: %q may not be a valid backend URL (expected http:// or https://)\n\n", backendURL)
	}
	checkBackend := checkBackendReachable
	if opts.CheckBackend != nil {
		checkBackend = opts.CheckBackend
	}
	checkBackend(out, backendURL)

	// Step 4: Signing key paths
	publicKeyPath := prompt(scanner, out, "JWT public key path (leave empty to disable signing): ", "")
	privateKeyPath := ""
	if publicKeyPath != "" {
		privateKeyPath = prompt(scanner, out, "JWT private key path: ", "")
	}

	// Step 5: Production mode
	productionAnswer := prompt(scanner, out, "Is this a production deployment? [y/N]: ", "n")
	production := strings.HasPrefix(strings.ToLower(productionAnswer), "y")
	if production && (publicKeyPath == "" || privateKeyPath == "") {
		fmt.Fprintln(out, "  WARNING: production deployments require both key paths; disable_signing will remain false")
		fmt.Fprintln(out, "  but the gateway will refuse to start until key material is supplied.")
	}

	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(configYAMLParams{
		ListenAddress:  listenAddress,
		HealthAddress:  healthAddress,
		BackendURL:     backendURL,
		PublicKeyPath:  publicKeyPath,
		PrivateKeyPath: privateKeyPath,
		Production:     production,
	})

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out, "Start trac-gateway service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start trac-gateway")
			}
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config: %s\n", configPath)
	fmt.Fprintf(out, "  Listen: https://%s\n", listenAddress)
	fmt.Fprintf(out, "  Health: http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health: curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:    sudo journalctl -u trac-gateway -f")
	fmt.Fprintln(out, "  Validate:     gateway validate --config "+configPath)

	return nil
}

func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

func checkBackendReachable(out io.Writer, backendURL string) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(backendURL)
	if err != nil {
		fmt.Fprintf(out, "  WARNING: Backend at %s is not reachable: %v\n", backendURL, err)
		fmt.Fprintln(out, "  (This is OK if the backend is not running yet)")
		fmt.Fprintln(out)
		return
	}
	resp.Body.Close()
	fmt.Fprintf(out, "  Backend at %s is reachable.\n\n", backendURL)
}

func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	if err := exec.Command("systemctl", "restart", "trac-gateway").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "trac-gateway").Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "trac-gateway").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

type configYAMLParams struct {
	ListenAddress  string
	HealthAddress  string
	BackendURL     string
	PublicKeyPath  string
	PrivateKeyPath string
	Production     bool
}

// generateConfig creates a commented YAML config string matching
// internal/config.Config's shape.
func generateConfig(p configYAMLParams) string {
	u, _ := url.Parse(p.BackendURL)
	backendHost, backendPort := u.Hostname(), u.Port()
	if backendPort == "" {
		backendPort = "80"
	}

	disableSigning := "true"
	if p.Production || (p.PublicKeyPath != "" && p.PrivateKeyPath != "") {
		disableSigning = "false"
	}

	return fmt.Sprintf(`# TRAC Platform Gateway Configuration
# Generated by: gateway setup

server:
  listen_address: "%s"
  idle_timeout: "120s"
  read_timeout: "30s"
  write_timeout: "30s"
  max_frame_size: 3145728
  max_pending_content: 65536

routes:
  - route_name: default
    route_type: HTTP
    protocols: ["http1", "http2"]
    match:
      path: /
    target:
      scheme: http
      host: "%s"
      port: %s
      path: /

authentication:
  jwt_issuer: "trac-platform-gateway"
  jwt_expiry: "12h"
  refresh_threshold: 0.5
  disable_signing: %s
  public_key_path: "%s"
  private_key_path: "%s"

platform_info:
  environment: "%s"
  production: %t

security:
  max_connections: 1000
  max_connections_per_ip: 50
  rate_limit:
    enabled: true
    connections_per_minute: 120
    messages_per_second: 100

logging:
  level: "info"
  format: "json"
  file: ""  # empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`,
		yamlEscapeString(p.ListenAddress),
		yamlEscapeString(backendHost), backendPort,
		disableSigning,
		yamlEscapeString(p.PublicKeyPath), yamlEscapeString(p.PrivateKeyPath),
		envName(p.Production), p.Production,
		yamlEscapeString(p.HealthAddress),
	)
}

func envName(production bool) string {
	if production {
		return "PRODUCTION"
	}
	return "DEVELOPMENT"
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		u, err := user.Lookup("trac-gateway")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user trac-gateway: %v\n", err)
		} else {
			g, err := user.LookupGroup("trac-gateway")
			if err != nil {
				fmt.Fprintf(out, "  WARNING: Could not look up group trac-gateway: %v\n", err)
			} else {
				uid, err := strconv.Atoi(u.Uid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user trac-gateway: %v\n", u.Uid, err)
					return nil
				}
				gid, err := strconv.Atoi(g.Gid)
				if err != nil {
					fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group trac-gateway: %v\n", g.Gid, err)
					return nil
				}
				if err := os.Chown(path, uid, gid); err != nil {
					fmt.Fprintf(out, "  WARNING: Could not set ownership to trac-gateway:trac-gateway: %v\n", err)
				}
			}
		}
	}

	return nil
}
