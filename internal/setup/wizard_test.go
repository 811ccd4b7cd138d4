package setup

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// noopBackendCheck skips the HTTP check in tests.
func noopBackendCheck(io.Writer, string) {}

func testOpts(configPath string) WizardOptions {
	return WizardOptions{
		ConfigPath:   configPath,
		CheckBackend: noopBackendCheck,
	}
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("custom-value\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig(configYAMLParams{
		ListenAddress: "0.0.0.0:8443",
		HealthAddress: "127.0.0.1:8444",
		BackendURL:    "http://localhost:9090",
	})
	if !strings.Contains(content, `listen_address: "0.0.0.0:8443"`) {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, `host: "localhost"`) {
		t.Error("config should contain backend host")
	}
	if !strings.Contains(content, "disable_signing: true") {
		t.Error("config should disable signing when no keys are given")
	}
}

func TestGenerateConfig_WithKeys(t *testing.T) {
	content := generateConfig(configYAMLParams{
		ListenAddress:  "0.0.0.0:8443",
		HealthAddress:  "127.0.0.1:8444",
		BackendURL:     "http://localhost:9090",
		PublicKeyPath:  "/etc/trac-gateway/pub.pem",
		PrivateKeyPath: "/etc/trac-gateway/priv.pem",
	})
	if !strings.Contains(content, "disable_signing: false") {
		t.Error("config should enable signing when both keys are given")
	}
	if !strings.Contains(content, `public_key_path: "/etc/trac-gateway/pub.pem"`) {
		t.Error("config should contain the public key path")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	err := writeConfig(path, content, false, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Prompts: listen host, listen port, health port, backend URL,
	// public key path, private key path (skipped, empty pubkey), production?
	input := strings.Join([]string{
		"", // listen host (default)
		"", // listen port (default)
		"", // health port (default)
		"", // backend URL (default)
		"", // public key path (none)
		"", // production? (no)
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "Setup complete!") {
		t.Error("wizard should print completion message")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if !strings.Contains(string(data), "0.0.0.0:8443") {
		t.Error("config should contain the default listen address")
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	input := strings.Join([]string{
		"127.0.0.1",             // listen host
		"9090",                  // listen port
		"9091",                  // health port
		"http://localhost:9999", // backend URL
		"",                      // public key path (none)
		"",                      // production? (no)
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "127.0.0.1:9090") {
		t.Error("config should contain custom listen address")
	}
	if !strings.Contains(content, "127.0.0.1:9091") {
		t.Error("config should contain custom health address")
	}
	if !strings.Contains(content, "localhost") {
		t.Error("config should contain custom backend host")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	os.WriteFile(configPath, []byte("existing"), 0640)

	input := strings.Join([]string{
		"", "", "", "", "", "", // accept all defaults up to the overwrite prompt
		"n", // don't overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing" {
		t.Error("config should not be overwritten when user says no")
	}
	if !strings.Contains(out.String(), "Setup cancelled") {
		t.Error("should print cancellation message")
	}
}

func TestRunWizard_ExistingConfig_Overwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	os.WriteFile(configPath, []byte("old"), 0640)

	input := strings.Join([]string{
		"", "", "", "", "", "",
		"y", // overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestRunWizard_EOF_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(""), &out, testOpts(configPath))
	if err != nil {
		t.Fatalf("RunWizard() should succeed with all defaults on EOF: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "0.0.0.0:8443") {
		t.Error("config should contain the default listen address")
	}
}

func TestCheckPortAvailable(t *testing.T) {
	_ = checkPortAvailable("127.0.0.1", "0")
}
