package setup

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cortexuvula/collabdraw/internal/config"
)

func testOpts(configPath string, storeErr error) WizardOptions {
	notRoot := false
	return WizardOptions{
		ConfigPath: configPath,
		PingStore:  func(config.StoreConfig) error { return storeErr },
		LookPath:   func(name string) (string, error) { return "/usr/bin/" + name, nil },
		AsRoot:     &notRoot,
	}
}

func lines(answers ...string) *strings.Reader {
	return strings.NewReader(strings.Join(answers, "\n") + "\n")
}

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("custom-value\n"))

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
	scanner := bufio.NewScanner(strings.NewReader("\n"))

	if result := prompt(scanner, &out, "Enter value: ", "default-val"); result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader(""))

	if result := prompt(scanner, &out, "Enter value: ", "fallback"); result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestPromptChoice_Reprompts(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("mongo\nmemory\n"))

	got := promptChoice(scanner, &out, "Backend: ", "redis", "redis", "memory")
	if got != "memory" {
		t.Errorf("promptChoice() = %q, want memory", got)
	}
	if !strings.Contains(out.String(), `Invalid value "mongo"`) {
		t.Errorf("missing invalid-value hint: %s", out.String())
	}
}

func TestPromptInt_Range(t *testing.T) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(strings.NewReader("99\n4\n"))

	if got := promptInt(scanner, &out, "DB: ", 2, 0, 15); got != 4 {
		t.Errorf("promptInt() = %d, want 4", got)
	}
}

func TestValidatePort(t *testing.T) {
	for port, want := range map[string]bool{"1": true, "8888": true, "65535": true, "0": false, "65536": false, "http": false} {
		if got := validatePort(port); got != want {
			t.Errorf("validatePort(%q) = %v, want %v", port, got, want)
		}
	}
}

func TestGenerateConfig_RoundTrips(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Address = "10.0.0.5:6380"
	cfg.Video.Enabled = false

	content, err := generateConfig(cfg)
	if err != nil {
		t.Fatalf("generateConfig() error: %v", err)
	}
	if !strings.HasPrefix(content, "# collabdraw configuration") {
		t.Error("config should start with the header")
	}
	if !strings.Contains(content, "drain_timeout: 30s") {
		t.Errorf("durations should be written as strings:\n%s", content)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() of generated config: %v", err)
	}
	if loaded.Store.Address != "10.0.0.5:6380" || loaded.Video.Enabled {
		t.Errorf("loaded store=%q video=%v", loaded.Store.Address, loaded.Video.Enabled)
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	if err := writeConfig(path, content, false, &bytes.Buffer{}); err != nil {
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
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	var out bytes.Buffer
	if err := RunWizard(strings.NewReader(""), &out, testOpts(configPath, nil)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "Setup complete!") {
		t.Error("wizard should print completion message")
	}
	if !strings.Contains(output, "is reachable") {
		t.Error("wizard should report the store check")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	def := config.DefaultConfig()
	if cfg.Server.ListenAddress != def.Server.ListenAddress || cfg.Store.Backend != "redis" || !cfg.Video.Enabled {
		t.Errorf("defaults not kept: listen=%s store=%s video=%v", cfg.Server.ListenAddress, cfg.Store.Backend, cfg.Video.Enabled)
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	input := lines(
		"9090",            // listen port
		"redis",           // backend
		"10.1.1.1:6379",   // redis address
		"5",               // redis db
		"/srv/whiteboard", // image root
		"y",               // video
		"/opt/ffmpeg",     // ffmpeg
		"9091",            // health port
	)

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath, nil)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("listen = %q", cfg.Server.ListenAddress)
	}
	if cfg.Store.Address != "10.1.1.1:6379" || cfg.Store.DB != 5 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Images.RootDir != "/srv/whiteboard" {
		t.Errorf("images root = %q", cfg.Images.RootDir)
	}
	if cfg.Video.FFmpegPath != "/opt/ffmpeg" {
		t.Errorf("ffmpeg = %q", cfg.Video.FFmpegPath)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:9091" {
		t.Errorf("health = %q", cfg.Health.ListenAddress)
	}
	if !strings.Contains(out.String(), "redis://10.1.1.1:6379/5") {
		t.Errorf("summary should describe the store:\n%s", out.String())
	}
}

func TestRunWizard_MemoryBackendNoVideo(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	pinged := false
	opts := testOpts(configPath, nil)
	opts.PingStore = func(config.StoreConfig) error { pinged = true; return nil }

	input := lines(
		"",       // listen port
		"memory", // backend
		"",       // image root
		"n",      // video
		"",       // health port
	)
	var out bytes.Buffer
	if err := RunWizard(input, &out, opts); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}
	if pinged {
		t.Error("memory backend should not be pinged")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Video.Enabled {
		t.Errorf("store=%s video=%v", cfg.Store.Backend, cfg.Video.Enabled)
	}
}

func TestRunWizard_WarnsOnUnreachableStore(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(""), &out, testOpts(configPath, errors.New("connection refused")))
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}
	if !strings.Contains(out.String(), "is not reachable: connection refused") {
		t.Errorf("missing store warning:\n%s", out.String())
	}
}

func TestRunWizard_WarnsOnMissingFFmpeg(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	opts := testOpts(configPath, nil)
	opts.LookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }

	var out bytes.Buffer
	if err := RunWizard(strings.NewReader(""), &out, opts); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}
	if !strings.Contains(out.String(), "Video requests will fail") {
		t.Errorf("missing ffmpeg warning:\n%s", out.String())
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(configPath, []byte("existing"), 0640)

	// listen, backend, address, db, images, video, ffmpeg, health, overwrite?
	input := lines("", "", "", "", "", "", "", "", "n")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath, nil)); err != nil {
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
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(configPath, []byte("old"), 0640)

	input := lines("", "", "", "", "", "", "", "", "y")

	var out bytes.Buffer
	if err := RunWizard(input, &out, testOpts(configPath, nil)); err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestCheckPortAvailable(t *testing.T) {
	if reason := checkPortAvailable("127.0.0.1", "0"); reason != "" {
		t.Errorf("ephemeral port should be available, got %q", reason)
	}
}
