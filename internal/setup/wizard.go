// Package setup implements the interactive first-run configuration wizard.
package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexuvula/collabdraw/internal/config"
	"github.com/cortexuvula/collabdraw/internal/store"
)

const (
	defaultConfigPath = "/etc/collabdraw/config.yaml"
	serviceName       = "collabdraw"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string                         // Override default config path
	PingStore  func(config.StoreConfig) error // Override store check (for testing)
	LookPath   func(string) (string, error)   // Override ffmpeg lookup (for testing)
	// AsRoot forces the root code path. Nil means detect from the process.
	AsRoot *bool
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}
	pingStore := opts.PingStore
	if pingStore == nil {
		pingStore = checkStore
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	isRoot := os.Geteuid() == 0
	if opts.AsRoot != nil {
		isRoot = *opts.AsRoot
	}
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo collabdraw setup\n\n")
	}

	fmt.Fprintln(out, "collabdraw Setup")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)

	cfg := config.DefaultConfig()

	// Step 1: Realtime listener
	host, port, _ := net.SplitHostPort(cfg.Server.ListenAddress)
	port = promptPort(scanner, out, fmt.Sprintf("Realtime listen port [%s]: ", port), port)
	cfg.Server.ListenAddress = net.JoinHostPort(host, port)
	if reason := checkPortAvailable(host, port); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", port, host, reason)
	}

	// Step 2: Store
	cfg.Store.Backend = promptChoice(scanner, out,
		fmt.Sprintf("Store backend (redis, memory) [%s]: ", cfg.Store.Backend),
		cfg.Store.Backend, "redis", "memory")
	if cfg.Store.Backend == "memory" {
		fmt.Fprintln(out, "  NOTE: the memory backend keeps strokes in this process only;")
		fmt.Fprintln(out, "        run a single instance and expect data loss on restart.")
		fmt.Fprintln(out)
	} else {
		cfg.Store.Address = prompt(scanner, out,
			fmt.Sprintf("Redis address [%s]: ", cfg.Store.Address), cfg.Store.Address)
		cfg.Store.DB = promptInt(scanner, out,
			fmt.Sprintf("Redis database [%d]: ", cfg.Store.DB), cfg.Store.DB, 0, 15)
		if err := pingStore(cfg.Store); err != nil {
			fmt.Fprintf(out, "  WARNING: Redis at %s is not reachable: %v\n", cfg.Store.Address, err)
			fmt.Fprintln(out, "  (This is OK if Redis is not running yet)")
			fmt.Fprintln(out)
		} else {
			fmt.Fprintf(out, "  Redis at %s is reachable.\n\n", cfg.Store.Address)
		}
	}

	// Step 3: Page images
	cfg.Images.RootDir = prompt(scanner, out,
		fmt.Sprintf("Image root directory (images live in <root>/files/<room>/) [%s]: ", cfg.Images.RootDir),
		cfg.Images.RootDir)
	if info, err := os.Stat(filepath.Join(cfg.Images.RootDir, "files")); err != nil || !info.IsDir() {
		fmt.Fprintf(out, "  WARNING: %s does not exist yet; pages will have no images until it does.\n\n",
			filepath.Join(cfg.Images.RootDir, "files"))
	}

	// Step 4: Video rendering
	enableVideo := prompt(scanner, out, "Enable video rendering? [Y/n]: ", "y")
	cfg.Video.Enabled = strings.HasPrefix(strings.ToLower(enableVideo), "y")
	if cfg.Video.Enabled {
		cfg.Video.FFmpegPath = prompt(scanner, out,
			fmt.Sprintf("ffmpeg binary [%s]: ", cfg.Video.FFmpegPath), cfg.Video.FFmpegPath)
		if resolved, err := lookPath(cfg.Video.FFmpegPath); err != nil {
			fmt.Fprintf(out, "  WARNING: %s not found: %v\n", cfg.Video.FFmpegPath, err)
			fmt.Fprintln(out, "  Video requests will fail until ffmpeg is installed.")
			fmt.Fprintln(out)
		} else {
			fmt.Fprintf(out, "  Using %s\n\n", resolved)
		}
		if isRoot {
			cfg.Video.TmpDir = "/var/lib/collabdraw/tmp"
			cfg.Video.OutputDir = "/var/lib/collabdraw/videos"
		}
	}

	// Step 5: Health listener
	healthHost, healthPort, _ := net.SplitHostPort(cfg.Health.ListenAddress)
	healthPort = promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", healthPort), healthPort)
	cfg.Health.ListenAddress = net.JoinHostPort(healthHost, healthPort)
	if reason := checkPortAvailable(healthHost, healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", healthPort, healthHost, reason)
	}

	// Step 6: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 7: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	content, err := generateConfig(cfg)
	if err != nil {
		return err
	}
	if err := writeConfig(configPath, content, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 8: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 9: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start collabdraw service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start collabdraw")
			}
		}
	}

	// Step 10: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Realtime:     ws://%s%s\n", cfg.Server.ListenAddress, cfg.Server.WebsocketPath)
	fmt.Fprintf(out, "  Store:        %s\n", describeStore(cfg.Store))
	fmt.Fprintf(out, "  Video:        %v\n", cfg.Video.Enabled)
	fmt.Fprintf(out, "  Health:       http://%s%s\n", cfg.Health.ListenAddress, cfg.Health.Endpoint)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s%s\n", cfg.Health.ListenAddress, cfg.Health.Endpoint)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u collabdraw -f")
	fmt.Fprintln(out, "  Validate:       collabdraw validate --config "+configPath)

	return nil
}

func describeStore(s config.StoreConfig) string {
	if s.Backend == "redis" {
		return fmt.Sprintf("redis://%s/%d", s.Address, s.DB)
	}
	return s.Backend
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
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

// promptValid re-prompts until valid accepts the answer. An empty answer or
// EOF yields defaultVal.
func promptValid(scanner *bufio.Scanner, out io.Writer, message, defaultVal string, valid func(string) bool, hint string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !valid(val) {
		fmt.Fprintf(out, "  Invalid value %q: %s\n", val, hint)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	return promptValid(scanner, out, message, defaultVal, validatePort, "must be a number between 1 and 65535")
}

func promptInt(scanner *bufio.Scanner, out io.Writer, message string, defaultVal, lo, hi int) int {
	valid := func(s string) bool {
		n, err := strconv.Atoi(s)
		return err == nil && n >= lo && n <= hi
	}
	v := promptValid(scanner, out, message, strconv.Itoa(defaultVal), valid,
		fmt.Sprintf("must be a number between %d and %d", lo, hi))
	n, _ := strconv.Atoi(v)
	return n
}

func promptChoice(scanner *bufio.Scanner, out io.Writer, message, defaultVal string, choices ...string) string {
	valid := func(s string) bool {
		for _, c := range choices {
			if s == c {
				return true
			}
		}
		return false
	}
	return promptValid(scanner, out, message, defaultVal, valid, "must be one of "+strings.Join(choices, ", "))
}

// checkStore opens the configured store and pings it once.
func checkStore(cfg config.StoreConfig) error {
	backend, err := store.Open(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return backend.Ping(ctx)
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
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

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the collabdraw service.
func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Restart covers the already-running case.
	if err := exec.Command("systemctl", "restart", serviceName).Run(); err != nil {
		if err := exec.Command("systemctl", "start", serviceName).Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", serviceName).Output()
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

const configHeader = `# collabdraw configuration
# Generated by: collabdraw setup
# Reload with SIGHUP; listener, store and video changes need a restart.

`

// generateConfig renders cfg as YAML with a short header.
func generateConfig(cfg *config.Config) (string, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return configHeader + string(body), nil
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
		if err := chownService(path); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to %s:%s: %v\n", serviceName, serviceName, err)
		}
	}
	return nil
}

func chownService(path string) error {
	u, err := user.Lookup(serviceName)
	if err != nil {
		return err
	}
	g, err := user.LookupGroup(serviceName)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, uid, gid)
}
