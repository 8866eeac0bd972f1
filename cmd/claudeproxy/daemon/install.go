package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"
)

// ServiceConfig holds parameters for installing the proxy as a system
// service.
type ServiceConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	LogPath    string
	HomeDir    string
}

// ServiceStatus describes an installed service.
type ServiceStatus struct {
	Running bool
	PID     int
}

// DefaultConfig returns a ServiceConfig with auto-detected defaults.
func DefaultConfig() ServiceConfig {
	const name = "claudeproxy"
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/" + name
	}

	u, _ := user.Current()
	username := "root"
	homeDir := "/root"
	if u != nil {
		username = u.Username
		homeDir = u.HomeDir
	}

	return ServiceConfig{
		Name:       name,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".config", name, "config.yaml"),
		WorkDir:    filepath.Join(homeDir, ".local", "share", name),
		User:       username,
		LogPath:    filepath.Join(homeDir, ".local", "share", name, "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks the config before any system state is touched.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.BinaryPath == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("binary %q is not executable", c.BinaryPath)
	}
	return nil
}

// Install installs the service on the current platform.
func Install(cfg ServiceConfig) error {
	switch runtime.GOOS {
	case "linux":
		return installSystemd(cfg)
	case "darwin":
		return installLaunchd(cfg)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the service on the current platform.
func Uninstall(name string) error {
	switch runtime.GOOS {
	case "linux":
		return uninstallSystemd(name)
	case "darwin":
		return uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Status returns the service status on the current platform.
func Status(name string) (*ServiceStatus, error) {
	switch runtime.GOOS {
	case "linux":
		return statusSystemd(name)
	case "darwin":
		return statusLaunchd(name)
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// --- systemd ---

const systemdTemplate = `[Unit]
Description={{.Name}} OpenAI-compatible agent proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogPath}}/{{.Name}}.log
StandardError=append:{{.LogPath}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy=multi-user.target
`

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg ServiceConfig) (string, error) {
	tmpl, err := template.New("systemd").Parse(systemdTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func installSystemd(cfg ServiceConfig) error {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	unitPath := filepath.Join("/etc/systemd/system", cfg.Name+".service")
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	cmds := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", cfg.Name},
		{"systemctl", "start", cfg.Name},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %s: %w", strings.Join(args, " "), out, err)
		}
	}
	return nil
}

func uninstallSystemd(name string) error {
	cmds := [][]string{
		{"systemctl", "stop", name},
		{"systemctl", "disable", name},
	}
	for _, args := range cmds {
		exec.Command(args[0], args[1:]...).Run() // best effort
	}

	os.Remove(filepath.Join("/etc/systemd/system", name+".service"))
	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

func statusSystemd(name string) (*ServiceStatus, error) {
	out, err := exec.Command("systemctl", "is-active", name).Output()
	running := strings.TrimSpace(string(out)) == "active"
	if err != nil && !running {
		return &ServiceStatus{Running: false}, nil
	}

	status := &ServiceStatus{Running: running}
	if pidOut, err := exec.Command("systemctl", "show", "--property=MainPID", name).Output(); err == nil {
		parts := strings.SplitN(strings.TrimSpace(string(pidOut)), "=", 2)
		if len(parts) == 2 {
			status.PID, _ = strconv.Atoi(parts[1])
		}
	}
	return status, nil
}

// --- launchd ---

const launchdLabelPrefix = "dev.claudeproxy."

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>dev.claudeproxy.{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.BinaryPath}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg ServiceConfig) (string, error) {
	tmpl, err := template.New("launchd").Parse(launchdTemplate)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func installLaunchd(cfg ServiceConfig) error {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	label := launchdLabelPrefix + cfg.Name
	plistPath := filepath.Join(cfg.HomeDir, "Library", "LaunchAgents", label+".plist")

	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	if out, err := exec.Command("launchctl", "load", plistPath).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return nil
}

func uninstallLaunchd(name string) error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabelPrefix+name+".plist")

	exec.Command("launchctl", "unload", plistPath).Run() // best effort
	os.Remove(plistPath)
	return nil
}

func statusLaunchd(name string) (*ServiceStatus, error) {
	out, err := exec.Command("launchctl", "list", launchdLabelPrefix+name).CombinedOutput()
	if err != nil {
		return &ServiceStatus{Running: false}, nil
	}

	status := &ServiceStatus{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "\"PID\"") {
			fields := strings.FieldsFunc(line, func(r rune) bool {
				return r < '0' || r > '9'
			})
			if len(fields) > 0 {
				status.PID, _ = strconv.Atoi(fields[0])
			}
		}
	}
	return status, nil
}
