// Package wizard provides an interactive setup wizard for pfd-agent.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/pfd-agent/internal/certutil"
	"github.com/postalsys/pfd-agent/internal/config"
	"github.com/postalsys/pfd-agent/internal/identity"
	"github.com/postalsys/pfd-agent/internal/pairing"
	"github.com/postalsys/pfd-agent/internal/sysinfo"
)

// Result contains the wizard output.
type Result struct {
	Config      *config.Config
	ConfigPath  string
	NodeID      string
	Fingerprint string
}

// Answers holds everything the wizard asks for. buildConfig turns it into a
// Config.
type Answers struct {
	DataDir     string
	ConfigPath  string
	DisplayName string

	Listen     string
	UDPEnabled bool
	WSListen   string
	Bootstraps []config.BootstrapConfig

	Service string

	Serving    bool
	SecretHash string
	Services   map[string]string

	LogLevel       string
	HealthEnabled  bool
	ControlEnabled bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := Answers{
		DataDir:        "./data",
		ConfigPath:     "./config.yaml",
		DisplayName:    sysinfo.DefaultName(),
		Listen:         "0.0.0.0:33445",
		UDPEnabled:     true,
		Service:        config.DefaultService,
		LogLevel:       "info",
		ControlEnabled: true,
	}

	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askNetworkConfig,
		w.askBootstraps,
		w.askForwarding,
		w.askServing,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id, fingerprint, err := initNode(cfg.OverlayDir())
	if err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(id, fingerprint, a.ConfigPath, cfg)

	return &Result{
		Config:      cfg,
		ConfigPath:  a.ConfigPath,
		NodeID:      id,
		Fingerprint: fingerprint,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
        __     _                         _
  _ __ / _| __| |    __ _  __ _  ___ _ __ | |_
 | '_ \ |_ / _' |   / _' |/ _' |/ _ \ '_ \| __|
 | |_) |  _| (_| |  | (_| | (_| |  __/ | | | |_
 | .__/|_|  \__,_|   \__,_|\__, |\___|_| |_|\__|
 |_|                       |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Peer Port Forwarding Agent - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths and the name other peers see."),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the node identity and roster").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Display Name").
				Description("Shown to paired peers").
				Value(&a.DisplayName),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	var enableWS bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure how this node links to the overlay."),

			huh.NewConfirm().
				Title("Enable QUIC (UDP)?").
				Description("Recommended. Disable on networks that block UDP").
				Value(&a.UDPEnabled),

			huh.NewInput().
				Title("QUIC Listen Address").
				Description("UDP address for inbound links").
				Placeholder("0.0.0.0:33445").
				Value(&a.Listen).
				Validate(validateHostPort),

			huh.NewConfirm().
				Title("Accept WebSocket links?").
				Description("TCP fallback for peers behind UDP-blocking firewalls").
				Value(&enableWS),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !enableWS {
		return nil
	}

	a.WSListen = "0.0.0.0:8443"
	wsForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("WebSocket Listen Address").
				Placeholder("0.0.0.0:8443").
				Value(&a.WSListen).
				Validate(validateHostPort),
		),
	).WithTheme(w.theme)

	return wsForm.Run()
}

func (w *Wizard) askBootstraps(a *Answers) error {
	var addNodes bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Bootstrap Nodes").
				Description("Nodes dialled at start to reach the overlay."),

			huh.NewConfirm().
				Title("Add bootstrap nodes?").
				Value(&addNodes),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	for addNodes {
		b, err := w.askSingleBootstrap(len(a.Bootstraps) + 1)
		if err != nil {
			return err
		}
		a.Bootstraps = append(a.Bootstraps, b)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another bootstrap node?").
					Value(&addNodes),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askSingleBootstrap(n int) (config.BootstrapConfig, error) {
	var b config.BootstrapConfig
	var key string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Bootstrap Node #%d", n)),

			huh.NewInput().
				Title("Address").
				Description("host:port for QUIC, or a wss:// URL").
				Placeholder("node.example.com:33445").
				Value(&b.Address).
				Validate(validateBootstrapAddress),

			huh.NewInput().
				Title("Expected Node ID").
				Description("Refuse the link unless the node has this id (optional)").
				Placeholder("auto").
				Value(&key).
				Validate(func(s string) error {
					_, err := normalizeNodeID(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return b, err
	}

	b.PublicKey, _ = normalizeNodeID(key)
	return b, nil
}

func (w *Wizard) askForwarding(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Forwarding").
				Description("The remote service reached through the active peer."),

			huh.NewInput().
				Title("Service Name").
				Placeholder(config.DefaultService).
				Value(&a.Service).
				Validate(required("service name")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askServing(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Serving").
				Description("Expose local services to peers that pair with this node."),

			huh.NewConfirm().
				Title("Serve local services?").
				Value(&a.Serving),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.Serving {
		return nil
	}

	var phrase, services string
	services = config.DefaultService + "=127.0.0.1:8000"

	servingForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Pairing Phrase").
				Description("Peers must type this phrase to pair. Only a hash is stored").
				EchoMode(huh.EchoModePassword).
				Value(&phrase).
				Validate(required("pairing phrase")),

			huh.NewText().
				Title("Services").
				Description("One name=host:port per line").
				Value(&services).
				Validate(func(s string) error {
					_, err := parseServices(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := servingForm.Run(); err != nil {
		return err
	}

	hash, err := pairing.HashSecret(phrase)
	if err != nil {
		return err
	}
	a.SecretHash = hash
	a.Services, err = parseServices(services)
	return err
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, peers, pair)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns wizard answers into a configuration.
func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.DataDir = a.DataDir
	cfg.Agent.DisplayName = a.DisplayName
	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"

	cfg.Overlay.UDPEnabled = a.UDPEnabled
	if a.Listen != "" {
		cfg.Overlay.Listen = a.Listen
	}
	cfg.Overlay.WSListen = a.WSListen
	cfg.Overlay.Bootstraps = append([]config.BootstrapConfig{}, a.Bootstraps...)

	if a.Service != "" {
		cfg.Forwarding.Service = a.Service
	}

	cfg.Serving.Enabled = a.Serving
	if a.Serving {
		cfg.Serving.SecretHash = a.SecretHash
		for name, addr := range a.Services {
			cfg.Serving.Services[name] = addr
		}
	}

	cfg.Health.Enabled = a.HealthEnabled

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")
	}

	return cfg
}

// initNode creates the node id and certificate in dir, or loads existing ones.
func initNode(dir string) (id, fingerprint string, err error) {
	nodeID, _, err := identity.LoadOrCreate(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize node identity: %w", err)
	}
	cert, _, err := certutil.LoadOrCreate(dir, nodeID.String())
	if err != nil {
		return "", "", fmt.Errorf("failed to initialize node certificate: %w", err)
	}
	return nodeID.String(), cert.Fingerprint(), nil
}

// configHeader starts every generated config file.
const configHeader = `# pfd-agent configuration
# Generated by setup wizard

`

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file carries the pairing secret hash.
	if err := os.WriteFile(path, []byte(configHeader+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(id, fingerprint, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Node ID:      %s\n", id)
	fmt.Printf("  Fingerprint:  %s\n", fingerprint)
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Agent.DataDir)
	fmt.Println()

	if cfg.Overlay.UDPEnabled {
		fmt.Printf("  QUIC:         %s\n", cfg.Overlay.Listen)
	}
	if cfg.Overlay.WSListen != "" {
		fmt.Printf("  WebSocket:    %s\n", cfg.Overlay.WSListen)
	}
	if cfg.Serving.Enabled {
		fmt.Printf("  Serving:      %s\n", strings.Join(serviceNames(cfg.Serving.Services), ", "))
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    pfd-agent run -c %s\n", configPath)
	fmt.Println()
}

// parseServices parses name=host:port lines. Blank lines are skipped.
func parseServices(s string) (map[string]string, error) {
	services := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, addr, ok := strings.Cut(line, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid service line %q (want name=host:port)", line)
		}
		if err := validateHostPort(addr); err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		if _, dup := services[name]; dup {
			return nil, fmt.Errorf("service %s listed twice", name)
		}
		services[name] = addr
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("at least one service is required")
	}
	return services, nil
}

// normalizeNodeID accepts a node id with optional separators and mixed
// case. Empty and "auto" mean no expected id.
func normalizeNodeID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return "", nil
	}
	s = strings.NewReplacer(":", "", "-", "", " ", "").Replace(strings.ToLower(s))
	id, err := identity.ParseNodeID(s)
	if err != nil {
		return "", fmt.Errorf("invalid node id: %w", err)
	}
	return id.String(), nil
}

func validateBootstrapAddress(s string) error {
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		return nil
	}
	return validateHostPort(s)
}

func validateHostPort(s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("invalid address format")
	}
	if host == "" && port == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func serviceNames(services map[string]string) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
