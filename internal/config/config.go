package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var validMIVersions = map[string]bool{"mi": true, "mi1": true, "mi2": true, "mi3": true, "mi4": true}

type Config struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Token         string        `yaml:"token"`
	GDBPath       string        `yaml:"gdb_path"`
	GDBArgs       string        `yaml:"gdb_args,omitempty"`
	MIVersion     string        `yaml:"mi_version"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	DBPath        string        `yaml:"db_path"`
	ProfilesDir   string        `yaml:"profiles_dir"`
	Debug         bool          `yaml:"debug,omitempty"`

	// Not persisted.
	ConfigPath           string   `yaml:"-"`
	PrintToken           bool     `yaml:"-"`
	InitialBinaryAndArgs []string `yaml:"-"`
}

func defaults(homeDir string) *Config {
	base := filepath.Join(homeDir, ".config", "gdbhub")
	return &Config{
		Host:          "127.0.0.1",
		Port:          5000,
		GDBPath:       "gdb",
		MIVersion:     "mi3",
		PollInterval:  50 * time.Millisecond,
		BatchInterval: 20 * time.Millisecond,
		DBPath:        filepath.Join(base, "gdbhub.db"),
		ProfilesDir:   filepath.Join(base, "profiles"),
		ConfigPath:    filepath.Join(base, "config.yaml"),
	}
}

// Load resolves configuration from defaults, then the YAML config file, then
// command-line flags. Arguments left after the flags name the binary (and its
// arguments) new sessions debug by default. A token is generated and saved on
// first run.
func Load(args []string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg := defaults(homeDir)

	// The config file location must be known before the file is read.
	pre := pflag.NewFlagSet("gdbhub", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	fs := pflag.NewFlagSet("gdbhub", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to the YAML config file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	fs.StringVarP(&cfg.GDBPath, "gdb", "g", cfg.GDBPath, "path to the gdb executable")
	fs.StringVar(&cfg.GDBArgs, "gdb-args", cfg.GDBArgs, "extra arguments passed to gdb")
	fs.StringVar(&cfg.MIVersion, "mi-version", cfg.MIVersion, "GDB/MI interpreter version for new sessions")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "how often sessions are drained")
	fs.DurationVar(&cfg.BatchInterval, "batch-interval", cfg.BatchInterval, "terminal output coalescing window (0 disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "session history database path")
	fs.StringVar(&cfg.ProfilesDir, "profiles", cfg.ProfilesDir, "directory of debugger launch profiles")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.InitialBinaryAndArgs = fs.Args()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if !validMIVersions[c.MIVersion] {
		return fmt.Errorf("invalid mi version %q: must be one of mi, mi1, mi2, mi3, mi4", c.MIVersion)
	}
	if strings.TrimSpace(c.GDBPath) == "" {
		return errors.New("gdb path is required")
	}
	if _, err := shellquote.Split(c.GDBArgs); err != nil {
		return fmt.Errorf("invalid gdb args %q: %w", c.GDBArgs, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s: must be positive", c.PollInterval)
	}
	if c.BatchInterval < 0 {
		return fmt.Errorf("invalid batch interval %s: must not be negative", c.BatchInterval)
	}
	return nil
}

// DefaultCommand is the debugger invocation used when a viewer does not name
// one: the gdb path, its extra arguments, and --args with the initial binary.
func (c *Config) DefaultCommand() string {
	argv := []string{c.GDBPath}
	if extra, err := shellquote.Split(c.GDBArgs); err == nil {
		argv = append(argv, extra...)
	}
	if len(c.InitialBinaryAndArgs) > 0 {
		argv = append(argv, "--args")
		argv = append(argv, c.InitialBinaryAndArgs...)
	}
	return shellquote.Join(argv...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(c.ConfigPath, data, 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
