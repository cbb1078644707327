// Package config provides configuration management for the service manager.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider defines the interface for configuration providers.
type Provider interface {
	// GetConfig returns the current application configuration.
	GetConfig() *Settings
	// SetConfig sets the application configuration.
	SetConfig(c *Settings)
	// InitConfig initializes the application configuration.
	InitConfig() *Settings
	// SetConfigFilePath sets the configuration file path.
	SetConfigFilePath(p string)
}

// defaultConfigProvider implements the Provider interface.
type defaultConfigProvider struct {
	cfg *Settings
}

// NewDefaultConfigProvider creates a new default config provider.
func NewDefaultConfigProvider() Provider {
	return &defaultConfigProvider{}
}

var defaultProvider = NewDefaultConfigProvider()

// Default configuration values. Timeouts follow the service manager
// defaults; folders follow the usual systemd layout.
const (
	DefaultMinimumYield          = 500 * time.Millisecond
	DefaultMinimumTimeoutStart   = 4 * time.Second
	DefaultMinimumTimeoutStop    = 4 * time.Second
	DefaultTimeoutStart          = 90 * time.Second
	DefaultTimeoutStop           = 90 * time.Second
	DefaultMaximumTimeout        = 200 * time.Second
	DefaultInitLoopSleep         = 5 * time.Second
	DefaultProcMaxDepth          = 100
	DefaultMaxLockWait           = 0
	DefaultLockRetryInterval     = time.Second
	DefaultRestartSec            = 100 * time.Millisecond
	DefaultStartLimitInterval    = 10 * time.Second
	DefaultStartLimitBurst       = 5
	DefaultNotifyMainPIDGrace    = 3
	DefaultPath                  = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	DefaultLocaleConf            = "/etc/locale.conf"
	DefaultNotifySocketFolder    = "/var/run/systemd"
	DefaultPidFileFolder         = "/var/run"
	DefaultJournalLogFolder      = "/var/log/journal"
	DefaultUserPidFileFolder     = "$XDG_RUNTIME_DIR/run"
	DefaultUserJournalLogFolder  = "$HOME/.local/log/journal"
	DefaultUserNotifySocketDir   = "$XDG_RUNTIME_DIR/systemd"
	DefaultTarget                = "multi-user.target"
	DefaultUserMode              = false
	DefaultVerbose               = false
	DefaultRestartFailedUnits    = true
	DefaultExitWhenNoMoreProcs   = false
	DefaultExitWhenNoMoreService = false
)

// Search folders in precedence order.
var (
	DefaultSystemFolders = []string{
		"/etc/systemd/system",
		"/var/run/systemd/system",
		"/usr/local/lib/systemd/system",
		"/usr/lib/systemd/system",
		"/lib/systemd/system",
	}
	DefaultUserFolders = []string{
		"$HOME/.config/systemd/user",
		"/etc/systemd/user",
		"$XDG_RUNTIME_DIR/systemd/user",
		"$HOME/.local/share/systemd/user",
		"/usr/local/lib/systemd/user",
		"/usr/lib/systemd/user",
		"/lib/systemd/user",
	}
	DefaultInitFolders = []string{
		"/etc/init.d",
		"/var/run/init.d",
	}
	DefaultResetLocale = []string{
		"LANG", "LANGUAGE", "LC_CTYPE", "LC_NUMERIC", "LC_TIME", "LC_COLLATE",
		"LC_MONETARY", "LC_MESSAGES", "LC_PAPER", "LC_NAME", "LC_ADDRESS",
		"LC_TELEPHONE", "LC_MEASUREMENT", "LC_IDENTIFICATION", "LC_ALL",
	}
)

// Settings is built once at process start and handed by pointer to every
// component constructor. Components must treat it as read-only.
type Settings struct {
	Root     string `yaml:"root"`
	UserMode bool   `yaml:"userMode"`
	Verbose  bool   `yaml:"verbose"`

	SystemFolders []string `yaml:"systemFolders"`
	UserFolders   []string `yaml:"userFolders"`
	InitFolders   []string `yaml:"initFolders"`

	NotifySocketFolder string `yaml:"notifySocketFolder"`
	PidFileFolder      string `yaml:"pidFileFolder"`
	JournalLogFolder   string `yaml:"journalLogFolder"`

	DefaultPath string   `yaml:"defaultPath"`
	LocaleConf  string   `yaml:"localeConf"`
	ResetLocale []string `yaml:"resetLocale"`

	MinimumYield        time.Duration `yaml:"minimumYield"`
	MinimumTimeoutStart time.Duration `yaml:"minimumTimeoutStart"`
	MinimumTimeoutStop  time.Duration `yaml:"minimumTimeoutStop"`
	DefaultTimeoutStart time.Duration `yaml:"defaultTimeoutStart"`
	DefaultTimeoutStop  time.Duration `yaml:"defaultTimeoutStop"`
	MaximumTimeout      time.Duration `yaml:"maximumTimeout"`
	NotifyMainPIDGrace  int           `yaml:"notifyMainPIDGrace"`

	ProcMaxDepth      int           `yaml:"procMaxDepth"`
	MaxLockWait       time.Duration `yaml:"maxLockWait"`
	LockRetryInterval time.Duration `yaml:"lockRetryInterval"`

	InitLoopSleep             time.Duration `yaml:"initLoopSleep"`
	RestartFailedUnits        bool          `yaml:"restartFailedUnits"`
	DefaultRestartSec         time.Duration `yaml:"defaultRestartSec"`
	DefaultStartLimitBurst    int           `yaml:"defaultStartLimitBurst"`
	DefaultStartLimitInterval time.Duration `yaml:"defaultStartLimitInterval"`
	ExitWhenNoMoreProcs       bool          `yaml:"exitWhenNoMoreProcs"`
	ExitWhenNoMoreServices    bool          `yaml:"exitWhenNoMoreServices"`
	DefaultTarget             string        `yaml:"defaultTarget"`
}

// Path places an absolute path under Root.
func (s *Settings) Path(p string) string {
	p = os.ExpandEnv(p)
	if s.Root == "" {
		return p
	}
	return filepath.Join(s.Root, strings.TrimPrefix(p, "/"))
}

// UnitFolders returns the unit search path for the configured mode.
func (s *Settings) UnitFolders() []string {
	folders := s.SystemFolders
	if s.UserMode {
		folders = s.UserFolders
	}
	result := make([]string, 0, len(folders))
	for _, folder := range folders {
		missing := false
		expanded := os.Expand(folder, func(name string) string {
			value, ok := os.LookupEnv(name)
			if !ok || value == "" {
				missing = true
			}
			return value
		})
		if missing {
			continue
		}
		result = append(result, s.Path(expanded))
	}
	return result
}

// LockAttempts is the number of one-interval tries for a unit lock.
func (s *Settings) LockAttempts() int {
	wait := s.MaxLockWait
	if wait <= 0 {
		wait = s.MaximumTimeout
	}
	interval := s.LockRetryInterval
	if interval <= 0 {
		interval = DefaultLockRetryInterval
	}
	n := int(wait / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// Defaults returns Settings filled with the default values.
func Defaults() *Settings {
	return &Settings{
		SystemFolders:             append([]string(nil), DefaultSystemFolders...),
		UserFolders:               append([]string(nil), DefaultUserFolders...),
		InitFolders:               append([]string(nil), DefaultInitFolders...),
		NotifySocketFolder:        DefaultNotifySocketFolder,
		PidFileFolder:             DefaultPidFileFolder,
		JournalLogFolder:          DefaultJournalLogFolder,
		DefaultPath:               DefaultPath,
		LocaleConf:                DefaultLocaleConf,
		ResetLocale:               append([]string(nil), DefaultResetLocale...),
		MinimumYield:              DefaultMinimumYield,
		MinimumTimeoutStart:       DefaultMinimumTimeoutStart,
		MinimumTimeoutStop:        DefaultMinimumTimeoutStop,
		DefaultTimeoutStart:       DefaultTimeoutStart,
		DefaultTimeoutStop:        DefaultTimeoutStop,
		MaximumTimeout:            DefaultMaximumTimeout,
		NotifyMainPIDGrace:        DefaultNotifyMainPIDGrace,
		ProcMaxDepth:              DefaultProcMaxDepth,
		MaxLockWait:               DefaultMaxLockWait,
		LockRetryInterval:         DefaultLockRetryInterval,
		InitLoopSleep:             DefaultInitLoopSleep,
		RestartFailedUnits:        DefaultRestartFailedUnits,
		DefaultRestartSec:         DefaultRestartSec,
		DefaultStartLimitBurst:    DefaultStartLimitBurst,
		DefaultStartLimitInterval: DefaultStartLimitInterval,
		ExitWhenNoMoreProcs:       DefaultExitWhenNoMoreProcs,
		ExitWhenNoMoreServices:    DefaultExitWhenNoMoreService,
		DefaultTarget:             DefaultTarget,
		UserMode:                  DefaultUserMode,
		Verbose:                   DefaultVerbose,
	}
}

// WithUserMode returns a copy switched to the per-user layout.
func (s *Settings) WithUserMode() *Settings {
	c := *s
	c.UserMode = true
	if c.PidFileFolder == DefaultPidFileFolder {
		c.PidFileFolder = userRuntime(DefaultUserPidFileFolder)
	}
	if c.NotifySocketFolder == DefaultNotifySocketFolder {
		c.NotifySocketFolder = userRuntime(DefaultUserNotifySocketDir)
	}
	if c.JournalLogFolder == DefaultJournalLogFolder {
		c.JournalLogFolder = os.ExpandEnv(DefaultUserJournalLogFolder)
	}
	return &c
}

func userRuntime(p string) string {
	if os.Getenv("XDG_RUNTIME_DIR") == "" {
		return filepath.Join(os.TempDir(), "run-"+os.Getenv("USER"), strings.TrimPrefix(p, "$XDG_RUNTIME_DIR/"))
	}
	return os.ExpandEnv(p)
}

func (p *defaultConfigProvider) SetConfig(c *Settings) {
	p.cfg = c
}

func (p *defaultConfigProvider) GetConfig() *Settings {
	return p.cfg
}

func (p *defaultConfigProvider) SetConfigFilePath(path string) {
	viper.SetConfigFile(path)
}

func (p *defaultConfigProvider) InitConfig() *Settings {
	p.cfg = initConfigInternal()
	return p.cfg
}

// SetConfig sets the application configuration.
func SetConfig(c *Settings) {
	defaultProvider.SetConfig(c)
}

// GetConfig returns the current application configuration.
func GetConfig() *Settings {
	return defaultProvider.GetConfig()
}

// SetConfigFilePath sets the configuration file path.
func SetConfigFilePath(p string) {
	defaultProvider.SetConfigFilePath(p)
}

// InitConfig initializes the application configuration.
func InitConfig() *Settings {
	return defaultProvider.InitConfig()
}

// DefaultProvider returns the process-wide provider.
func DefaultProvider() Provider {
	return defaultProvider
}

func initConfigInternal() *Settings {
	cfg := Defaults()

	viper.SetDefault("systemFolders", DefaultSystemFolders)
	viper.SetDefault("userFolders", DefaultUserFolders)
	viper.SetDefault("initFolders", DefaultInitFolders)
	viper.SetDefault("notifySocketFolder", DefaultNotifySocketFolder)
	viper.SetDefault("pidFileFolder", DefaultPidFileFolder)
	viper.SetDefault("journalLogFolder", DefaultJournalLogFolder)
	viper.SetDefault("defaultPath", DefaultPath)
	viper.SetDefault("localeConf", DefaultLocaleConf)
	viper.SetDefault("resetLocale", DefaultResetLocale)
	viper.SetDefault("minimumYield", DefaultMinimumYield)
	viper.SetDefault("minimumTimeoutStart", DefaultMinimumTimeoutStart)
	viper.SetDefault("minimumTimeoutStop", DefaultMinimumTimeoutStop)
	viper.SetDefault("defaultTimeoutStart", DefaultTimeoutStart)
	viper.SetDefault("defaultTimeoutStop", DefaultTimeoutStop)
	viper.SetDefault("maximumTimeout", DefaultMaximumTimeout)
	viper.SetDefault("notifyMainPIDGrace", DefaultNotifyMainPIDGrace)
	viper.SetDefault("procMaxDepth", DefaultProcMaxDepth)
	viper.SetDefault("maxLockWait", DefaultMaxLockWait)
	viper.SetDefault("lockRetryInterval", DefaultLockRetryInterval)
	viper.SetDefault("initLoopSleep", DefaultInitLoopSleep)
	viper.SetDefault("restartFailedUnits", DefaultRestartFailedUnits)
	viper.SetDefault("defaultRestartSec", DefaultRestartSec)
	viper.SetDefault("defaultStartLimitBurst", DefaultStartLimitBurst)
	viper.SetDefault("defaultStartLimitInterval", DefaultStartLimitInterval)
	viper.SetDefault("exitWhenNoMoreProcs", DefaultExitWhenNoMoreProcs)
	viper.SetDefault("exitWhenNoMoreServices", DefaultExitWhenNoMoreService)
	viper.SetDefault("defaultTarget", DefaultTarget)
	viper.SetDefault("userMode", DefaultUserMode)
	viper.SetDefault("verbose", DefaultVerbose)

	viper.SetConfigName("systemctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(os.ExpandEnv("$HOME/.config/systemctl"))
	viper.AddConfigPath("/etc/systemctl")
	viper.SetEnvPrefix("SYSTEMCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		panic(err)
	}

	return cfg
}
