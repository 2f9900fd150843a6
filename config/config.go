package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig Web server config
type WebConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Secret        string        `yaml:"secret"`
	JwtTTL        time.Duration `yaml:"jwt_ttl"`
	ApiRateLimit  float64       `yaml:"api_rate_limit"` // requests per second per API key
	ApiRateBurst  int           `yaml:"api_rate_burst"`
	AdminUser     string        `yaml:"admin_user"`
	AdminPassword string        `yaml:"admin_password"`
}

// LogConfig Logger config
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// WhatsAppConfig session manager tuning
type WhatsAppConfig struct {
	InitTimeout          time.Duration `yaml:"init_timeout"`
	QRTimeout            time.Duration `yaml:"qr_timeout"`
	QRMaxRetries         int           `yaml:"qr_max_retries"`
	DestroyTimeout       time.Duration `yaml:"destroy_timeout"`
	AutoResume           bool          `yaml:"auto_resume"`
	PersistWorkers       int           `yaml:"persist_workers"`
	ReconcileInterval    time.Duration `yaml:"reconcile_interval"`
	MessageRetentionDays int           `yaml:"message_retention_days"`
}

type AppConfig struct {
	System   SysConfig      `yaml:"system"`
	Web      WebConfig      `yaml:"web"`
	Database DBConfig       `yaml:"database"`
	Logger   LogConfig      `yaml:"logger"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// DefaultAppConfig returns the built-in configuration used when no file is given.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "WaGateway",
			Location: "UTC",
			Workdir:  "/var/wagateway",
		},
		Web: WebConfig{
			Host:          "0.0.0.0",
			Port:          1830,
			Secret:        "9b6de5cc-0731-4bf1-8b3a-3fcf7c9e1d42",
			JwtTTL:        12 * time.Hour,
			ApiRateLimit:  0.11, // ~100 requests per 15 minutes
			ApiRateBurst:  100,
			AdminUser:     "admin",
			AdminPassword: "wagateway",
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wagateway",
			User:     "postgres",
			Passwd:   "myroot",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wagateway/logs/wagateway.log",
		},
		WhatsApp: WhatsAppConfig{
			InitTimeout:          60 * time.Second,
			QRTimeout:            60 * time.Second,
			QRMaxRetries:         3,
			DestroyTimeout:       30 * time.Second,
			AutoResume:           true,
			PersistWorkers:       16,
			ReconcileInterval:    time.Minute,
			MessageRetentionDays: 90,
		},
	}
}

// LoadConfig reads the YAML file (when present) over the defaults and then
// applies WAGATEWAY_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if cfile == "" {
		cfile = "wagateway.yml"
	}
	if _, err := os.Stat(cfile); err == nil {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", cfile)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", cfile)
		}
	} else if cfile != "wagateway.yml" {
		return nil, errors.Wrapf(err, "config file %s", cfile)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.initDirs()
	return cfg, nil
}

// Validate rejects settings the session manager cannot run with.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Database.Type) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return errors.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.WhatsApp.InitTimeout <= 0 {
		return errors.New("whatsapp.init_timeout must be positive")
	}
	if c.WhatsApp.QRTimeout <= 0 {
		return errors.New("whatsapp.qr_timeout must be positive")
	}
	if c.WhatsApp.QRMaxRetries < 0 {
		return errors.New("whatsapp.qr_max_retries must not be negative")
	}
	if c.WhatsApp.PersistWorkers <= 0 {
		c.WhatsApp.PersistWorkers = 1
	}
	if c.Web.Secret == "" {
		return errors.New("web.secret is required")
	}
	return nil
}

func applyEnv(cfg *AppConfig) {
	setEnvValue("WAGATEWAY_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WAGATEWAY_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WAGATEWAY_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WAGATEWAY_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WAGATEWAY_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WAGATEWAY_WEB_SECRET", &cfg.Web.Secret)
	setEnvDurationValue("WAGATEWAY_WEB_JWT_TTL", &cfg.Web.JwtTTL)
	setEnvFloatValue("WAGATEWAY_WEB_API_RATE_LIMIT", &cfg.Web.ApiRateLimit)
	setEnvValue("WAGATEWAY_WEB_ADMIN_PASSWORD", &cfg.Web.AdminPassword)

	setEnvValue("WAGATEWAY_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WAGATEWAY_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WAGATEWAY_DB_PORT", &cfg.Database.Port)
	setEnvValue("WAGATEWAY_DB_NAME", &cfg.Database.Name)
	setEnvValue("WAGATEWAY_DB_USER", &cfg.Database.User)
	setEnvValue("WAGATEWAY_DB_PWD", &cfg.Database.Passwd)
	setEnvBoolValue("WAGATEWAY_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WAGATEWAY_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WAGATEWAY_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvDurationValue("WAGATEWAY_WA_INIT_TIMEOUT", &cfg.WhatsApp.InitTimeout)
	setEnvDurationValue("WAGATEWAY_WA_QR_TIMEOUT", &cfg.WhatsApp.QRTimeout)
	setEnvIntValue("WAGATEWAY_WA_QR_MAX_RETRIES", &cfg.WhatsApp.QRMaxRetries)
	setEnvBoolValue("WAGATEWAY_WA_AUTO_RESUME", &cfg.WhatsApp.AutoResume)
	setEnvIntValue("WAGATEWAY_WA_PERSIST_WORKERS", &cfg.WhatsApp.PersistWorkers)
	setEnvIntValue("WAGATEWAY_WA_MESSAGE_RETENTION_DAYS", &cfg.WhatsApp.MessageRetentionDays)
}

func setEnvValue(name string, val *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = v
	}
}

func setEnvBoolValue(name string, val *bool) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = cast.ToBool(v)
	}
}

func setEnvIntValue(name string, val *int) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = cast.ToInt(v)
	}
}

func setEnvFloatValue(name string, val *float64) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = cast.ToFloat64(v)
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*val = cast.ToDuration(v)
	}
}
