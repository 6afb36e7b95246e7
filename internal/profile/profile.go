package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration needed to start the bot process.
type Profile struct {
	// Chat platform connection.
	Channels     []string // Channel names to join, without the leading '#'.
	BotUsername  string
	OAuthClientID     string
	OAuthClientSecret string
	TokenEncryptionKey string // 32-character string used directly as the AES-256 key

	// Ollama inference backend.
	OllamaBaseURL    string
	OllamaModel      string
	OllamaTimeoutS   int
	OllamaMaxFailures      int
	OllamaRecoveryTimeoutS int

	// Content filter.
	FilterEnabled      bool
	FilterBlocklistPath string

	// Resource monitor thresholds.
	MemWarningPct      float64
	MemCriticalPct     float64
	DiskWarningPct     float64
	DiskCriticalPct    float64

	// Storage.
	Mode   string
	DSN    string
	Driver string // "sqlite" or "postgres"
	Data   string

	LogLevel  string
	LogFormat string // "json" or "text"
}

// Ollama defaults, applied when CLANK_OLLAMA_BASE_URL / CLANK_OLLAMA_MODEL
// are unset.
const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3.1"
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsFilterEnabled reports whether the content filter is active.
func (p *Profile) IsFilterEnabled() bool {
	return p.FilterEnabled
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	if channels := getEnvOrDefault("CLANK_CHANNELS", ""); channels != "" {
		for _, c := range strings.Split(channels, ",") {
			c = strings.TrimSpace(strings.TrimPrefix(c, "#"))
			if c != "" {
				p.Channels = append(p.Channels, c)
			}
		}
	}
	p.BotUsername = getEnvOrDefault("CLANK_BOT_USERNAME", "")
	p.OAuthClientID = getEnvOrDefault("CLANK_OAUTH_CLIENT_ID", "")
	p.OAuthClientSecret = getEnvOrDefault("CLANK_OAUTH_CLIENT_SECRET", "")
	p.TokenEncryptionKey = getEnvOrDefault("CLANK_TOKEN_ENCRYPTION_KEY", "")

	p.OllamaBaseURL = getEnvOrDefault("CLANK_OLLAMA_BASE_URL", defaultOllamaBaseURL)
	p.OllamaModel = getEnvOrDefault("CLANK_OLLAMA_MODEL", defaultOllamaModel)
	p.OllamaTimeoutS = getEnvOrDefaultInt("CLANK_OLLAMA_TIMEOUT_SECONDS", 30)
	p.OllamaMaxFailures = getEnvOrDefaultInt("CLANK_OLLAMA_MAX_FAILURES", 3)
	p.OllamaRecoveryTimeoutS = getEnvOrDefaultInt("CLANK_OLLAMA_RECOVERY_TIMEOUT_SECONDS", 300)

	p.FilterEnabled = getEnvOrDefault("CLANK_FILTER_ENABLED", "true") == "true"
	p.FilterBlocklistPath = getEnvOrDefault("CLANK_FILTER_BLOCKLIST_PATH", "")

	p.MemWarningPct = getEnvOrDefaultFloat("CLANK_MEM_WARNING_PCT", 75)
	p.MemCriticalPct = getEnvOrDefaultFloat("CLANK_MEM_CRITICAL_PCT", 90)
	p.DiskWarningPct = getEnvOrDefaultFloat("CLANK_DISK_WARNING_PCT", 80)
	p.DiskCriticalPct = getEnvOrDefaultFloat("CLANK_DISK_CRITICAL_PCT", 95)

	p.Driver = getEnvOrDefault("CLANK_DB_DRIVER", "sqlite")
	p.DSN = getEnvOrDefault("CLANK_DB_DSN", "")
	p.Data = getEnvOrDefault("CLANK_DATA_DIR", "")

	p.LogLevel = getEnvOrDefault("CLANK_LOG_LEVEL", "info")
	p.LogFormat = getEnvOrDefault("CLANK_LOG_FORMAT", "json")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalises mode, resolves the data directory, and fills in a
// default DSN for the sqlite driver, creating a per-OS prod-mode data
// directory when one isn't configured.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported db driver %q", p.Driver)
	}

	if len(p.Channels) == 0 {
		return errors.New("at least one channel must be configured")
	}

	if p.Driver == "postgres" {
		if p.DSN == "" {
			return errors.New("CLANK_DB_DSN is required when CLANK_DB_DRIVER=postgres")
		}
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "clank")
		} else {
			p.Data = "/var/opt/clank"
		}
		if _, err := os.Stat(p.Data); os.IsNotExist(err) {
			if err := os.MkdirAll(p.Data, 0770); err != nil {
				slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
				return err
			}
		}
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		dbFile := fmt.Sprintf("clank_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile) + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}

	return nil
}
