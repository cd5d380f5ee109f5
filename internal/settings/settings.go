package settings

import (
	"bufio"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:           getEnvOrDefault("MATRIXCI_PORT", ":8080"),
		SQLiteDatabase: getEnvOrDefault("MATRIXCI_DB_PATH", "file:.///db.sqlite"),
		CacheRoot:      getEnvOrDefault("MATRIXCI_CACHE_ROOT", ".matrixci-cache"),
		Repo:           os.Getenv("MATRIXCI_REPO"),
		WebhookKey:     os.Getenv("MATRIXCI_WEBHOOK_KEY"),
		SecretKey:      os.Getenv("MATRIXCI_SECRET_KEY"),
		AgeKey:         os.Getenv("MATRIXCI_AGE_KEY"),
		SecretScheme:   getEnvOrDefault("MATRIXCI_SECRET_SCHEME", "aes"),
		AgentUser:      os.Getenv("MATRIXCI_AGENT_USER"),
		AgentHost:      os.Getenv("MATRIXCI_AGENT_HOST"),
		AgentWorkspace: getEnvOrDefault("MATRIXCI_AGENT_WORKSPACE", "/tmp/matrixci"),
		AgentKeyPath:   os.Getenv("MATRIXCI_AGENT_KEY_PATH"),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	Port           string
	SQLiteDatabase string
	// CacheRoot is the shared cache directory jobs restore from and
	// write back to.
	CacheRoot string
	// Repo identifies the repository in build contexts, e.g. "cirq/cirq".
	Repo string
	// WebhookKey guards the trigger endpoints.
	WebhookKey string
	// SecretKey is the AES-GCM key for `secure:` values; AgeKey the age
	// identity. SecretScheme picks which one declarations use by default.
	SecretKey    string
	AgeKey       string
	SecretScheme string
	// Agent settings route job execution to a remote host over SSH.
	// Jobs run locally when AgentHost is empty.
	AgentUser      string
	AgentHost      string
	AgentWorkspace string
	AgentKeyPath   string
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.Split(string(line), "=")
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
