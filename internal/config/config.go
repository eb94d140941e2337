package config

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config collects everything the server reads from the environment.
type Config struct {
	ListenAddr string

	MongoURI  string
	JWTSecret string
	APIKey    string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	DeepSeekAPIKey  string

	JiraURL              string
	JiraUsername         string
	JiraAPIToken         string
	JiraAutomationLabels []string

	// BrowserRuntime selects "local" playwright launches or "docker"
	// browserless containers connected over CDP.
	BrowserRuntime string

	// XServerAvailable gates visible-browser requests; without a display
	// server every task is forced headless.
	XServerAvailable bool
}

var defaultAutomationLabels = []string{
	"qa-automation",
	"matrix-test",
	"automated-test",
	"automation",
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		MongoURI:         getenv("MONGO_URI", "mongodb://localhost:27017/matrix_qa"),
		JWTSecret:        getenv("JWT_SECRET", "matrix_jwt_secret_key_for_authentication"),
		APIKey:           getenv("API_KEY", "qa_secret_key"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		DeepSeekAPIKey:   os.Getenv("DEEPSEEK_API_KEY"),
		JiraURL:          strings.TrimSpace(os.Getenv("JIRA_URL")),
		JiraUsername:     strings.TrimSpace(os.Getenv("JIRA_USERNAME")),
		JiraAPIToken:     strings.TrimSpace(os.Getenv("JIRA_API_TOKEN")),
		BrowserRuntime:   getenv("BROWSER_RUNTIME", "local"),
		XServerAvailable: os.Getenv("DISPLAY") != "",
	}

	cfg.JiraAutomationLabels = parseLabels(os.Getenv("JIRA_AUTOMATION_LABELS"))

	if cfg.AnthropicAPIKey == "" {
		log.Println("No ANTHROPIC_API_KEY found in environment variables")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Println("No OPENAI_API_KEY found in environment variables")
	}
	if cfg.DeepSeekAPIKey == "" {
		log.Println("No DEEPSEEK_API_KEY found in environment variables")
	}
	if !cfg.JiraConfigured() {
		log.Println("Jira integration not fully configured")
	} else {
		log.Printf("Jira automation configured with labels: %v", cfg.JiraAutomationLabels)
	}

	return cfg
}

// JiraConfigured reports whether all Jira credentials are present.
func (c *Config) JiraConfigured() bool {
	return c.JiraURL != "" && c.JiraUsername != "" && c.JiraAPIToken != ""
}

// DefaultKeyFor returns the configured default key for a provider, or "".
func (c *Config) DefaultKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	}
	return ""
}

func parseLabels(raw string) []string {
	if raw == "" {
		return defaultAutomationLabels
	}
	var labels []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	if len(labels) == 0 {
		return defaultAutomationLabels
	}
	return labels
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
