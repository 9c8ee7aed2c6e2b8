// Package profile holds the process-level runtime configuration resolved
// from flags and POLYMIND_* environment variables.
package profile

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration needed to start the server.
type Profile struct {
	Mode    string // dev, prod
	Addr    string
	Port    int
	Data    string // data directory for cache persistence
	Version string

	ManifestPath string

	// Chat model configuration (OpenAI-compatible protocol).
	LLMProvider string // openai, deepseek, siliconflow, dashscope, ollama
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  int // seconds

	// Embedding configuration.
	EmbeddingModel   string
	EmbeddingAPIKey  string
	EmbeddingBaseURL string
	EmbeddingDims    int
}

// llmProviderDefaults fills in the model when only a provider is named.
var llmProviderDefaults = map[string]string{
	"openai":      "gpt-4o-mini",
	"deepseek":    "deepseek-chat",
	"siliconflow": "Qwen/Qwen2.5-72B-Instruct",
	"dashscope":   "qwen-max-latest",
	"ollama":      "llama3.1",
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled reports whether a chat model is configured. Without it the
// engine runs degraded: keyword selection and concatenation mixing only.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

// IsEmbeddingEnabled reports whether embedding-based selection can be used.
func (p *Profile) IsEmbeddingEnabled() bool {
	return p.EmbeddingModel != "" && (p.EmbeddingAPIKey != "" || p.EmbeddingBaseURL != "")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already
// set by flags win only when the environment is empty, so the precedence is
// env over flag defaults; viper handles the flag side.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("POLYMIND_LLM_PROVIDER", p.LLMProvider)
	p.LLMAPIKey = getEnvOrDefault("POLYMIND_LLM_API_KEY", p.LLMAPIKey)
	p.LLMBaseURL = getEnvOrDefault("POLYMIND_LLM_BASE_URL", p.LLMBaseURL)
	p.LLMModel = getEnvOrDefault("POLYMIND_LLM_MODEL", p.LLMModel)
	p.LLMTimeout = getEnvOrDefaultInt("POLYMIND_LLM_TIMEOUT_SECONDS", p.LLMTimeout)

	p.EmbeddingModel = getEnvOrDefault("POLYMIND_EMBEDDING_MODEL", p.EmbeddingModel)
	p.EmbeddingAPIKey = getEnvOrDefault("POLYMIND_EMBEDDING_API_KEY", p.EmbeddingAPIKey)
	p.EmbeddingBaseURL = getEnvOrDefault("POLYMIND_EMBEDDING_BASE_URL", p.EmbeddingBaseURL)
	p.EmbeddingDims = getEnvOrDefaultInt("POLYMIND_EMBEDDING_DIMENSIONS", p.EmbeddingDims)
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and resolves the data directory.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.LLMProvider == "" {
		p.LLMProvider = "openai"
	}
	if p.LLMModel == "" {
		if model, ok := llmProviderDefaults[p.LLMProvider]; ok {
			p.LLMModel = model
		}
	}
	if p.LLMTimeout <= 0 {
		p.LLMTimeout = 120
	}

	if p.Data == "" {
		if p.Mode == "prod" {
			if runtime.GOOS == "windows" {
				p.Data = filepath.Join(os.Getenv("ProgramData"), "polymind")
			} else {
				p.Data = "/var/opt/polymind"
			}
		} else {
			p.Data = "."
		}
	}
	if _, err := os.Stat(p.Data); os.IsNotExist(err) {
		if err := os.MkdirAll(p.Data, 0o770); err != nil {
			return errors.Wrapf(err, "unable to create data folder %s", p.Data)
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir
	return nil
}

// CachePersistPath returns the sqlite file backing the response cache.
func (p *Profile) CachePersistPath() string {
	return filepath.Join(p.Data, "polymind_cache.db")
}
