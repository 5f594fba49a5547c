package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config centraliza a configuração carregada do ambiente.
type Config struct {
	Port            int
	DBDSN           string
	RedisURL        string
	JWTAccessTTL    time.Duration
	JWTSecret       string
	JWTAudience     string
	AllowOrigins    []string
	LogLevel        string
	LogFormat       string
	RateLimitPublic RateLimitConfig
	RateLimitSync   RateLimitConfig
	Sync            SyncConfig
	Device          DeviceConfig
	LBAC            LBACConfig
	Tombstone       TombstoneConfig
	Conflict        ConflictConfig
	Sweeper         SweeperConfig
	Archive         ArchiveConfig
}

// RateLimitConfig representa limites simples para throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SyncConfig agrupa parâmetros das sessões de sincronização.
type SyncConfig struct {
	MaxBatch       int
	PullPageSize   int
	MaxOpRetries   int
	RetryBackoff   time.Duration
	SessionTimeout time.Duration
	VersionSource  string
	NodeID         int
}

// DeviceConfig controla o registro de dispositivos.
type DeviceConfig struct {
	SingleActive  bool
	CredentialTTL time.Duration
}

// LBACConfig controla o cache de decisões geográficas.
type LBACConfig struct {
	CacheTTL time.Duration
}

// TombstoneConfig controla propagação e retenção de exclusões.
type TombstoneConfig struct {
	MaxPropagationAttempts int
	Retention              time.Duration
}

// ConflictConfig aponta para a tabela de políticas de conflito.
type ConflictConfig struct {
	PolicyFile string
}

// SweeperConfig controla as rotinas periódicas de manutenção.
type SweeperConfig struct {
	Enabled          bool
	Interval         time.Duration
	ReviewWebhookURL string
}

// ArchiveConfig descreve o bucket onde lápides coletadas são arquivadas.
type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
}

// Enabled indica se há bucket configurado.
func (a ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(a.Bucket) != ""
}

// Load carrega variáveis de ambiente e aplica defaults seguros.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	port, err := parseIntEnv("PORT", 8080)
	if err != nil || port <= 0 {
		return nil, errors.New("PORT inválida")
	}
	cfg.Port = port

	cfg.DBDSN = getEnv("DB_DSN", "")
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN obrigatório")
	}

	cfg.RedisURL = getEnv("REDIS_URL", "")
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL obrigatório")
	}

	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", ""))
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET deve ter pelo menos 32 caracteres")
	}

	cfg.JWTAudience = strings.TrimSpace(getEnv("JWT_AUDIENCE", "geosync"))

	if cfg.JWTAccessTTL, err = parseDurationEnv("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}

	for _, origin := range strings.Split(getEnv("ALLOW_ORIGINS", ""), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
		}
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(getEnv("LOG_LEVEL", "info")))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(getEnv("LOG_FORMAT", "console")))

	cfg.RateLimitPublic = RateLimitConfig{RequestsPerSecond: 10, Burst: 20}
	cfg.RateLimitSync = RateLimitConfig{RequestsPerSecond: 20, Burst: 60}

	if err := loadSync(cfg); err != nil {
		return nil, err
	}
	if err := loadDevice(cfg); err != nil {
		return nil, err
	}

	if cfg.LBAC.CacheTTL, err = parseDurationEnv("LBAC_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}

	if cfg.Tombstone.MaxPropagationAttempts, err = parseIntEnv("TOMBSTONE_MAX_PROPAGATION_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Tombstone.MaxPropagationAttempts <= 0 {
		return nil, errors.New("TOMBSTONE_MAX_PROPAGATION_ATTEMPTS deve ser positivo")
	}
	if cfg.Tombstone.Retention, err = parseDurationEnv("TOMBSTONE_RETENTION", 180*24*time.Hour); err != nil {
		return nil, err
	}

	cfg.Conflict.PolicyFile = strings.TrimSpace(getEnv("CONFLICT_POLICY_FILE", ""))

	if cfg.Sweeper.Enabled, err = parseBoolEnv("SWEEPER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.Sweeper.Interval, err = parseDurationEnv("SWEEPER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	cfg.Sweeper.ReviewWebhookURL = strings.TrimSpace(getEnv("REVIEW_WEBHOOK_URL", ""))

	cfg.Archive = ArchiveConfig{
		Bucket:    strings.TrimSpace(getEnv("ARCHIVE_S3_BUCKET", "")),
		Region:    strings.TrimSpace(getEnv("ARCHIVE_S3_REGION", "auto")),
		Endpoint:  strings.TrimSpace(getEnv("ARCHIVE_S3_ENDPOINT", "")),
		AccessKey: strings.TrimSpace(getEnv("ARCHIVE_S3_ACCESS_KEY", "")),
		SecretKey: strings.TrimSpace(getEnv("ARCHIVE_S3_SECRET_KEY", "")),
		Prefix:    strings.TrimSpace(getEnv("ARCHIVE_S3_PREFIX", "tombstones/")),
	}
	if cfg.Archive.PathStyle, err = parseBoolEnv("ARCHIVE_S3_PATH_STYLE", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadSync(cfg *Config) error {
	var err error
	if cfg.Sync.MaxBatch, err = parseIntEnv("SYNC_MAX_BATCH", 500); err != nil {
		return err
	}
	if cfg.Sync.PullPageSize, err = parseIntEnv("SYNC_PULL_PAGE", 500); err != nil {
		return err
	}
	if cfg.Sync.MaxOpRetries, err = parseIntEnv("SYNC_MAX_OP_RETRIES", 3); err != nil {
		return err
	}
	if cfg.Sync.RetryBackoff, err = parseDurationEnv("SYNC_RETRY_BACKOFF", 100*time.Millisecond); err != nil {
		return err
	}
	if cfg.Sync.SessionTimeout, err = parseDurationEnv("SYNC_SESSION_TIMEOUT", 30*time.Minute); err != nil {
		return err
	}
	if cfg.Sync.MaxBatch <= 0 || cfg.Sync.PullPageSize <= 0 {
		return errors.New("SYNC_MAX_BATCH e SYNC_PULL_PAGE devem ser positivos")
	}

	cfg.Sync.VersionSource = strings.ToLower(strings.TrimSpace(getEnv("SYNC_VERSION_SOURCE", "counter")))
	switch cfg.Sync.VersionSource {
	case "counter", "hlc":
	default:
		return errors.New("SYNC_VERSION_SOURCE deve ser counter ou hlc")
	}

	if cfg.Sync.NodeID, err = parseIntEnv("SYNC_NODE_ID", 0); err != nil {
		return err
	}
	if cfg.Sync.NodeID < 0 || cfg.Sync.NodeID > 1023 {
		return errors.New("SYNC_NODE_ID deve estar entre 0 e 1023")
	}
	return nil
}

func loadDevice(cfg *Config) error {
	var err error
	if cfg.Device.SingleActive, err = parseBoolEnv("DEVICE_SINGLE_ACTIVE", true); err != nil {
		return err
	}
	if cfg.Device.CredentialTTL, err = parseDurationEnv("DEVICE_CREDENTIAL_TTL", 90*24*time.Hour); err != nil {
		return err
	}
	return nil
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.New(key + " inválido")
	}
	return dur, nil
}

func parseIntEnv(key string, def int) (int, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.New(key + " inválido")
	}
	return n, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errors.New(key + " inválido")
	}
	return b, nil
}
