package config

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultDBDriver    = "sqlite"
	DefaultDBFileName  = ".pcdattach.db"
	DefaultBlobDirName = "pcdattach-files"
	DefaultLogLevel    = "info"
	DefaultOpsAddr     = "127.0.0.1:9464"

	DefaultAttachmentMaxUploadBytes int64 = 10 * 1024 * 1024

	DefaultReconcileOnStartup         = true
	DefaultReconcileInterval          = time.Duration(0)
	DefaultReconcileOrphanFileGrace   = time.Hour
	DefaultReconcileDeleteOrphanFiles = true
	DefaultReconcileBatchSize         = 500

	configFileName           = ".pcdattach.toml"
	configDirEnvKey          = "PCDATTACH_CONFIG_DIR"
	trustProjectConfigEnvKey = "PCDATTACH_TRUST_PROJECT_CONFIG"

	dbDriverEnvKey               = "PCDATTACH_DB_DRIVER"
	dbPathEnvKey                 = "PCDATTACH_DB"
	dbDSNEnvKey                  = "PCDATTACH_DB_DSN"
	blobRootEnvKey               = "PCDATTACH_BLOB_ROOT"
	logLevelEnvKey               = "PCDATTACH_LOG_LEVEL"
	opsAddrEnvKey                = "PCDATTACH_OPS_ADDR"
	attachmentMediaTypesEnvKey   = "PCDATTACH_ATTACH_ALLOWED_MEDIA_TYPES"
	attachmentExtensionsEnvKey   = "PCDATTACH_ATTACH_ALLOWED_EXTENSIONS"
	reconcileIntervalEnvKey      = "PCDATTACH_RECONCILE_INTERVAL"
	reconcileDeleteOrphansEnvKey = "PCDATTACH_RECONCILE_DELETE_ORPHAN_FILES"
)

// AttachmentConfig defines the upload policy.
type AttachmentConfig struct {
	MaxUploadBytes    int64    `toml:"max_upload_bytes"`
	AllowedMediaTypes []string `toml:"allowed_media_types"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// ReconcileConfig defines when and how the orphan sweep runs.
type ReconcileConfig struct {
	OnStartup         bool          `toml:"on_startup"`
	Interval          time.Duration `toml:"interval"`
	OrphanFileGrace   time.Duration `toml:"orphan_file_grace"`
	DeleteOrphanFiles bool          `toml:"delete_orphan_files"`
	BatchSize         int           `toml:"batch_size"`
}

// Config defines runtime configuration for pcdattach.
type Config struct {
	DBDriver                 string           `toml:"db_driver"`
	DBPath                   string           `toml:"db_path"`
	DBDSN                    string           `toml:"db_dsn"`
	BlobRoot                 string           `toml:"blob_root"`
	LogLevel                 string           `toml:"log_level"`
	OpsAddr                  string           `toml:"ops_addr"`
	Attachments              AttachmentConfig `toml:"attachments"`
	Reconcile                ReconcileConfig  `toml:"reconcile"`
	TrustedProjectConfigPath string           `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		DBDriver: DefaultDBDriver,
		LogLevel: DefaultLogLevel,
		OpsAddr:  DefaultOpsAddr,
		Attachments: AttachmentConfig{
			MaxUploadBytes: DefaultAttachmentMaxUploadBytes,
		},
		Reconcile: ReconcileConfig{
			OnStartup:         DefaultReconcileOnStartup,
			Interval:          DefaultReconcileInterval,
			OrphanFileGrace:   DefaultReconcileOrphanFileGrace,
			DeleteOrphanFiles: DefaultReconcileDeleteOrphanFiles,
			BatchSize:         DefaultReconcileBatchSize,
		},
	}
}

// StoreTarget returns the driver name and the path or DSN to open.
func (c *Config) StoreTarget() (driver, target string) {
	driver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	switch driver {
	case "postgres", "postgresql", "pgx":
		return "postgres", c.DBDSN
	default:
		return DefaultDBDriver, c.DBPath
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"db_driver",
	"db_path",
	"db_dsn",
	"blob_root",
	"log_level",
	"ops_addr",
	"attachments.max_upload_bytes",
	"attachments.allowed_media_types",
	"attachments.allowed_extensions",
	"reconcile.on_startup",
	"reconcile.interval",
	"reconcile.orphan_file_grace",
	"reconcile.delete_orphan_files",
	"reconcile.batch_size",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_driver":
		return c.DBDriver, nil
	case "db_path":
		return c.DBPath, nil
	case "db_dsn":
		return c.DBDSN, nil
	case "blob_root":
		return c.BlobRoot, nil
	case "log_level":
		return c.LogLevel, nil
	case "ops_addr":
		return c.OpsAddr, nil
	case "attachments.max_upload_bytes":
		return strconv.FormatInt(c.Attachments.MaxUploadBytes, 10), nil
	case "attachments.allowed_media_types":
		return strings.Join(c.Attachments.AllowedMediaTypes, ","), nil
	case "attachments.allowed_extensions":
		return strings.Join(c.Attachments.AllowedExtensions, ","), nil
	case "reconcile.on_startup":
		return strconv.FormatBool(c.Reconcile.OnStartup), nil
	case "reconcile.interval":
		return c.Reconcile.Interval.String(), nil
	case "reconcile.orphan_file_grace":
		return c.Reconcile.OrphanFileGrace.String(), nil
	case "reconcile.delete_orphan_files":
		return strconv.FormatBool(c.Reconcile.DeleteOrphanFiles), nil
	case "reconcile.batch_size":
		return strconv.Itoa(c.Reconcile.BatchSize), nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" || cfg.BlobRoot == "" {
		if cwd, err := os.Getwd(); err == nil {
			if cfg.DBPath == "" {
				cfg.DBPath = filepath.Join(cwd, DefaultDBFileName)
			}
			if cfg.BlobRoot == "" {
				cfg.BlobRoot = filepath.Join(cwd, DefaultBlobDirName)
			}
		}
	}

	cfg.normalize()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(dbDriverEnvKey)); v != "" {
		c.DBDriver = v
	}
	if v := os.Getenv(dbPathEnvKey); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(dbDSNEnvKey); v != "" {
		c.DBDSN = v
	}
	if v := os.Getenv(blobRootEnvKey); v != "" {
		c.BlobRoot = v
	}
	if v := strings.TrimSpace(os.Getenv(logLevelEnvKey)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(opsAddrEnvKey)); v != "" {
		c.OpsAddr = v
	}
	if raw := strings.TrimSpace(os.Getenv(attachmentMediaTypesEnvKey)); raw != "" {
		c.Attachments.AllowedMediaTypes = splitCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(attachmentExtensionsEnvKey)); raw != "" {
		c.Attachments.AllowedExtensions = splitCSV(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(reconcileIntervalEnvKey)); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", reconcileIntervalEnvKey, err)
		}
		c.Reconcile.Interval = d
	}
	if raw := strings.TrimSpace(os.Getenv(reconcileDeleteOrphansEnvKey)); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			c.Reconcile.DeleteOrphanFiles = parsed
		}
	}
	return nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "db_driver":
		switch strings.ToLower(value) {
		case "sqlite", "postgres":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("%s must be sqlite or postgres", key)
	case "log_level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
			return strings.ToLower(value), nil
		}
		return nil, fmt.Errorf("%s must be one of debug, info, warn, error", key)
	case "attachments.max_upload_bytes":
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "reconcile.batch_size":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "reconcile.on_startup", "reconcile.delete_orphan_files":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "reconcile.interval", "reconcile.orphan_file_grace":
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%s must be a non-negative duration such as 30m", key)
		}
		return parsed.String(), nil
	case "attachments.allowed_media_types", "attachments.allowed_extensions":
		return splitCSV(value), nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.DBDriver) == "" {
		c.DBDriver = DefaultDBDriver
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Attachments.MaxUploadBytes <= 0 {
		c.Attachments.MaxUploadBytes = DefaultAttachmentMaxUploadBytes
	}
	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = DefaultReconcileBatchSize
	}
	if c.Reconcile.Interval < 0 {
		c.Reconcile.Interval = 0
	}
	if c.Reconcile.OrphanFileGrace < 0 {
		c.Reconcile.OrphanFileGrace = DefaultReconcileOrphanFileGrace
	}
	c.Attachments.AllowedMediaTypes = normalizeConfiguredMediaTypes(c.Attachments.AllowedMediaTypes)
	c.Attachments.AllowedExtensions = normalizeConfiguredExtensions(c.Attachments.AllowedExtensions)
}

func normalizeConfiguredMediaTypes(rawValues []string) []string {
	if len(rawValues) == 0 {
		return nil
	}
	out := make([]string, 0, len(rawValues))
	seen := map[string]struct{}{}
	for _, raw := range rawValues {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parsed, _, err := mime.ParseMediaType(raw)
		if err != nil {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(parsed))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeConfiguredExtensions(rawValues []string) []string {
	if len(rawValues) == 0 {
		return nil
	}
	out := make([]string, 0, len(rawValues))
	seen := map[string]struct{}{}
	for _, raw := range rawValues {
		ext := strings.ToLower(strings.TrimSpace(raw))
		ext = strings.TrimPrefix(ext, ".")
		if ext == "" || strings.ContainsAny(ext, "/\\ ") {
			continue
		}
		ext = "." + ext
		if _, ok := seen[ext]; ok {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
