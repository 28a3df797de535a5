package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort          = "8080"
	defaultSavePath          = "/media/EMSCH_tests_ICR/icr_results/"
	defaultCatalogBackend    = "postgres"
	defaultArtifactBackend   = "local"
	defaultSubmissions       = "pdfs"
	defaultAnswers           = "answers"
	defaultMinioEndpoint     = "localhost:9000"
	defaultMinioBucket       = "icr-results"
	defaultIntakeBucket      = "icr-intake"
	defaultRecognizerURL     = "http://localhost:8500"
	defaultRecognizerTimeout = 60
	defaultQuestionCount     = 40
	defaultPollInterval      = 500 * time.Millisecond
	defaultLease             = 10 * time.Minute
)

const (
	CatalogPostgres  = "postgres"
	CatalogFirestore = "firestore"

	ArtifactsLocal = "local"
	ArtifactsMinio = "minio"
	ArtifactsGCS   = "gcs"
)

type Config struct {
	QueueRoot string `yaml:"queue_root"`
	SavePath  string `yaml:"save_path"`

	CatalogBackend                 string `yaml:"catalog_backend"`
	PostgresDSN                    string `yaml:"postgres_dsn"`
	FirestoreProjectID             string `yaml:"firestore_project_id"`
	FirestoreSubmissionsCollection string `yaml:"firestore_submissions_collection"`
	FirestoreAnswersCollection     string `yaml:"firestore_answers_collection"`

	ArtifactBackend string `yaml:"artifact_backend"`
	MinioEndpoint   string `yaml:"minio_endpoint"`
	MinioAccessKey  string `yaml:"minio_access_key"`
	MinioSecretKey  string `yaml:"minio_secret_key"`
	MinioBucket     string `yaml:"minio_bucket"`
	MinioUseSSL     bool   `yaml:"minio_use_ssl"`
	GCSBucket       string `yaml:"gcs_bucket"`

	// IntakeBucket receives scanned submissions; IncomingDir is where their
	// pages are downloaded before queueing. IncomingDir defaults to
	// QueueRoot/incoming.
	IntakeBucket string `yaml:"intake_bucket"`
	IncomingDir  string `yaml:"incoming_dir"`

	RecognizerURL        string `yaml:"recognizer_url"`
	RecognizerTimeoutSec int    `yaml:"recognizer_timeout_sec"`
	QuestionCount        int    `yaml:"question_count"`

	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`
	QueueLease        time.Duration `yaml:"queue_lease"`

	HTTPPort string `yaml:"http_port"`
	LogTo    string `yaml:"log_to"`
	Debug    bool   `yaml:"debug"`
}

func Defaults() Config {
	return Config{
		SavePath:                       defaultSavePath,
		CatalogBackend:                 defaultCatalogBackend,
		FirestoreSubmissionsCollection: defaultSubmissions,
		FirestoreAnswersCollection:     defaultAnswers,
		ArtifactBackend:                defaultArtifactBackend,
		MinioEndpoint:                  defaultMinioEndpoint,
		MinioBucket:                    defaultMinioBucket,
		IntakeBucket:                   defaultIntakeBucket,
		RecognizerURL:                  defaultRecognizerURL,
		RecognizerTimeoutSec:           defaultRecognizerTimeout,
		QuestionCount:                  defaultQuestionCount,
		QueuePollInterval:              defaultPollInterval,
		QueueLease:                     defaultLease,
		HTTPPort:                       defaultHTTPPort,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// WORKER_CONFIG_FILE (or path, when given), then environment variables.
func Load(path ...string) (Config, error) {
	cfg := Defaults()

	file := os.Getenv("WORKER_CONFIG_FILE")
	if len(path) > 0 && path[0] != "" {
		file = path[0]
	}
	if file != "" {
		if err := cfg.mergeFile(file); err != nil {
			return Config{}, err
		}
	}

	cfg.QueueRoot = getenv("QUEUE_ROOT", cfg.QueueRoot)
	cfg.SavePath = getenv("SAVE_PATH", cfg.SavePath)
	cfg.CatalogBackend = getenv("CATALOG_BACKEND", cfg.CatalogBackend)
	cfg.PostgresDSN = getenv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.FirestoreProjectID = getenv("FIRESTORE_PROJECT_ID", cfg.FirestoreProjectID)
	cfg.FirestoreSubmissionsCollection = getenv("FIRESTORE_SUBMISSIONS_COLLECTION", cfg.FirestoreSubmissionsCollection)
	cfg.FirestoreAnswersCollection = getenv("FIRESTORE_ANSWERS_COLLECTION", cfg.FirestoreAnswersCollection)
	cfg.ArtifactBackend = getenv("ARTIFACT_BACKEND", cfg.ArtifactBackend)
	cfg.MinioEndpoint = getenv("MINIO_ENDPOINT", cfg.MinioEndpoint)
	cfg.MinioAccessKey = getenv("MINIO_ACCESS_KEY", cfg.MinioAccessKey)
	cfg.MinioSecretKey = getenv("MINIO_SECRET_KEY", cfg.MinioSecretKey)
	cfg.MinioBucket = getenv("MINIO_BUCKET", cfg.MinioBucket)
	cfg.MinioUseSSL = getenvBool("MINIO_USE_SSL", cfg.MinioUseSSL)
	cfg.GCSBucket = getenv("GCS_BUCKET", cfg.GCSBucket)
	cfg.IntakeBucket = getenv("MINIO_INTAKE_BUCKET", cfg.IntakeBucket)
	cfg.IncomingDir = getenv("INCOMING_DIR", cfg.IncomingDir)
	cfg.RecognizerURL = getenv("RECOGNIZER_URL", cfg.RecognizerURL)
	cfg.RecognizerTimeoutSec = getenvInt("RECOGNIZER_TIMEOUT_SEC", cfg.RecognizerTimeoutSec)
	cfg.QuestionCount = getenvInt("QUESTION_COUNT", cfg.QuestionCount)
	cfg.QueuePollInterval = getenvDuration("QUEUE_POLL_INTERVAL", cfg.QueuePollInterval)
	cfg.QueueLease = getenvDuration("QUEUE_LEASE", cfg.QueueLease)
	cfg.HTTPPort = getenv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogTo = getenv("LOG_TO", cfg.LogTo)
	cfg.Debug = getenvBool("DEBUG", cfg.Debug)

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings needed by the selected backends.
func (c Config) Validate() error {
	if c.QueueRoot == "" {
		return fmt.Errorf("QUEUE_ROOT is required")
	}
	switch c.CatalogBackend {
	case CatalogPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required")
		}
	case CatalogFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required")
		}
	default:
		return fmt.Errorf("unknown CATALOG_BACKEND %q", c.CatalogBackend)
	}
	switch c.ArtifactBackend {
	case ArtifactsLocal:
		if c.SavePath == "" {
			return fmt.Errorf("SAVE_PATH is required")
		}
	case ArtifactsMinio:
		if c.MinioBucket == "" {
			return fmt.Errorf("MINIO_BUCKET is required")
		}
	case ArtifactsGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_BACKEND %q", c.ArtifactBackend)
	}
	if c.QuestionCount <= 0 {
		return fmt.Errorf("QUESTION_COUNT must be positive")
	}
	return nil
}

func (c Config) IncomingPath() string {
	if c.IncomingDir != "" {
		return c.IncomingDir
	}
	return filepath.Join(c.QueueRoot, "incoming")
}

func (c Config) RecognizerTimeout() time.Duration {
	return time.Duration(c.RecognizerTimeoutSec) * time.Second
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
