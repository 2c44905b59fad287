package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Recordings RecordingsConfig
	Amazon     AmazonConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Server     ServerConfig
}

// RecordingsConfig holds camera recording store and discovery settings.
type RecordingsConfig struct {
	BasePath      string // root under which each camera keeps <manufacturerId>/index.db and its clips
	VideoURIBase  string // prefix prepended to converted clip paths in local playback mode
	CamerasFile   string // JSON file with the camera inventory
	CheckInterval int    // seconds between discovery polls per camera
	Window        int    // how many most recent index rows to consider per poll
	SourceMode    string // "poll" (sqlite index) or "watch" (sidecar files)
	URIExpireMin  int    // minutes until a published playback URI expires
	PlaybackMode  string // "local" or "s3"
	FFmpegPath    string
	FFmpegTimeout int // seconds before a conversion is abandoned
}

// AmazonConfig holds LWA and Alexa Event Gateway settings.
type AmazonConfig struct {
	ClientID             string
	ClientSecret         string
	GrantCode            string // one-time authorization code, used only before the first token exchange
	LWAHost              string
	LWAPath              string
	EventGatewayHost     string
	EventGatewayPath     string
	PreemptiveRefreshSec int // refresh the access token this many seconds before its declared expiry
	TokenFile            string
}

// RedisConfig holds Redis connection settings for the dedup store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the S3 bucket for presigned playback.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ClipsBucket     string
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port               string // media server port
	MetricsPort        string // processor health/metrics port
	TLSCertFile        string // when set together with TLSKeyFile, the media server serves HTTPS
	TLSKeyFile         string
	CORSAllowedOrigins string
}

// Camera is one camera from the inventory file. Immutable once loaded.
type Camera struct {
	FriendlyName   string `json:"friendlyName"`
	ManufacturerID string `json:"manufacturerId"`
	EndpointID     string `json:"endpointId"`
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Recordings: RecordingsConfig{
			BasePath:      getEnv("RECORDINGS_BASE_PATH", "/srv/recordings/"),
			VideoURIBase:  getEnv("VIDEO_URI_BASE", ""),
			CamerasFile:   getEnv("CAMERAS_FILE", "cameras.json"),
			CheckInterval: getEnvInt("CHECK_RECORDINGS_INTERVAL_SEC", 60),
			Window:        getEnvInt("RECORDINGS_WINDOW", 3),
			SourceMode:    getEnv("SOURCE_MODE", "poll"),
			URIExpireMin:  getEnvInt("URI_EXPIRE_MINUTES", 10),
			PlaybackMode:  getEnv("PLAYBACK_MODE", "local"),
			FFmpegPath:    getEnv("FFMPEG_PATH", "/usr/bin/ffmpeg"),
			FFmpegTimeout: getEnvInt("FFMPEG_TIMEOUT_SEC", 300),
		},
		Amazon: AmazonConfig{
			ClientID:             getEnv("AMZN_CLIENT_ID", ""),
			ClientSecret:         getEnv("AMZN_CLIENT_SECRET", ""),
			GrantCode:            getEnv("AMZN_GRANT_CODE", ""),
			LWAHost:              getEnv("AMZN_LWA_HOST", "api.amazon.com"),
			LWAPath:              getEnv("AMZN_LWA_PATH", "/auth/o2/token"),
			EventGatewayHost:     getEnv("AMZN_EVENT_GATEWAY_HOST", "api.amazonalexa.com"),
			EventGatewayPath:     getEnv("AMZN_EVENT_GATEWAY_PATH", "/v3/events"),
			PreemptiveRefreshSec: getEnvInt("AMZN_PREEMPTIVE_REFRESH_SEC", 300),
			TokenFile:            getEnv("AMZN_TOKEN_FILE", "tokens.json"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ClipsBucket:     getEnv("AWS_S3_CLIPS_BUCKET", ""),
		},
		Server: ServerConfig{
			Port:               getEnv("PORT", "8443"),
			MetricsPort:        getEnv("METRICS_PORT", "9090"),
			TLSCertFile:        getEnv("TLS_CERT_FILE", ""),
			TLSKeyFile:         getEnv("TLS_KEY_FILE", ""),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
	}
	return cfg, nil
}

// LoadCameras reads the camera inventory from the JSON file named by cfg.
func (c *Config) LoadCameras() ([]Camera, error) {
	raw, err := os.ReadFile(c.Recordings.CamerasFile)
	if err != nil {
		return nil, fmt.Errorf("read cameras file: %w", err)
	}
	var file struct {
		Cameras []Camera `json:"cameras"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse cameras file: %w", err)
	}
	if len(file.Cameras) == 0 {
		return nil, fmt.Errorf("cameras file %s lists no cameras", c.Recordings.CamerasFile)
	}
	for i, cam := range file.Cameras {
		if cam.ManufacturerID == "" || cam.EndpointID == "" {
			return nil, fmt.Errorf("camera %d: manufacturerId and endpointId are required", i)
		}
	}
	return file.Cameras, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
