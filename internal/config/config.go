package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Storage  StorageConfig
	Sync     SyncConfig
	Callback CallbackConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	SyncLogFilePath    string
	CorsAllowedOrigins string
}

type StorageConfig struct {
	DataDir       string
	IdleThreshold time.Duration
	SweepInterval time.Duration
}

type SyncConfig struct {
	PongWait        time.Duration
	RoomGraceWindow time.Duration
}

type CallbackConfig struct {
	URL      string
	Timeout  time.Duration
	Debounce time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "app.log"),
			SyncLogFilePath:    getEnv("SYNC_LOG_FILE_PATH", "sync.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		},
		Storage: StorageConfig{
			DataDir:       getEnv("DATA_DIR", "./data"),
			IdleThreshold: getEnvAsDuration("STORAGE_IDLE_THRESHOLD", 30*time.Minute),
			SweepInterval: getEnvAsDuration("STORAGE_SWEEP_INTERVAL", time.Minute),
		},
		Sync: SyncConfig{
			PongWait:        getEnvAsDuration("SYNC_PONG_WAIT", 30*time.Second),
			RoomGraceWindow: getEnvAsDuration("SYNC_ROOM_GRACE_WINDOW", 30*time.Second),
		},
		Callback: CallbackConfig{
			URL:      getEnv("CALLBACK_URL", ""),
			Timeout:  getEnvAsDuration("CALLBACK_TIMEOUT", 5*time.Second),
			Debounce: getEnvAsDuration("CALLBACK_DEBOUNCE", 2*time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
