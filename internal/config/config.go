package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"zmon/internal/models"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig holds the event-mirror connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig holds broker settings for the gateway sensor source.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	VitalsTopic string // subscription pattern, e.g. "zmon/+/vitals"
}

// Config is the full configuration for the zmon binaries.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	Sensor struct {
		Source           string // "shm", "sim" or "mqtt"
		SocketPath       string // control channel rendezvous path
		StallTimeout     time.Duration
		PollInterval     time.Duration
		MaxFramesPerPoll int
		PatientID        string
		DeviceID         string
		ReconnectBase    time.Duration
		ReconnectMax     time.Duration
	}

	Alarm struct {
		Thresholds       string // override string, e.g. "HR:50:120:5:HIGH,SPO2:90:100:2:HIGH"
		PersistQueueSize int
		DuplicateWindow  time.Duration
	}

	Cache struct {
		VitalsCapacity   int
		WaveformCapacity int
	}

	Telemetry struct {
		Endpoint        string
		DeviceToken     string
		SigningKey      string
		BatchSize       int
		BatchWindow     time.Duration
		UploadTimeout   time.Duration
		CriticalTimeout time.Duration
		DrainInterval   time.Duration

		Retry struct {
			MaxAttempts int
			BaseDelay   time.Duration
			MaxDelay    time.Duration
			Factor      float64
		}

		Breaker struct {
			FailureThreshold    int
			ResetTimeout        time.Duration
			HalfOpenMaxRequests int
		}
	}

	Sim struct {
		FrameSize         uint32
		FrameCount        uint32
		VitalsRateHz      int
		WaveformRateHz    int
		SamplesPerFrame   int
		HeartbeatInterval time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables with defaults suitable
// for a bench setup (simulator producer + daemon on one machine).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "") // empty selects in-memory repositories
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "zmon")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "") // empty disables the event mirror
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "zmond")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.VitalsTopic = getEnv("MQTT_VITALS_TOPIC", "zmon/+/vitals")

	cfg.Sensor.Source = getEnv("SENSOR_SOURCE", "shm")
	cfg.Sensor.SocketPath = getEnv("SENSOR_SOCKET_PATH", "/tmp/z-monitor-sensor.sock")
	cfg.Sensor.StallTimeout = getEnvDuration("SENSOR_STALL_TIMEOUT", 250*time.Millisecond)
	cfg.Sensor.PollInterval = getEnvDuration("SENSOR_POLL_INTERVAL", 5*time.Millisecond)
	cfg.Sensor.MaxFramesPerPoll = getEnvInt("SENSOR_MAX_FRAMES_PER_POLL", 10)
	cfg.Sensor.PatientID = getEnv("PATIENT_ID", "")
	cfg.Sensor.DeviceID = getEnv("DEVICE_ID", "zmon-dev-001")
	cfg.Sensor.ReconnectBase = getEnvDuration("SENSOR_RECONNECT_BASE", 1*time.Second)
	cfg.Sensor.ReconnectMax = getEnvDuration("SENSOR_RECONNECT_MAX", 30*time.Second)

	cfg.Alarm.Thresholds = getEnv("ALARM_THRESHOLDS", "")
	cfg.Alarm.PersistQueueSize = getEnvInt("ALARM_PERSIST_QUEUE", 256)
	cfg.Alarm.DuplicateWindow = getEnvDuration("ALARM_DUPLICATE_WINDOW", 5*time.Second)

	cfg.Cache.VitalsCapacity = getEnvInt("CACHE_VITALS_CAPACITY", 259200)
	cfg.Cache.WaveformCapacity = getEnvInt("CACHE_WAVEFORM_CAPACITY", 2500)

	cfg.Telemetry.Endpoint = getEnv("TELEMETRY_ENDPOINT", "http://localhost:8090")
	cfg.Telemetry.DeviceToken = getEnv("TELEMETRY_DEVICE_TOKEN", "")
	cfg.Telemetry.SigningKey = getEnv("TELEMETRY_SIGNING_KEY", "")
	cfg.Telemetry.BatchSize = getEnvInt("TELEMETRY_BATCH_SIZE", 100)
	cfg.Telemetry.BatchWindow = getEnvDuration("TELEMETRY_BATCH_WINDOW", 30*time.Second)
	cfg.Telemetry.UploadTimeout = getEnvDuration("TELEMETRY_UPLOAD_TIMEOUT", 30*time.Second)
	cfg.Telemetry.CriticalTimeout = getEnvDuration("TELEMETRY_CRITICAL_TIMEOUT", 5*time.Second)
	cfg.Telemetry.DrainInterval = getEnvDuration("TELEMETRY_DRAIN_INTERVAL", 60*time.Second)
	cfg.Telemetry.Retry.MaxAttempts = getEnvInt("TELEMETRY_RETRY_MAX_ATTEMPTS", 3)
	cfg.Telemetry.Retry.BaseDelay = getEnvDuration("TELEMETRY_RETRY_BASE_DELAY", 100*time.Millisecond)
	cfg.Telemetry.Retry.MaxDelay = getEnvDuration("TELEMETRY_RETRY_MAX_DELAY", 5*time.Second)
	cfg.Telemetry.Retry.Factor = getEnvFloat("TELEMETRY_RETRY_FACTOR", 2.0)
	cfg.Telemetry.Breaker.FailureThreshold = getEnvInt("TELEMETRY_BREAKER_THRESHOLD", 5)
	cfg.Telemetry.Breaker.ResetTimeout = getEnvDuration("TELEMETRY_BREAKER_RESET", 60*time.Second)
	cfg.Telemetry.Breaker.HalfOpenMaxRequests = getEnvInt("TELEMETRY_BREAKER_HALF_OPEN_MAX", 3)

	cfg.Sim.FrameSize = uint32(getEnvInt("SIM_FRAME_SIZE", 4096))
	cfg.Sim.FrameCount = uint32(getEnvInt("SIM_FRAME_COUNT", 2048))
	cfg.Sim.VitalsRateHz = getEnvInt("SIM_VITALS_RATE_HZ", 60)
	cfg.Sim.WaveformRateHz = getEnvInt("SIM_WAVEFORM_RATE_HZ", 250)
	cfg.Sim.SamplesPerFrame = getEnvInt("SIM_SAMPLES_PER_FRAME", 10)
	cfg.Sim.HeartbeatInterval = getEnvDuration("SIM_HEARTBEAT_INTERVAL", 10*time.Millisecond)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// ParseThresholds parses the ALARM_THRESHOLDS override string. Format:
// comma-separated entries "VITAL:low:high:hysteresis:PRIORITY[:off]",
// e.g. "HR:50:120:5:HIGH,RR:8:30:2:MEDIUM". An entry ending in ":off"
// is loaded disabled.
func ParseThresholds(s string) (map[models.VitalType]models.AlarmThreshold, error) {
	out := make(map[models.VitalType]models.AlarmThreshold)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 5 {
			return nil, fmt.Errorf("invalid threshold entry %q: want VITAL:low:high:hyst:PRIORITY", entry)
		}
		vital := models.VitalType(strings.ToUpper(parts[0]))
		low, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid low limit in %q: %w", entry, err)
		}
		high, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid high limit in %q: %w", entry, err)
		}
		hyst, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid hysteresis in %q: %w", entry, err)
		}
		if low >= high {
			return nil, fmt.Errorf("invalid threshold %q: low %.1f >= high %.1f", entry, low, high)
		}
		priority := models.AlarmPriority(strings.ToUpper(parts[4]))
		switch priority {
		case models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
		default:
			return nil, fmt.Errorf("invalid priority %q in %q", parts[4], entry)
		}
		enabled := true
		if len(parts) >= 6 && strings.EqualFold(parts[5], "off") {
			enabled = false
		}
		out[vital] = models.AlarmThreshold{
			VitalType:  vital,
			LowLimit:   low,
			HighLimit:  high,
			Hysteresis: hyst,
			Priority:   priority,
			Enabled:    enabled,
		}
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
