package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HTTPPort          int
	WHIPEndpoint      string
	WHIPBearerToken   string
	WHIPHTTPTimeout   time.Duration
	ICEServers        []string
	IncludeMicrophone bool
	ICEGatherTimeout  time.Duration
	StatsInterval     time.Duration
	VideoFile         string
	AudioFile         string
	MicFile           string
	WebRTCMinPort     uint16
	WebRTCMaxPort     uint16
	WebRTCNAT1To1IPs  []string
	PionLogLevel      string
	LogLevel          string
	TelemetryEndpoint string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, reading from environment variables")
	}

	cfg := &Config{
		HTTPPort:         8081,
		WHIPHTTPTimeout:  10 * time.Second,
		ICEServers:       []string{"stun:stun.l.google.com:19302"},
		ICEGatherTimeout: 5 * time.Second,
		StatsInterval:    5 * time.Second,
		VideoFile:        "output.ivf",
		AudioFile:        "output.ogg",
		PionLogLevel:     "error",
		LogLevel:         "info",
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("WHIP_ENDPOINT"); v != "" {
		cfg.WHIPEndpoint = v
	}
	if v := os.Getenv("WHIP_BEARER_TOKEN"); v != "" {
		cfg.WHIPBearerToken = v
	}
	if v := os.Getenv("WHIP_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WHIPHTTPTimeout = d
		}
	}
	if v, ok := os.LookupEnv("ICE_SERVERS"); ok {
		cfg.ICEServers = splitList(v)
	}
	if v := os.Getenv("INCLUDE_MICROPHONE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IncludeMicrophone = b
		}
	}
	if v := os.Getenv("ICE_GATHER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ICEGatherTimeout = d
		}
	}
	if v := os.Getenv("STATS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StatsInterval = d
		}
	}
	if v := os.Getenv("VIDEO_FILE"); v != "" {
		cfg.VideoFile = v
	}
	if v, ok := os.LookupEnv("AUDIO_FILE"); ok {
		cfg.AudioFile = v
	}
	if v := os.Getenv("MIC_FILE"); v != "" {
		cfg.MicFile = v
	}
	if v := os.Getenv("WEBRTC_MIN_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.WebRTCMinPort = uint16(p)
		}
	}
	if v := os.Getenv("WEBRTC_MAX_PORT"); v != "" {
		if p, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.WebRTCMaxPort = uint16(p)
		}
	}
	if v := os.Getenv("WEBRTC_NAT_1TO1_IPS"); v != "" {
		cfg.WebRTCNAT1To1IPs = splitList(v)
	}
	if v := os.Getenv("PION_LOG_LEVEL"); v != "" {
		cfg.PionLogLevel = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
