package configs

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
}

var defaultRPC = RPC{
	Enable: true,
	Bind:   ":8080",
}

func (r *RPC) verify() error {
	if r == nil || !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("invalid rpc bind address: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	// RotateDays caps how many daily log files are kept (<=0 keeps all).
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

type Database struct {
	Path string `yaml:"path" json:"path"`
}

// Recording controls the segmenter and the on-disk layout.
type Recording struct {
	RecordingsRoot                  string `yaml:"recordings_root" json:"recordings_root"`
	SegmentDurationSeconds          int    `yaml:"segment_duration_seconds" json:"segment_duration_seconds"`
	SegmentOverflowToleranceSeconds int    `yaml:"segment_overflow_tolerance_seconds" json:"segment_overflow_tolerance_seconds"`
	RetentionDefaultDays            int    `yaml:"retention_default_days" json:"retention_default_days"`
	MaxDiskUsagePercent             int    `yaml:"max_disk_usage_percent" json:"max_disk_usage_percent"`
	CleanupIntervalSeconds          int    `yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds"`
	OrphanGracePeriodHours          int    `yaml:"orphan_grace_period_hours" json:"orphan_grace_period_hours"`
}

func (r *Recording) verify() error {
	if r.RecordingsRoot == "" {
		return fmt.Errorf("recordings_root must be set")
	}
	if r.SegmentDurationSeconds < 120 || r.SegmentDurationSeconds > 900 {
		return fmt.Errorf("segment_duration_seconds must be within [120, 900], got %d", r.SegmentDurationSeconds)
	}
	if r.MaxDiskUsagePercent <= 0 || r.MaxDiskUsagePercent > 100 {
		return fmt.Errorf("max_disk_usage_percent must be within (0, 100], got %d", r.MaxDiskUsagePercent)
	}
	return nil
}

func (r *Recording) SegmentDuration() time.Duration {
	return time.Duration(r.SegmentDurationSeconds) * time.Second
}

func (r *Recording) SegmentOverflowTolerance() time.Duration {
	return time.Duration(r.SegmentOverflowToleranceSeconds) * time.Second
}

func (r *Recording) OrphanGracePeriod() time.Duration {
	return time.Duration(r.OrphanGracePeriodHours) * time.Hour
}

// Pipeline controls the per-camera graph lifecycle.
type Pipeline struct {
	SourceRecoveryWindowSeconds  int `yaml:"source_recovery_window_seconds" json:"source_recovery_window_seconds"`
	BranchTeardownTimeoutSeconds int `yaml:"branch_teardown_timeout_seconds" json:"branch_teardown_timeout_seconds"`
	SourceConnectTimeoutSeconds  int `yaml:"source_connect_timeout_seconds" json:"source_connect_timeout_seconds"`
}

func (p *Pipeline) SourceRecoveryWindow() time.Duration {
	return time.Duration(p.SourceRecoveryWindowSeconds) * time.Second
}

func (p *Pipeline) BranchTeardownTimeout() time.Duration {
	return time.Duration(p.BranchTeardownTimeoutSeconds) * time.Second
}

func (p *Pipeline) SourceConnectTimeout() time.Duration {
	return time.Duration(p.SourceConnectTimeoutSeconds) * time.Second
}

// IceServer is one advertised ICE endpoint, passed through to viewers.
type IceServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// WebRTC controls session negotiation.
type WebRTC struct {
	IceServers                      []IceServer `yaml:"ice_servers" json:"ice_servers"`
	SessionInactivityTimeoutSeconds int         `yaml:"session_inactivity_timeout_seconds" json:"session_inactivity_timeout_seconds"`
	NegotiationDeadlineSeconds      int         `yaml:"negotiation_deadline_seconds" json:"negotiation_deadline_seconds"`
}

func (w *WebRTC) SessionInactivityTimeout() time.Duration {
	return time.Duration(w.SessionInactivityTimeoutSeconds) * time.Second
}

func (w *WebRTC) NegotiationDeadline() time.Duration {
	return time.Duration(w.NegotiationDeadlineSeconds) * time.Second
}

// Schedule controls the evaluator.
type Schedule struct {
	TickSeconds          int `yaml:"schedule_tick_seconds" json:"schedule_tick_seconds"`
	EventPostRollSeconds int `yaml:"event_post_roll_seconds" json:"event_post_roll_seconds"`
}

func (s *Schedule) Tick() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

func (s *Schedule) EventPostRoll() time.Duration {
	return time.Duration(s.EventPostRollSeconds) * time.Second
}

// HLS controls the on-demand packager.
type HLS struct {
	DiscontinuityThresholdMs int `yaml:"hls_discontinuity_threshold_ms" json:"hls_discontinuity_threshold_ms"`
	PlaylistCacheSize        int `yaml:"playlist_cache_size" json:"playlist_cache_size"`
}

func (h *HLS) DiscontinuityThreshold() time.Duration {
	return time.Duration(h.DiscontinuityThresholdMs) * time.Millisecond
}

// MQTT configures the camera-event ingestor.
type MQTT struct {
	Enable      bool   `yaml:"enable" json:"enable"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Archive configures optional upload of finalized segments to S3-compatible
// storage.
type Archive struct {
	Enable    bool   `yaml:"enable" json:"enable"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// Config is the root of the configuration file.
type Config struct {
	file string

	RPC       RPC       `yaml:"rpc" json:"rpc"`
	Debug     bool      `yaml:"debug" json:"debug"`
	Log       Log       `yaml:"log" json:"log"`
	Database  Database  `yaml:"database" json:"database"`
	Recording Recording `yaml:"recording" json:"recording"`
	Pipeline  Pipeline  `yaml:"pipeline" json:"pipeline"`
	WebRTC    WebRTC    `yaml:"webrtc" json:"webrtc"`
	Schedule  Schedule  `yaml:"schedule" json:"schedule"`
	HLS       HLS       `yaml:"hls" json:"hls"`
	MQTT      MQTT      `yaml:"mqtt" json:"mqtt"`
	Archive   Archive   `yaml:"archive" json:"archive"`
	SentryDSN string    `yaml:"sentry_dsn" json:"sentry_dsn"`
}

func NewConfig() *Config {
	return &Config{
		RPC:   defaultRPC,
		Debug: false,
		Log: Log{
			OutPutFolder: "./",
			SaveLastLog:  true,
			RotateDays:   7,
		},
		Database: Database{
			Path: "data/camnvr.db",
		},
		Recording: Recording{
			RecordingsRoot:                  "recordings",
			SegmentDurationSeconds:          300,
			SegmentOverflowToleranceSeconds: 30,
			RetentionDefaultDays:            30,
			MaxDiskUsagePercent:             80,
			CleanupIntervalSeconds:          3600,
			OrphanGracePeriodHours:          24,
		},
		Pipeline: Pipeline{
			SourceRecoveryWindowSeconds:  60,
			BranchTeardownTimeoutSeconds: 3,
			SourceConnectTimeoutSeconds:  10,
		},
		WebRTC: WebRTC{
			IceServers: []IceServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			SessionInactivityTimeoutSeconds: 60,
			NegotiationDeadlineSeconds:      15,
		},
		Schedule: Schedule{
			TickSeconds:          30,
			EventPostRollSeconds: 10,
		},
		HLS: HLS{
			DiscontinuityThresholdMs: 100,
			PlaylistCacheSize:        256,
		},
		MQTT: MQTT{
			Enable:      false,
			TopicPrefix: "camnvr/cameras",
			ClientID:    "camnvr",
		},
	}
}

// NewConfigWithFile loads a config file on top of the defaults.
func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := NewConfig()
	if err = yaml.Unmarshal(b, config); err != nil {
		return nil, err
	}
	config.file = file
	if err = config.Verify(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("config is null")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	return c.Recording.verify()
}

func (c *Config) File() string { return c.file }

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// The process-wide config is a read-mostly immutable snapshot; reloads swap
// the pointer.
var currentConfig atomic.Pointer[Config]

func GetCurrentConfig() *Config {
	return currentConfig.Load()
}

func SetCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
}

func IsDebug() bool {
	cfg := GetCurrentConfig()
	return cfg != nil && cfg.Debug
}
