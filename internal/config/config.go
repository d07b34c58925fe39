// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// Package config loads the notubiz-sync-helper configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendNATS     = "nats"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Config holds all configuration values for the sync helper.
type Config struct {
	// NATS configuration
	NATSURL string

	// NotuBiz source
	NotubizAPIURL  string
	SourceRef      string // Reference sync links are keyed by
	SourceEndpoint string // Events endpoint (default: /events)
	OrganisationID string
	GremiaIDs      []string // Optional gremium allowlist
	NotubizVersion string
	ClientID       string // Optional OAuth2 client credentials
	ClientSecret   string
	TokenURL       string
	RateLimit      float64 // Requests per second, 0 disables limiting
	RequestTimeout time.Duration
	MaxPages       int

	// Target publication
	SchemaRef    string
	MappingRef   string
	SchemaDir    string
	MappingDir   string
	OIN          string
	Organisation string
	AutoPublish  bool
	Category     string

	// Object store
	StoreBackend  string // nats, dynamodb or memory
	LinksBucket   string
	ObjectsBucket string
	LocksBucket   string
	UseMsgpack    bool
	DynamoDBTable string
	AWSRegion     string
	AssumeRoleARN string // Optional: IAM role ARN to assume via STS for cross-account access
	CacheTTL      time.Duration

	// Messaging
	EventsSubjectPrefix  string
	IndexSubject         string // Empty disables indexing
	NotificationsStream  string
	NotificationsSubject string
	ConsumerName         string

	// Scheduling
	SyncInterval time.Duration // 0 disables scheduled bulk runs
	SyncWorkers  int
	LockTimeout  time.Duration

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables and validates
// it.
func LoadConfig() (*Config, error) {
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads configuration from environment variables and applies
// defaults without validating, so callers can override values first.
func FromEnv() *Config {
	cfg := &Config{
		NATSURL:              os.Getenv("NATS_URL"),
		NotubizAPIURL:        os.Getenv("NOTUBIZ_API_URL"),
		SourceRef:            os.Getenv("NOTUBIZ_SOURCE_REF"),
		SourceEndpoint:       os.Getenv("NOTUBIZ_SOURCE_ENDPOINT"),
		OrganisationID:       strings.TrimSpace(os.Getenv("NOTUBIZ_ORGANISATION_ID")),
		GremiaIDs:            parseListEnv("NOTUBIZ_GREMIA_IDS"),
		NotubizVersion:       os.Getenv("NOTUBIZ_VERSION"),
		ClientID:             os.Getenv("NOTUBIZ_CLIENT_ID"),
		ClientSecret:         os.Getenv("NOTUBIZ_CLIENT_SECRET"),
		TokenURL:             os.Getenv("NOTUBIZ_TOKEN_URL"),
		RateLimit:            parseFloatEnv("NOTUBIZ_RATE_LIMIT", 5),
		RequestTimeout:       time.Duration(parseIntEnv("NOTUBIZ_TIMEOUT_SEC", 30)) * time.Second,
		MaxPages:             parseIntEnv("NOTUBIZ_MAX_PAGES", 0),
		SchemaRef:            os.Getenv("WOO_SCHEMA_REF"),
		MappingRef:           os.Getenv("WOO_MAPPING_REF"),
		SchemaDir:            os.Getenv("SCHEMA_DIR"),
		MappingDir:           os.Getenv("MAPPING_DIR"),
		OIN:                  os.Getenv("WOO_OIN"),
		Organisation:         os.Getenv("WOO_ORGANISATIE"),
		AutoPublish:          parseBooleanEnvDefault("WOO_AUTO_PUBLISH", true),
		Category:             os.Getenv("WOO_CATEGORY"),
		StoreBackend:         strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))),
		LinksBucket:          os.Getenv("LINKS_BUCKET"),
		ObjectsBucket:        os.Getenv("OBJECTS_BUCKET"),
		LocksBucket:          os.Getenv("LOCKS_BUCKET"),
		UseMsgpack:           parseBooleanEnv("USE_MSGPACK"),
		DynamoDBTable:        os.Getenv("DYNAMODB_TABLE"),
		AWSRegion:            os.Getenv("AWS_REGION"),
		AssumeRoleARN:        os.Getenv("AWS_ASSUME_ROLE_ARN"),
		CacheTTL:             time.Duration(parseIntEnv("CACHE_TTL_SEC", 600)) * time.Second,
		EventsSubjectPrefix:  os.Getenv("EVENTS_SUBJECT_PREFIX"),
		IndexSubject:         os.Getenv("INDEX_SUBJECT"),
		NotificationsStream:  os.Getenv("NOTIFICATIONS_STREAM"),
		NotificationsSubject: os.Getenv("NOTIFICATIONS_SUBJECT"),
		ConsumerName:         os.Getenv("NOTIFICATIONS_CONSUMER"),
		SyncInterval:         parseDurationEnv("SYNC_INTERVAL", 0),
		SyncWorkers:          parseIntEnv("SYNC_WORKERS", 4),
		LockTimeout:          parseDurationEnv("SYNC_LOCK_TIMEOUT", 30*time.Minute),
		Port:                 os.Getenv("PORT"),
		Bind:                 os.Getenv("BIND"),
		Debug:                parseBooleanEnv("DEBUG"),
	}

	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.NATSURL == "" {
		c.NATSURL = "nats://localhost:4222"
	}
	if c.NotubizAPIURL == "" {
		c.NotubizAPIURL = "https://api.notubiz.nl"
	}
	if c.SourceRef == "" {
		c.SourceRef = "https://commongateway.nl/source/notubiz.source.json"
	}
	if c.SourceEndpoint == "" {
		c.SourceEndpoint = "/events"
	}
	if c.NotubizVersion == "" {
		c.NotubizVersion = "1.21.1"
	}
	if c.SchemaRef == "" {
		c.SchemaRef = "https://commongateway.nl/woo.publicatie.schema.json"
	}
	if c.MappingRef == "" {
		c.MappingRef = "https://commongateway.nl/mapping/notubiz.eventToPublicatie.mapping.json"
	}
	if c.SchemaDir == "" {
		c.SchemaDir = "config/schemas"
	}
	if c.MappingDir == "" {
		c.MappingDir = "config/mappings"
	}
	if c.Category == "" {
		c.Category = "Vergaderstukken decentrale overheden"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = BackendNATS
	}
	if c.LinksBucket == "" {
		c.LinksBucket = "notubiz-sync-links"
	}
	if c.ObjectsBucket == "" {
		c.ObjectsBucket = "notubiz-sync-objects"
	}
	if c.LocksBucket == "" {
		c.LocksBucket = "notubiz-sync-locks"
	}
	if c.DynamoDBTable == "" {
		c.DynamoDBTable = "notubiz-sync"
	}
	if c.AWSRegion == "" {
		c.AWSRegion = "eu-west-1"
	}
	if c.EventsSubjectPrefix == "" {
		c.EventsSubjectPrefix = "woo.events"
	}
	if c.NotificationsStream == "" {
		c.NotificationsStream = "notubiz_notifications"
	}
	if c.NotificationsSubject == "" {
		c.NotificationsSubject = "notubiz.notifications.>"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "notubiz-sync-helper"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.Bind == "" {
		c.Bind = "*"
	}
}

// Validate reports missing or conflicting settings.
func (c *Config) Validate() error {
	var errs []error
	if c.OrganisationID == "" {
		errs = append(errs, errors.New("NOTUBIZ_ORGANISATION_ID environment variable is required"))
	}
	if !slices.Contains([]string{BackendNATS, BackendDynamoDB, BackendMemory}, c.StoreBackend) {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of nats, dynamodb or memory, got %q", c.StoreBackend))
	}
	if c.ClientID != "" && (c.ClientSecret == "" || c.TokenURL == "") {
		errs = append(errs, errors.New("NOTUBIZ_CLIENT_SECRET and NOTUBIZ_TOKEN_URL are required when NOTUBIZ_CLIENT_ID is set"))
	}
	return errors.Join(errs...)
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseBooleanEnvDefault is parseBooleanEnv for settings that default to on.
func parseBooleanEnvDefault(envVar string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(envVar)) == "" {
		return defaultVal
	}
	return parseBooleanEnv(envVar)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func parseFloatEnv(envVar string, defaultVal float64) float64 {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

// parseDurationEnv parses a Go duration ("15m", "1h30m") with a default
// value.
func parseDurationEnv(envVar string, defaultVal time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := time.ParseDuration(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

// parseListEnv splits a comma-separated environment variable, dropping
// empty entries.
func parseListEnv(envVar string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(envVar), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
