package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SourceSheets   = "sheets"
	SourcePostgres = "postgres"
)

type Config struct {
	Source string `validate:"oneof=sheets postgres"`

	SheetsBaseURL       string `validate:"omitempty,url"`
	SheetsResource      string
	SheetsAPIKey        string
	SheetsBusesRange    string `validate:"required_if=Source sheets"`
	SheetsScheduleRange string `validate:"required_if=Source sheets"`
	SheetsStopsRange    string `validate:"required_if=Source sheets"`

	DatabaseURL      string `validate:"required_if=Source postgres"`
	ReferenceDataset string

	NATSURL          string `validate:"required"`
	NATSSubject      string `validate:"required"`
	NATSMatchSubject string
	NATSQueue        string
	ReportFormat     string `validate:"oneof=json gtfsrt"`

	RefreshInterval time.Duration `validate:"gt=0"`
	FetchTimeout    time.Duration `validate:"gte=0"`
	RetryPostpone   time.Duration `validate:"gt=0"`
	Location        *time.Location

	HTTPAddr        string
	MetricsAddr     string
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFormat       string `validate:"oneof=json text"`
	LogNATSSubjects bool

	// Feeder only.
	PublishInterval time.Duration `validate:"gt=0"`
	SpeedMultiplier float64       `validate:"gt=0"`
}

// Load reads .env, then the optional YAML file named by CONFIG_FILE
// (default config.yml). Environment variables override file values.
func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	file, err := readFile(getenvDefault("CONFIG_FILE", "config.yml"), os.Getenv("CONFIG_FILE") != "")
	if err != nil {
		return nil, err
	}
	return load(func(k string) string {
		if v := os.Getenv(k); v != "" {
			return v
		}
		return file[k]
	})
}

// readFile decodes a flat YAML mapping of the same keys as the environment.
func readFile(path string, required bool) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func load(get func(string) string) (*Config, error) {
	def := func(k, d string) string {
		if v := get(k); v != "" {
			return v
		}
		return d
	}

	cfg := &Config{
		Source:              strings.ToLower(def("SOURCE", SourceSheets)),
		SheetsBaseURL:       get("SHEETS_BASE_URL"),
		SheetsResource:      get("SHEETS_RESOURCE"),
		SheetsAPIKey:        get("SHEETS_API_KEY"),
		SheetsBusesRange:    def("SHEETS_BUSES_RANGE", "Bus!A1:Q100"),
		SheetsScheduleRange: def("SHEETS_SCHEDULE_RANGE", "BusOperate!A1:Q100"),
		SheetsStopsRange:    def("SHEETS_STOPS_RANGE", "BusStop!A1:100"),
		ReferenceDataset:    get("REFERENCE_DATASET"),
		NATSURL:             def("NATS_URL", "nats://127.0.0.1:4222"),
		NATSSubject:         def("NATS_SUBJECT", "smartbus.reports"),
		NATSMatchSubject:    get("NATS_MATCH_SUBJECT"),
		NATSQueue:           get("NATS_QUEUE"),
		ReportFormat:        strings.ToLower(def("REPORT_FORMAT", "json")),
		HTTPAddr:            get("HTTP_ADDR"),
		MetricsAddr:         get("METRICS_ADDR"),
		LogLevel:            strings.ToLower(def("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(def("LOG_FORMAT", "json")),
		LogNATSSubjects:     parseBool(get("LOG_NATS_SUBJECTS")),
	}

	var err error
	if cfg.RefreshInterval, err = positiveDuration(get, "REFRESH_INTERVAL_MIN", time.Minute, 10); err != nil {
		return nil, err
	}
	if cfg.RetryPostpone, err = positiveDuration(get, "RETRY_POSTPONE_SEC", time.Second, 60); err != nil {
		return nil, err
	}
	if cfg.PublishInterval, err = positiveDuration(get, "PUBLISH_INTERVAL_MS", time.Millisecond, 1000); err != nil {
		return nil, err
	}

	// Fetch timeout (seconds); 0 keeps the collaborator's own timeout.
	if v := get("FETCH_TIMEOUT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid FETCH_TIMEOUT_SEC: %q", v)
		}
		cfg.FetchTimeout = time.Duration(sec) * time.Second
	}

	// Speed multiplier
	if v := get("SPEED_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SPEED_MULTIPLIER: %q", v)
		}
		cfg.SpeedMultiplier = f
	} else {
		cfg.SpeedMultiplier = 1.0
	}

	if cfg.Source == SourcePostgres {
		dsn, err := databaseURL(get)
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	// Time zone
	if tzName := get("TZ"); tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Source == SourceSheets && cfg.SheetsResource == "" && !allLocations(cfg.SheetsBusesRange, cfg.SheetsScheduleRange, cfg.SheetsStopsRange) {
		return nil, errors.New("SHEETS_RESOURCE must be set unless every range is a URL or .json file")
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL(get func(string) string) (string, error) {
	if dsn := firstNonEmpty(get("DATABASE_URL"), get("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	def := func(k, d string) string {
		if v := get(k); v != "" {
			return v
		}
		return d
	}
	host := def("PGHOST", "127.0.0.1")
	port := def("PGPORT", "5432")
	user := def("PGUSER", "postgres")
	pass := get("PGPASSWORD")
	db := get("PGDATABASE")
	// The meta database is used for resolution when a dataset is named.
	if db == "" && get("REFERENCE_DATASET") != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set when SOURCE=postgres")
	}
	sslmode := def("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func positiveDuration(get func(string) string, key string, unit time.Duration, def int) (time.Duration, error) {
	v := get(key)
	if v == "" {
		return time.Duration(def) * unit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func allLocations(ranges ...string) bool {
	for _, r := range ranges {
		if !strings.HasPrefix(r, "http://") && !strings.HasPrefix(r, "https://") && !strings.HasSuffix(r, ".json") {
			return false
		}
	}
	return true
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
