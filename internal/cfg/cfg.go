package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/gracefulshutdown/internal/log"
)

// EnvPrefix is prepended to every flag-derived and property-derived env var.
const EnvPrefix = "GSD_"

type App struct {
	LogJSON            bool
	LogLevel           string
	HTTPPort           int
	AdminPort          int
	GRPCPort           int
	EnableGRPC         bool
	EnablePprof        bool
	EnablePyroscope    bool
	EnableTracing      bool
	DefaultHealthCheck bool
	PyroServer         string
	PyroTenantID       string
	OTLPEndpoint       string
	TraceSample        float64
	StacktraceLevel    string
	IncludeErrorLinks  bool
	MaxErrorLinks      int

	// public readiness API, rate limited per peer
	EnableAPI        bool
	APIRatePerSecond float64
	APIRateBurst     int

	// property sources for application settings such as the shutdown wait
	ConfigFile      string
	ConfigSSMPrefix string
	ConfigS3Bucket  string
	ConfigS3Key     string

	// -D key=value, highest priority property source
	Properties Properties
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.GRPCPort, "grpc-port", 9090, "grpc listen TCP port (1..65535)")
	fs.BoolVar(&c.EnableGRPC, "enable-grpc", true, "Serve gRPC with the standard health service")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.DefaultHealthCheck, "default-health-check", true, "Register the built-in graceful shutdown health check")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.EnableAPI, "enable-api", true, "Serve the readiness API under /api/v1 on the http port")
	fs.Float64Var(&c.APIRatePerSecond, "api-rate", 10, "per-peer API requests refilled per second")
	fs.IntVar(&c.APIRateBurst, "api-burst", 30, "per-peer API burst size")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.ConfigFile, "config-file", "", "YAML file with application properties")
	fs.StringVar(&c.ConfigSSMPrefix, "config-ssm-prefix", "", "SSM parameter path prefix for application properties")
	fs.StringVar(&c.ConfigS3Bucket, "config-s3-bucket", "", "s3 bucket holding a YAML properties document")
	fs.StringVar(&c.ConfigS3Key, "config-s3-key", "", "s3 key of the YAML properties document")
	if c.Properties == nil {
		c.Properties = Properties{}
	}
	fs.Var(c.Properties, "D", "application property override key=value (repeatable)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		// -D is a map, env properties are read through EnvSource instead
		if _, isProps := f.Value.(Properties); isProps {
			return
		}
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.EnableGRPC {
		if !validPort(c.GRPCPort) {
			errs = append(errs, fmt.Errorf("invalid GRPC_PORT %d (must be 1..65535)", c.GRPCPort))
		}
		if c.GRPCPort == c.HTTPPort || c.GRPCPort == c.AdminPort {
			errs = append(errs, fmt.Errorf("GRPC_PORT %d collides with HTTP_PORT or ADMIN_PORT", c.GRPCPort))
		}
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.EnableAPI {
		if c.APIRatePerSecond <= 0 {
			errs = append(errs, fmt.Errorf("API_RATE must be > 0 (got %g)", c.APIRatePerSecond))
		}
		if c.APIRateBurst < 1 {
			errs = append(errs, fmt.Errorf("API_BURST must be >= 1 (got %d)", c.APIRateBurst))
		}
	}

	// S3 properties need both halves of the location
	if (c.ConfigS3Bucket == "") != (c.ConfigS3Key == "") {
		errs = append(errs, fmt.Errorf("CONFIG_S3_BUCKET and CONFIG_S3_KEY must be set together"))
	}
	if c.ConfigSSMPrefix != "" && !strings.HasPrefix(c.ConfigSSMPrefix, "/") {
		errs = append(errs, fmt.Errorf("CONFIG_SSM_PREFIX must start with / (got %q)", c.ConfigSSMPrefix))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
