// Package config implements the process surface (spec §6): command
// line flags, with an optional YAML file overlay, producing the
// Config the rest of the server is built from.
package config

import (
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every flag/knob named in spec.md §6.
type Config struct {
	Port        int    `yaml:"port"`
	Host        string `yaml:"host"`
	Dir         string `yaml:"dir"`
	DataDir     string `yaml:"data_dir"`
	User        string `yaml:"user"`
	CgiPat      string `yaml:"cgipat"`
	FastcgiPass string `yaml:"fastcgi_pass"` // parsed and stored, never wired to a handler
	SigPat      string `yaml:"sigpat"`
	CgiLimit    int    `yaml:"cgilimit"`
	ConnLimit   int    `yaml:"connlimit"`
	Charset     string `yaml:"charset"`
	LogFile     string `yaml:"log_file"`
	NoLog       bool   `yaml:"no_log"`
	Chroot      string `yaml:"chroot"`
	VirtualHost bool   `yaml:"virtual_host"`
	P3P         string `yaml:"p3p"`

	// CurrencyCreateBin/CurrencyValidateBin, when both non-empty, enable
	// the udc/create and udc/validate actions (spec §4.7's "currency
	// actions, when compiled in"): each request body is piped to the
	// named external binary the same way a CGI script's stdin is.
	CurrencyCreateBin   string `yaml:"currency_create_bin"`
	CurrencyValidateBin string `yaml:"currency_validate_bin"`

	// SignKeyID selects the gpg --local-user identity SignEngine signs
	// with; empty uses gpg's default secret key.
	SignKeyID string `yaml:"sign_key_id"`

	// KeysDir, when non-empty, enables the pks/lookup and pks/add HKP
	// routes backed by a FileKeyStore rooted there. Empty disables HKP
	// entirely (those routes answer 501 Not Implemented).
	KeysDir string `yaml:"keys_dir"`

	// CgiTimeLimitSeconds bounds how long a CGI child may run before a
	// soft SIGINT (and a hard SIGKILL 5s later) is sent to its process
	// group. 0 disables the timeout.
	CgiTimeLimitSeconds int `yaml:"cgi_time_limit"`

	// PidFile, when non-empty, is written with the process's pid on
	// startup so sigctl can find it to deliver SIGHUP/SIGTERM.
	PidFile string `yaml:"pid_file"`

	// GracefulMode selects how cmd/sighttpd obtains its listening
	// socket and handles SIGHUP: "none" (bind fresh, SIGHUP is a no-op
	// restart-in-place), "handoff" (hand-rolled fork/exec + FD passing),
	// "tableflip" (github.com/cloudflare/tableflip), or "systemd"
	// (socket activation via github.com/coreos/go-systemd/activation).
	GracefulMode string `yaml:"graceful_mode"`

	ConfigFile string `yaml:"-"`
}

// Default returns a Config populated with the spec's named defaults.
func Default() Config {
	return Config{
		Port:      11371,
		Dir:       ".",
		CgiPat:    "**/*.cgi|cgi-bin/**",
		CgiLimit:  0,
		ConnLimit: 0,
		Charset:   "utf-8",

		CgiTimeLimitSeconds: 30,
		GracefulMode:        "none",
	}
}

// BindFlags registers every process-surface flag on fs, defaulting to
// the zero/Default() values, the way the teacher's own flag-binding
// code centralizes flag registration in one place per command.
func BindFlags(fs *pflag.FlagSet, c *Config) {
	fs.IntVar(&c.Port, "port", c.Port, "TCP port to listen on")
	fs.StringVar(&c.Host, "host", c.Host, "address to bind to (empty = all interfaces)")
	fs.StringVar(&c.Dir, "dir", c.Dir, "document root")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "writable data directory (sigcache, etc)")
	fs.StringVar(&c.User, "user", c.User, "setuid to this user after binding")
	fs.StringVar(&c.CgiPat, "cgipat", c.CgiPat, "glob pattern selecting CGI scripts")
	fs.StringVar(&c.FastcgiPass, "fastcgi-pass", c.FastcgiPass, "fastcgi backend address (parsed, not wired)")
	fs.StringVar(&c.SigPat, "sigpat", c.SigPat, "glob pattern excluded from signing")
	fs.IntVar(&c.CgiLimit, "cgilimit", c.CgiLimit, "max concurrent CGI workers (0 = unlimited)")
	fs.IntVar(&c.ConnLimit, "connlimit", c.ConnLimit, "max concurrent connections (0 = unlimited)")
	fs.StringVar(&c.Charset, "charset", c.Charset, "charset appended to text/* Content-Type")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "access log path (empty = stdout)")
	fs.BoolVar(&c.NoLog, "no-log", c.NoLog, "disable access logging entirely")
	fs.StringVar(&c.Chroot, "chroot", c.Chroot, "chroot to this directory after binding")
	fs.BoolVar(&c.VirtualHost, "virtual-host", c.VirtualHost, "enable Host-prefixed virtual hosting")
	fs.StringVar(&c.P3P, "p3p", c.P3P, "P3P header value, if any")
	fs.StringVar(&c.CurrencyCreateBin, "currency-create-bin", c.CurrencyCreateBin, "external binary for udc/create (empty disables it)")
	fs.StringVar(&c.CurrencyValidateBin, "currency-validate-bin", c.CurrencyValidateBin, "external binary for udc/validate (empty disables it)")
	fs.StringVar(&c.SignKeyID, "sign-key-id", c.SignKeyID, "gpg --local-user identity for detached signing")
	fs.StringVar(&c.KeysDir, "keys-dir", c.KeysDir, "HKP keyring directory (empty disables pks/lookup and pks/add)")
	fs.IntVar(&c.CgiTimeLimitSeconds, "cgi-time-limit", c.CgiTimeLimitSeconds, "seconds before a CGI child is soft-killed (0 disables)")
	fs.StringVar(&c.PidFile, "pid-file", c.PidFile, "path to write the process pid (empty disables)")
	fs.StringVar(&c.GracefulMode, "graceful-mode", c.GracefulMode, "socket acquisition/reload strategy: none|handoff|tableflip|systemd")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "optional YAML config file overlay")
}

// ApplyFile overlays YAML config from path onto c. Flags explicitly
// set on the command line should be re-applied by the caller after
// ApplyFile so CLI flags win over the file, matching typical
// file-then-flags precedence.
func ApplyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Load builds a Config from fs (already parsed) plus an optional YAML
// overlay, with flags explicitly set on the command line taking
// precedence over the file.
func Load(fs *pflag.FlagSet) (Config, error) {
	c := Default()
	BindFlags(fs, &c)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return c, err
	}
	if err := ApplyOverlay(fs, &c); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyOverlay overlays c.ConfigFile's YAML onto c, if set, preserving
// every field whose flag was explicitly set on fs. Callers that parse
// flags through a framework other than Load directly (e.g. cobra's own
// Execute) call this afterwards with the same already-parsed fs.
func ApplyOverlay(fs *pflag.FlagSet, c *Config) error {
	if c.ConfigFile == "" {
		return nil
	}
	fileCfg := Default()
	if err := ApplyFile(&fileCfg, c.ConfigFile); err != nil {
		return err
	}
	mergeUnset(c, fileCfg, fs)
	return nil
}

// mergeUnset fills fields in c from file wherever the corresponding
// flag was not explicitly set on the command line.
func mergeUnset(c *Config, file Config, fs *pflag.FlagSet) {
	if !fs.Changed("port") {
		c.Port = file.Port
	}
	if !fs.Changed("host") {
		c.Host = file.Host
	}
	if !fs.Changed("dir") {
		c.Dir = file.Dir
	}
	if !fs.Changed("data-dir") {
		c.DataDir = file.DataDir
	}
	if !fs.Changed("user") {
		c.User = file.User
	}
	if !fs.Changed("cgipat") {
		c.CgiPat = file.CgiPat
	}
	if !fs.Changed("fastcgi-pass") {
		c.FastcgiPass = file.FastcgiPass
	}
	if !fs.Changed("sigpat") {
		c.SigPat = file.SigPat
	}
	if !fs.Changed("cgilimit") {
		c.CgiLimit = file.CgiLimit
	}
	if !fs.Changed("connlimit") {
		c.ConnLimit = file.ConnLimit
	}
	if !fs.Changed("charset") {
		c.Charset = file.Charset
	}
	if !fs.Changed("log-file") {
		c.LogFile = file.LogFile
	}
	if !fs.Changed("no-log") {
		c.NoLog = file.NoLog
	}
	if !fs.Changed("chroot") {
		c.Chroot = file.Chroot
	}
	if !fs.Changed("virtual-host") {
		c.VirtualHost = file.VirtualHost
	}
	if !fs.Changed("p3p") {
		c.P3P = file.P3P
	}
	if !fs.Changed("currency-create-bin") {
		c.CurrencyCreateBin = file.CurrencyCreateBin
	}
	if !fs.Changed("currency-validate-bin") {
		c.CurrencyValidateBin = file.CurrencyValidateBin
	}
	if !fs.Changed("sign-key-id") {
		c.SignKeyID = file.SignKeyID
	}
	if !fs.Changed("keys-dir") {
		c.KeysDir = file.KeysDir
	}
	if !fs.Changed("cgi-time-limit") {
		c.CgiTimeLimitSeconds = file.CgiTimeLimitSeconds
	}
	if !fs.Changed("pid-file") {
		c.PidFile = file.PidFile
	}
	if !fs.Changed("graceful-mode") {
		c.GracefulMode = file.GracefulMode
	}
}
