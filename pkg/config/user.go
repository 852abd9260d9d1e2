package config

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/vaultsync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the vaultsync user config.
	UserConfigPath = "~/.vaultsync.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version default to it.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the user config version understood by
	// this binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// Defaults for the optional fields of User.
const (
	DefaultWorkers           = 4
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveTimeout  = 90 * time.Second
	DefaultMaxOperations     = 100
	DefaultMaxBytes          = 64 << 20
	DefaultMaxIdle           = 10 * time.Second
	DefaultDeclareRetries    = 3
	DefaultDataDir           = "~/.vaultsync/data"
	DefaultActivityLog       = "~/.vaultsync/activity.log"
)

// User is the configuration of the client on this machine.
type User struct {
	Version        string `json:"version,omitempty"`
	Server         string `json:"server"`
	BlobURL        string `json:"blobURL,omitempty"`
	Username       string `json:"username"`
	ClientID       string `json:"clientID"`
	PrivateKeyPath string `json:"privateKeyPath"`
	Warebox        string `json:"warebox"`
	DataDir        string `json:"dataDir,omitempty"`
	ActivityLog    string `json:"activityLog,omitempty"`

	Workers           int      `json:"workers,omitempty"`
	KeepAliveInterval Duration `json:"keepAliveInterval,omitempty"`
	KeepAliveTimeout  Duration `json:"keepAliveTimeout,omitempty"`
	Commit            Commit   `json:"commit,omitempty"`
	DeclareRetries    int      `json:"declareRetries,omitempty"`

	AutoAccept     bool   `json:"autoAccept,omitempty"`
	MetricsAddress string `json:"metricsAddress,omitempty"`
}

// Commit holds the thresholds that trigger a commit.
type Commit struct {
	MaxOperations int      `json:"maxOperations,omitempty"`
	MaxBytes      int64    `json:"maxBytes,omitempty"`
	MaxIdle       Duration `json:"maxIdle,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("duration must be a string, such as \"30s\"")
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// withDefaults fills in the fields that the user left empty.
func (u User) withDefaults() User {
	if u.Workers == 0 {
		u.Workers = DefaultWorkers
	}
	if u.KeepAliveInterval.Duration == 0 {
		u.KeepAliveInterval.Duration = DefaultKeepAliveInterval
	}
	if u.KeepAliveTimeout.Duration == 0 {
		u.KeepAliveTimeout.Duration = DefaultKeepAliveTimeout
	}
	if u.Commit.MaxOperations == 0 {
		u.Commit.MaxOperations = DefaultMaxOperations
	}
	if u.Commit.MaxBytes == 0 {
		u.Commit.MaxBytes = DefaultMaxBytes
	}
	if u.Commit.MaxIdle.Duration == 0 {
		u.Commit.MaxIdle.Duration = DefaultMaxIdle
	}
	if u.DeclareRetries == 0 {
		u.DeclareRetries = DefaultDeclareRetries
	}
	if u.DataDir == "" {
		u.DataDir = DefaultDataDir
	}
	if u.ActivityLog == "" {
		u.ActivityLog = DefaultActivityLog
	}
	return u
}

func (u User) validate() error {
	required := []struct{ field, value string }{
		{"server", u.Server},
		{"username", u.Username},
		{"clientID", u.ClientID},
		{"privateKeyPath", u.PrivateKeyPath},
		{"warebox", u.Warebox},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.MissingFieldError{Field: r.field}
		}
	}
	if u.KeepAliveTimeout.Duration <= u.KeepAliveInterval.Duration {
		return errors.NewFriendlyError("keepAliveTimeout (%s) must be longer "+
			"than keepAliveInterval (%s).", u.KeepAliveTimeout, u.KeepAliveInterval)
	}
	return nil
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser parses the user config stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The vaultsync user config "+
				"file doesn't exist at %q. Please run `vaultsync config` to "+
				"create it.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return User{}, errors.WithContext(err, "validate")
	}

	// Relative paths are relative to the directory of the config file.
	for _, p := range []*string{&config.PrivateKeyPath, &config.Warebox, &config.DataDir, &config.ActivityLog} {
		*p, err = homedirExpand(*p)
		if err != nil {
			return User{}, errors.WithContext(err, "expand path")
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(filepath.Dir(path), *p)
		}
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the expanded path to the user config.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
