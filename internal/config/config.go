// Package config loads the fixed, enumerated environment-variable surface
// from spec.md §6. It is a small stdlib os.Getenv reader rather than a
// third-party config library: see DESIGN.md for why no config library from
// the example pack is wired here.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config is the process configuration, fully enumerated (spec.md §6: "is
// enumerated, not free-form").
type Config struct {
	StorageDir             string        // GGNET_STORAGE_DIR
	StagingDir             string        // GGNET_STAGING_DIR
	TFTPRoot               string        // GGNET_TFTP_ROOT
	DHCPFragmentDir        string        // GGNET_DHCP_FRAGMENT_DIR
	DHCPReloadCommand      string        // GGNET_DHCP_RELOAD_COMMAND
	ISCSICLIProgram        string        // GGNET_ISCSI_CLI
	StateStoreDSN          string        // GGNET_STATE_STORE_DSN (a file path for the JSON-snapshot store)
	BindAddress            string        // GGNET_BIND_ADDRESS (out-of-core HTTP layer's listen address; carried only for config completeness)
	SessionHeartbeatTimeout time.Duration // GGNET_SESSION_HEARTBEAT_TIMEOUT_SECONDS
	ConversionTimeout       time.Duration // GGNET_CONVERSION_TIMEOUT_SECONDS
	ConversionWorkers       int           // GGNET_CONVERSION_WORKERS
	LogLevel                string        // GGNET_LOG_LEVEL
	EnvironmentTag          string        // GGNET_ENVIRONMENT
	ServerIP                string        // GGNET_SERVER_IP, used in the sanboot iSCSI URL
	IQNAuthority            string        // GGNET_IQN_AUTHORITY, the reverse-dns component of generated IQNs
}

func getenvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvSecondsDefault(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: parsing %s", key)
	}
	return time.Duration(secs) * time.Second, nil
}

func getenvIntDefault(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: parsing %s", key)
	}
	return n, nil
}

// Load reads Config from the environment, filling in spec-appropriate
// defaults for a typical single-host deployment.
func Load() (*Config, error) {
	c := &Config{
		StorageDir:        getenvDefault("GGNET_STORAGE_DIR", "/var/lib/ggnet/images"),
		StagingDir:        getenvDefault("GGNET_STAGING_DIR", "/var/lib/ggnet/staging"),
		TFTPRoot:          getenvDefault("GGNET_TFTP_ROOT", "/var/lib/tftpboot"),
		DHCPFragmentDir:   getenvDefault("GGNET_DHCP_FRAGMENT_DIR", "/etc/dhcp/ggnet.d"),
		DHCPReloadCommand: getenvDefault("GGNET_DHCP_RELOAD_COMMAND", "systemctl"),
		ISCSICLIProgram:   getenvDefault("GGNET_ISCSI_CLI", "targetcli"),
		StateStoreDSN:     getenvDefault("GGNET_STATE_STORE_DSN", "/var/lib/ggnet/state.json"),
		BindAddress:       getenvDefault("GGNET_BIND_ADDRESS", "127.0.0.1:8080"),
		LogLevel:          getenvDefault("GGNET_LOG_LEVEL", "INFO"),
		EnvironmentTag:    getenvDefault("GGNET_ENVIRONMENT", "production"),
		ServerIP:          getenvDefault("GGNET_SERVER_IP", "127.0.0.1"),
		IQNAuthority:      getenvDefault("GGNET_IQN_AUTHORITY", "local.ggnet"),
	}

	var err error
	if c.SessionHeartbeatTimeout, err = getenvSecondsDefault("GGNET_SESSION_HEARTBEAT_TIMEOUT_SECONDS", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.ConversionTimeout, err = getenvSecondsDefault("GGNET_CONVERSION_TIMEOUT_SECONDS", 4*time.Hour); err != nil {
		return nil, err
	}
	if c.ConversionWorkers, err = getenvIntDefault("GGNET_CONVERSION_WORKERS", 1); err != nil {
		return nil, err
	}
	if c.ConversionWorkers < 1 {
		return nil, errors.New("config: GGNET_CONVERSION_WORKERS must be >= 1")
	}

	return c, nil
}
