package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from path. An empty path uses DefaultConfigPath;
// a missing file yields the defaults. Environment variables prefixed with
// MECHAVERSE_ override both.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("model.joints", cfg.Model.Joints)
	v.SetDefault("bridge.transport", cfg.Bridge.Transport)
	v.SetDefault("bridge.send_hz", cfg.Bridge.SendHz)
	v.SetDefault("bridge.flush_interval", cfg.Bridge.FlushInterval)
	v.SetDefault("bridge.deadband_rad", cfg.Bridge.DeadbandRad)
	v.SetDefault("bridge.joint_map", cfg.Bridge.JointMap)
	v.SetDefault("bridge.status_addr", cfg.Bridge.StatusAddr)
	v.SetDefault("bridge.websocket.url", cfg.Bridge.Websocket.URL)
	v.SetDefault("bridge.websocket.handshake_timeout", cfg.Bridge.Websocket.HandshakeTimeout)
	v.SetDefault("bridge.serial.port", cfg.Bridge.Serial.Port)
	v.SetDefault("bridge.serial.baud", cfg.Bridge.Serial.Baud)
	v.SetDefault("bridge.serial.pos_min", cfg.Bridge.Serial.PosMin)
	v.SetDefault("bridge.serial.pos_max", cfg.Bridge.Serial.PosMax)
	v.SetDefault("bridge.serial.auto_connect", cfg.Bridge.Serial.AutoConnect)
	v.SetDefault("resolver.threshold", cfg.Resolver.Threshold)
	v.SetDefault("resolver.margin", cfg.Resolver.Margin)
	v.SetDefault("resolver.max_candidates", cfg.Resolver.MaxCandidates)
	v.SetDefault("resolver.joint_map", cfg.Resolver.JointMap)
	v.SetDefault("motion.default_duration", cfg.Motion.DefaultDuration)
	v.SetDefault("motion.frame_rate", cfg.Motion.FrameRate)
	v.SetDefault("motion.assume_degrees", cfg.Motion.AssumeDegrees)
	v.SetDefault("motion.instant", cfg.Motion.Instant)
	v.SetDefault("sim.addr", cfg.Sim.Addr)
	v.SetDefault("sim.units", cfg.Sim.Units)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		configLoaded = true
	}

	// A file that names its own joints or map replaces the defaults
	// instead of merging into them.
	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if configLoaded && v.InConfig("bridge.joint_map") {
		out.Bridge.JointMap = stringMap(v.GetStringMapString("bridge.joint_map"))
	}
	out.Bridge.JointMap = canonicalKeys(out.Bridge.JointMap, out.Model.Names())
	out.Resolver.JointMap = stringMap(out.Resolver.JointMap)

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// canonicalKeys restores joint name case, which viper folds to lower case.
func canonicalKeys(m map[string]string, names []string) map[string]string {
	byLower := make(map[string]string, len(names))
	for _, n := range names {
		byLower[strings.ToLower(n)] = n
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if n, ok := byLower[strings.ToLower(k)]; ok {
			k = n
		}
		out[k] = v
	}
	return out
}

func stringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// WriteDefault writes the default config to path. An existing file is only
// replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
