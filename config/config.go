// Package config loads the quotas and bloom parameters a Domain/Bus is
// created with, generalized from the teacher's DeviceParams/DefaultParams
// pattern: a viper.Viper seeded with defaults, overridable by KDBUS_*
// environment variables or an optional config file.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehrlich-b/kdbusd/internal/constants"
)

// Quotas are the per-connection/per-domain limits spec §5 enumerates.
type Quotas struct {
	MaxMsgs            int
	MaxMsgsPerUser     int
	MaxRequestsPending int
	MaxConnPerUser     int
	MaxBusesPerUser    int
}

// BloomParams are a bus's bloom filter dimensions (spec §6).
type BloomParams struct {
	Size   int
	Hashes int
}

// ReplyTiming bounds how reply deadlines are clamped and how fine-grained
// the timer wheel's ticks are (spec §4.10).
type ReplyTiming struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	WheelTick  time.Duration
}

// Config is everything a Domain needs at creation time.
type Config struct {
	Quotas      Quotas
	Bloom       BloomParams
	ReplyTiming ReplyTiming
}

// Defaults returns the engine's built-in defaults, unaffected by
// environment or file overrides.
func Defaults() Config {
	return Config{
		Quotas: Quotas{
			MaxMsgs:            constants.DefaultMaxMsgs,
			MaxMsgsPerUser:     constants.DefaultMaxMsgsPerUser,
			MaxRequestsPending: constants.DefaultMaxRequestsPending,
			MaxConnPerUser:     constants.DefaultMaxConnPerUser,
			MaxBusesPerUser:    constants.DefaultMaxBusesPerUser,
		},
		Bloom: BloomParams{
			Size:   constants.DefaultBloomSize,
			Hashes: constants.DefaultBloomHashes,
		},
		ReplyTiming: ReplyTiming{
			MinTimeout: constants.MinReplyTimeout,
			MaxTimeout: constants.MaxReplyTimeout,
			WheelTick:  constants.TimerWheelTick,
		},
	}
}

// Load builds a Config from built-in defaults, overridden by a
// YAML/TOML/JSON file when configFile is non-empty; KDBUS_* environment
// variables take precedence over both.
func Load(configFile string) (Config, error) {
	d := Defaults()

	v := viper.New()
	v.SetEnvPrefix("KDBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("quotas.max_msgs", d.Quotas.MaxMsgs)
	v.SetDefault("quotas.max_msgs_per_user", d.Quotas.MaxMsgsPerUser)
	v.SetDefault("quotas.max_requests_pending", d.Quotas.MaxRequestsPending)
	v.SetDefault("quotas.max_conn_per_user", d.Quotas.MaxConnPerUser)
	v.SetDefault("quotas.max_buses_per_user", d.Quotas.MaxBusesPerUser)
	v.SetDefault("bloom.size", d.Bloom.Size)
	v.SetDefault("bloom.hashes", d.Bloom.Hashes)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	return Config{
		Quotas: Quotas{
			MaxMsgs:            v.GetInt("quotas.max_msgs"),
			MaxMsgsPerUser:     v.GetInt("quotas.max_msgs_per_user"),
			MaxRequestsPending: v.GetInt("quotas.max_requests_pending"),
			MaxConnPerUser:     v.GetInt("quotas.max_conn_per_user"),
			MaxBusesPerUser:    v.GetInt("quotas.max_buses_per_user"),
		},
		Bloom: BloomParams{
			Size:   v.GetInt("bloom.size"),
			Hashes: v.GetInt("bloom.hashes"),
		},
		ReplyTiming: d.ReplyTiming,
	}, nil
}
