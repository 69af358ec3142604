package kfetch

import (
	"github.com/spf13/viper"
)

// Config of a gateway. Zero values fall back to defaults in NewGateway, so an
// empty Config is usable in tests.
type Config struct {
	CacheDirectory         string
	DispatcherCount        int
	DispatcherQueueSize    int
	SegmentBytes           int32
	SegmentIndexBytes      int32
	EntryCacheSize         int
	FetchMaxBytes          int32
	FetchPartitionMaxBytes int32
	// TopicBootstrapDisabled turns off loading cached topics from disk at
	// startup (topic.bootstrap.enabled=false).
	TopicBootstrapDisabled bool
}

func defaultConfig() Config {
	return Config{
		CacheDirectory:         "/tmp/kfetch",
		DispatcherCount:        1,
		DispatcherQueueSize:    1024,
		SegmentBytes:           1024 * 1024,
		SegmentIndexBytes:      256 * 1024,
		EntryCacheSize:         4096,
		FetchMaxBytes:          50 * 1024 * 1024,
		FetchPartitionMaxBytes: 1024 * 1024,
	}
}

func (config Config) withDefaults() Config {
	defaults := defaultConfig()
	if config.CacheDirectory == "" {
		config.CacheDirectory = defaults.CacheDirectory
	}
	if config.DispatcherCount == 0 {
		config.DispatcherCount = defaults.DispatcherCount
	}
	if config.DispatcherQueueSize == 0 {
		config.DispatcherQueueSize = defaults.DispatcherQueueSize
	}
	if config.SegmentBytes == 0 {
		config.SegmentBytes = defaults.SegmentBytes
	}
	if config.SegmentIndexBytes == 0 {
		config.SegmentIndexBytes = defaults.SegmentIndexBytes
	}
	if config.EntryCacheSize == 0 {
		config.EntryCacheSize = defaults.EntryCacheSize
	}
	if config.FetchMaxBytes == 0 {
		config.FetchMaxBytes = defaults.FetchMaxBytes
	}
	if config.FetchPartitionMaxBytes == 0 {
		config.FetchPartitionMaxBytes = defaults.FetchPartitionMaxBytes
	}
	return config
}

// LoadConfig reads kfetch.yaml (or the file at configPath) plus KFETCH_*
// environment overrides into a Config.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("kfetch")
	v.AutomaticEnv()
	v.SetDefault("cache.directory", "/tmp/kfetch")
	v.SetDefault("dispatcher.count", 1)
	v.SetDefault("dispatcher.queue.size", 1024)
	v.SetDefault("segment.bytes", 1024*1024)
	v.SetDefault("segment.index.bytes", 256*1024)
	v.SetDefault("entry.cache.size", 4096)
	v.SetDefault("fetch.max.bytes", 50*1024*1024)
	v.SetDefault("fetch.partition.max.bytes", 1024*1024)
	v.SetDefault("topic.bootstrap.enabled", true)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("kfetch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kfetch")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && configPath != "" {
			return Config{}, err
		}
	}
	return Config{
		CacheDirectory:         v.GetString("cache.directory"),
		DispatcherCount:        v.GetInt("dispatcher.count"),
		DispatcherQueueSize:    v.GetInt("dispatcher.queue.size"),
		SegmentBytes:           v.GetInt32("segment.bytes"),
		SegmentIndexBytes:      v.GetInt32("segment.index.bytes"),
		EntryCacheSize:         v.GetInt("entry.cache.size"),
		FetchMaxBytes:          v.GetInt32("fetch.max.bytes"),
		FetchPartitionMaxBytes: v.GetInt32("fetch.partition.max.bytes"),
		TopicBootstrapDisabled: !v.GetBool("topic.bootstrap.enabled"),
	}, nil
}
