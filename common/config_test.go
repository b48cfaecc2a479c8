package common

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))

	validate := validator.New()
	assert.Nil(validate.Struct(&config))

	// Both server roles carry complete defaults
	assert.NotNil(config.Gateway)
	assert.NotNil(config.Publisher)
	assert.Equal("nats://127.0.0.1:4222", config.NATS.ServerURI)
	assert.Equal("jobs.completion", config.Gateway.Broker.Topic)
	assert.Equal(config.Gateway.Broker.Stream, config.Publisher.Broker.Stream)
	assert.Equal(uint16(3000), config.Gateway.HTTPSetting.Server.Port)
	assert.Equal(uint16(3001), config.Publisher.HTTPSetting.Server.Port)

	// The dedup retention must cover the broker's maximum redelivery span
	redeliverySpan := config.Gateway.Broker.MaxReceive * config.Gateway.Broker.VisibilityTimeout
	assert.GreaterOrEqual(config.Gateway.Dedup.Retention, redeliverySpan)

	// The dedup store shards independently of the connection registry
	assert.Greater(config.Gateway.Dedup.Shards, 0)
	assert.Greater(config.Gateway.Registry.Shards, 0)
}

func TestDedupShardsOverrideLeavesRegistryUntouched(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()
	viper.Set("gateway.dedup.shards", 4)

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	assert.Nil(validator.New().Struct(&config))
	assert.Equal(4, config.Gateway.Dedup.Shards)
	assert.Equal(32, config.Gateway.Registry.Shards)
}

func TestConfigOverridesFromYAML(t *testing.T) {
	assert := assert.New(t)

	viper.Reset()
	InstallDefaultConfigValues()
	viper.Set("gateway.broker.topic", "jobs.completion.test")
	viper.Set("gateway.consumer.workers", 2)
	viper.Set("gateway.dedup.backend", "sqlite")
	viper.Set("gateway.dedup.path", "/tmp/dedup.db")

	var config SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	validate := validator.New()
	assert.Nil(validate.Struct(&config))
	assert.Equal("jobs.completion.test", config.Gateway.Broker.Topic)
	assert.Equal(2, config.Gateway.Consumer.Workers)
	assert.Equal("sqlite", config.Gateway.Dedup.Backend)

	// An unsupported dedup backend fails validation
	viper.Set("gateway.dedup.backend", "redis")
	var invalid SystemConfig
	assert.Nil(viper.Unmarshal(&invalid))
	assert.NotNil(validate.Struct(&invalid))
}
