package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppFromHash(t *testing.T) {
	app, err := appFromHash("web", map[string]string{
		"ports":   "80, 443",
		"targets": "10.0.0.2:8080,10.0.0.3:8080",
	})
	require.NoError(t, err)
	assert.Equal(t, App{
		Name:    "web",
		Ports:   []int{80, 443},
		Targets: []string{"10.0.0.2:8080", "10.0.0.3:8080"},
	}, app)

	_, err = appFromHash("web", map[string]string{"ports": "80,https"})
	assert.Error(t, err)

	_, err = appFromHash("gone", map[string]string{})
	assert.ErrorIs(t, err, ErrAppsNotFound)
}

func TestRedisStoreDisabled(t *testing.T) {
	store, err := NewRedisStore(context.Background(), &RedisConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, store)

	_, err = store.LoadApps(context.Background())
	assert.ErrorIs(t, err, ErrRedisNotEnabled)
	assert.ErrorIs(t, store.CheckHealth(context.Background()), ErrRedisNotEnabled)
	assert.Nil(t, store.Updates())
	assert.NoError(t, store.Close())
}
