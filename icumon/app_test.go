package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itohio/icumon/pkg/classifier"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v3"
)

func TestNewClassifier(t *testing.T) {
	def := config.Default().Classifier

	c, err := newClassifier(def)
	require.NoError(t, err)
	assert.IsType(t, &classifier.Network{}, c)

	rules := def
	rules.Kind = classifierRules
	c, err = newClassifier(rules)
	require.NoError(t, err)
	assert.IsType(t, classifier.Rules{}, c)

	missing := def
	missing.ModelPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = newClassifier(missing)
	assert.Error(t, err)

	unknown := def
	unknown.Kind = "forest"
	_, err = newClassifier(unknown)
	assert.Error(t, err)
}

func TestNewTransport_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Transport = "can"
	_, err := newTransport(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.Bus.Transport = transportSerial
	cfg.Bus.Port = filepath.Join(t.TempDir(), "no-such-port")
	_, err = newTransport(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRun_Simulated(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Controller.CyclePeriod = 100 * time.Millisecond
	cfg.Bus.SettleDelay = 0

	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, run(ctx, cfg, zap.New(core)))

	cycles := logs.FilterLoggerName("telemetry").All()
	require.NotEmpty(t, cycles)
	assert.Contains(t, cycles[0].Message, "#1 state=")
}

func TestNewClassifier_ModelFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().Classifier

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("layers: []\n"), 0644))
	cfg.ModelPath = empty
	_, err := newClassifier(cfg)
	assert.Error(t, err)

	data, err := yaml.Marshal(classifier.DefaultModel())
	require.NoError(t, err)
	path := filepath.Join(dir, "model.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	cfg.ModelPath = path

	c, err := newClassifier(cfg)
	require.NoError(t, err)
	res, err := c.Classify(classifier.FeatureVector{100, 80, 20, 80, 1.0, 50, 90, 96, 80, 37.0})
	require.NoError(t, err)
	assert.Equal(t, wire.Normal, res.State)
}
