// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mpfit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Greater(t, cfg.Workers, 0)
	require.Equal(t, Bulk, cfg.PartitionStrategy)
	require.True(t, cfg.LikelihoodOffsetting)
	require.False(t, cfg.ExtendedLikelihood)
	require.True(t, cfg.SendNonblocking)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 3
partition_strategy: interleaved
extended_likelihood: true
ncycles: 5
`), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, Interleaved, cfg.PartitionStrategy)
	require.True(t, cfg.ExtendedLikelihood)
	require.Equal(t, 5, cfg.NCycles)
	// Unset keys keep their defaults, including default-true flags.
	require.True(t, cfg.LikelihoodOffsetting)
	require.Equal(t, 0.3, cfg.StepTolerance)
}

func TestLoadConfigRejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partition_strategy: zigzag\n"), 0644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 7
	cfg.PartitionStrategy = PerEvent
	cfg.ApplyWeightSquared = true
	s, err := cfg.MarshalString()
	require.NoError(t, err)
	got, err := UnmarshalConfigString(s)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.NCycles = -1
	require.Error(t, cfg.Validate())
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{Bulk, Interleaved, PerEvent} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseStrategy("nope")
	require.Error(t, err)
}
