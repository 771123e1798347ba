package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saliency.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.ImageSize)
	assert.Equal(t, 1000, cfg.NumLabels)
	assert.Equal(t, 281, cfg.Label)
	assert.Equal(t, []int{2, 1, 0}, cfg.ChannelSwap)
	assert.Equal(t, 255.0, cfg.RawScale)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Empty(t, cfg.LabelsPath)
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "label: 7\nchannel_swap: [0, 1, 2]\nlabels: synset_words.txt\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Label)
	assert.Equal(t, []int{0, 1, 2}, cfg.ChannelSwap)
	assert.Equal(t, "synset_words.txt", cfg.LabelsPath)
	// Untouched keys keep their defaults
	assert.Equal(t, 256, cfg.ImageSize)

	cfg, err = LoadFile(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = LoadFile(writeConfig(t, "lable: 7\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFromArgs_Precedence(t *testing.T) {
	path := writeConfig(t, "label: 7\ntopk: 2\nimage: dog.jpg\n")

	cfg, err := FromArgs([]string{"-config", path, "-label", "9", "-channel-swap", "0,1,2", "-v"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Label, "explicit flag beats file")
	assert.Equal(t, 2, cfg.TopK, "file beats default")
	assert.Equal(t, "dog.jpg", cfg.ImagePath)
	assert.Equal(t, []int{0, 1, 2}, cfg.ChannelSwap)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, 1000, cfg.NumLabels, "default kept")
}

func TestFromArgs_NoConfigFile(t *testing.T) {
	cfg, err := FromArgs([]string{"-image", "x.png", "-raw-scale", "1"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "x.png", cfg.ImagePath)
	assert.Equal(t, 1.0, cfg.RawScale)
	assert.Equal(t, 281, cfg.Label)
}

func TestFromArgs_Errors(t *testing.T) {
	_, err := FromArgs([]string{"-channel-swap", "2,x"}, io.Discard)
	assert.Error(t, err)

	assert.ErrorIs(t, err, ErrUsage)

	_, err = FromArgs([]string{"-nope"}, io.Discard)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = FromArgs([]string{"-h"}, io.Discard)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = FromArgs([]string{"-label", "1000"}, io.Discard)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.NotErrorIs(t, err, ErrUsage)

	_, err = FromArgs([]string{"-config", filepath.Join(t.TempDir(), "none.yaml")}, io.Discard)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.WeightsPath = ""
	cfg.ImageSize = 0
	cfg.ChannelSwap = []int{0, 0, 2}
	cfg.RawScale = -1
	cfg.TopK = -1
	cfg.Device = "webgpu"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)

	var joined interface{ Unwrap() []error }
	require.True(t, errors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 6)
	assert.Contains(t, err.Error(), "weights path is required")
	assert.Contains(t, err.Error(), `device "webgpu" is not available`)
}

func TestValidate_Label(t *testing.T) {
	cfg := Default()
	cfg.Label = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Label = 9
	cfg.NumLabels = 10
	assert.NoError(t, cfg.Validate())
}

func TestIntList(t *testing.T) {
	var l intList
	require.NoError(t, l.Set("2, 1,0"))
	assert.Equal(t, intList{2, 1, 0}, l)
	assert.Equal(t, "2,1,0", l.String())
	assert.Error(t, l.Set(""))
}
