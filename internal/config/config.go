// Package config resolves fleetflash settings from defaults, the process
// environment, a .env file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"

	"github.com/oee-monitor/fleetflash/internal/discovery"
	"github.com/oee-monitor/fleetflash/internal/jobs"
	"github.com/oee-monitor/fleetflash/pkg/debug"
	"github.com/oee-monitor/fleetflash/pkg/env"
)

const (
	// Prefix marks the environment and .env keys read by fleetflash
	Prefix = "FLEETFLASH_"

	// DefaultEnvFile is looked up in the working directory
	DefaultEnvFile = ".env"

	// DefaultBuildDir is where PlatformIO leaves the images
	DefaultBuildDir = ".pio/build/sunton_s3"
)

// Settings is the resolved configuration. Keys are the names after Prefix,
// e.g. FLEETFLASH_BAUD sets Baud.
type Settings struct {
	Chip      string `mapstructure:"CHIP"`
	Baud      int    `mapstructure:"BAUD"`
	FlashMode string `mapstructure:"FLASH_MODE"`
	FlashFreq string `mapstructure:"FLASH_FREQ"`
	FlashSize string `mapstructure:"FLASH_SIZE"`
	Before    string `mapstructure:"BEFORE"`
	After     string `mapstructure:"AFTER"`
	Compress  bool   `mapstructure:"COMPRESS"`

	Tool        string   `mapstructure:"TOOL"`
	Match       []string `mapstructure:"MATCH"`
	USBIDs      []string `mapstructure:"USB_IDS"`
	Concurrency int      `mapstructure:"CONCURRENCY"`

	BaseDir          string `mapstructure:"BASE_DIR"`
	BootloaderPath   string `mapstructure:"BOOTLOADER"`
	BootloaderOffset uint32 `mapstructure:"BOOTLOADER_OFFSET"`
	PartitionsPath   string `mapstructure:"PARTITIONS"`
	PartitionsOffset uint32 `mapstructure:"PARTITIONS_OFFSET"`
	OTADataPath      string `mapstructure:"OTA_DATA"`
	OTADataOffset    uint32 `mapstructure:"OTA_DATA_OFFSET"`
	FirmwarePath     string `mapstructure:"FIRMWARE"`
	FirmwareOffset   uint32 `mapstructure:"FIRMWARE_OFFSET"`

	Debug    bool   `mapstructure:"DEBUG"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// Defaults returns the settings used for the Sunton ESP32-S3 panels.
func Defaults() *Settings {
	return &Settings{
		Chip:      "esp32s3",
		Baud:      460800,
		FlashMode: "dio",
		FlashFreq: "80m",
		FlashSize: "16MB",

		Match: []string{"CH340"},

		BootloaderPath:   filepath.Join(DefaultBuildDir, "bootloader.bin"),
		BootloaderOffset: 0x0000,
		PartitionsPath:   filepath.Join(DefaultBuildDir, "partitions.bin"),
		PartitionsOffset: 0x8000,
		OTADataPath:      "flash-ota.bin",
		OTADataOffset:    0xe000,
		FirmwarePath:     filepath.Join(DefaultBuildDir, "firmware.bin"),
		FirmwareOffset:   0x10000,

		// DEBUG is honored until FLEETFLASH_DEBUG or --debug says otherwise
		Debug:    env.ParseBool(os.Getenv("DEBUG")),
		LogLevel: "INFO",
	}
}

/*
 * Load builds Settings from the following sources, later ones winning:
 * 1. Defaults
 * 2. FLEETFLASH_* process environment variables
 * 3. FLEETFLASH_* keys in envFile (a missing file is skipped)
 *
 * Command-line flags are applied on top by the caller.
 */
func Load(envFile string) (*Settings, error) {
	fileValues := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			debug.Info("Loaded settings file %s", envFile)
			fileValues = values
		case errors.Is(err, fs.ErrNotExist):
			debug.Debug("No settings file at %s", envFile)
		default:
			return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	return LoadFrom(env.WithPrefix(Prefix), fileValues)
}

// LoadFrom layers environ and then fileValues over the defaults. Keys
// without Prefix are ignored.
func LoadFrom(environ, fileValues map[string]string) (*Settings, error) {
	settings := Defaults()
	for _, layer := range []struct {
		name   string
		values map[string]string
	}{
		{"environment", environ},
		{"settings file", fileValues},
	} {
		if err := decode(stripPrefix(layer.values), settings); err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", layer.name, err)
		}
	}
	return settings, nil
}

func stripPrefix(values map[string]string) map[string]interface{} {
	stripped := make(map[string]interface{}, len(values))
	for key, value := range values {
		if !strings.HasPrefix(key, Prefix) {
			continue
		}
		stripped[strings.TrimPrefix(key, Prefix)] = value
	}
	return stripped
}

func decode(input map[string]interface{}, settings *Settings) error {
	if len(input) == 0 {
		return nil
	}

	var metadata mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			offsetHook,
			boolHook,
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Metadata:         &metadata,
		Result:           settings,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return err
	}

	for _, key := range metadata.Unused {
		debug.Warning("Ignoring unknown setting %s%s", Prefix, key)
	}
	settings.Match = trimAll(settings.Match)
	settings.USBIDs = trimAll(settings.USBIDs)
	return nil
}

// offsetHook accepts flash offsets written in hex, e.g. 0xe000.
func offsetHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Uint32 {
		return data, nil
	}
	return jobs.ParseOffset(data.(string))
}

// boolHook accepts yes/y/1/true like the rest of the environment handling.
func boolHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Bool {
		return data, nil
	}
	return env.ParseBool(data.(string)), nil
}

func trimAll(values []string) []string {
	trimmed := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			trimmed = append(trimmed, v)
		}
	}
	return trimmed
}

// ToolCommand returns the esptool command prefix in argv form.
func (s *Settings) ToolCommand() []string {
	if tool := jobs.SplitTool(s.Tool); len(tool) > 0 {
		return tool
	}
	return jobs.DefaultTool()
}

// Rules returns the discovery rules for the configured matches.
func (s *Settings) Rules() (discovery.Rules, error) {
	rules := discovery.Rules{Descriptions: append([]string(nil), s.Match...)}
	for _, raw := range s.USBIDs {
		id, err := discovery.ParseUSBID(raw)
		if err != nil {
			return discovery.Rules{}, err
		}
		rules.USBIDs = append(rules.USBIDs, id)
	}
	if rules.Empty() {
		return discovery.Rules{}, fmt.Errorf("no port match rule configured")
	}
	return rules, nil
}

// BaseDirectory is where relative image paths start: BaseDir when set,
// otherwise the directory holding the executable.
func (s *Settings) BaseDirectory() (string, error) {
	if s.BaseDir != "" {
		return filepath.Abs(s.BaseDir)
	}

	execPath, err := os.Executable()
	if err != nil {
		debug.Error("Could not get executable path: %v", err)
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execDir := filepath.Dir(execPath)
	debug.Debug("Using executable directory: %s", execDir)
	return execDir, nil
}

// FlashConfig assembles the validated flash configuration, resolving image
// paths against baseDir.
func (s *Settings) FlashConfig(baseDir string) (jobs.FlashConfig, error) {
	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(baseDir, path)
	}

	cfg := jobs.FlashConfig{
		Target: jobs.FlashTarget{
			Chip:      s.Chip,
			Baud:      s.Baud,
			FlashMode: s.FlashMode,
			FlashFreq: s.FlashFreq,
			FlashSize: s.FlashSize,
			Before:    s.Before,
			After:     s.After,
			Compress:  s.Compress,
		},
		Images: []jobs.Image{
			{Name: "bootloader", Offset: s.BootloaderOffset, Path: resolve(s.BootloaderPath)},
			{Name: "partitions", Offset: s.PartitionsOffset, Path: resolve(s.PartitionsPath)},
			{Name: "ota_data", Offset: s.OTADataOffset, Path: resolve(s.OTADataPath)},
			{Name: "firmware", Offset: s.FirmwareOffset, Path: resolve(s.FirmwarePath)},
		},
	}
	if err := cfg.Validate(); err != nil {
		return jobs.FlashConfig{}, fmt.Errorf("invalid flash configuration: %w", err)
	}
	return cfg, nil
}

// ApplyLogging pushes the debug settings into the environment read by the
// debug package and reinitializes it.
func (s *Settings) ApplyLogging() {
	if s.Debug {
		os.Setenv("DEBUG", "true")
		if s.LogLevel != "" {
			os.Setenv("LOG_LEVEL", strings.ToUpper(s.LogLevel))
		} else {
			os.Setenv("LOG_LEVEL", "DEBUG")
		}
	} else {
		os.Setenv("DEBUG", "false")
	}
	debug.Reinitialize()
}
