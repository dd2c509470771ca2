package config

import (
	"bufio"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"

	"github.com/sikt-no/zino/internal/domain"
)

// pollDevice is the raw, string-typed decode target for one pollfile block,
// tagged for mapstructure so keys map onto the legacy field names verbatim.
type pollDevice struct {
	Name           string `mapstructure:"name"`
	Address        string `mapstructure:"address"`
	Community      string `mapstructure:"community"`
	SNMPVersion    string `mapstructure:"snmpversion"`
	Port           int    `mapstructure:"port"`
	Interval       int    `mapstructure:"interval"`
	Priority       int    `mapstructure:"priority"`
	Domain         string `mapstructure:"domain"`
	DoBGP          bool   `mapstructure:"do_bgp"`
	DoIfStats      bool   `mapstructure:"statistics"`
	MaxRepetitions int    `mapstructure:"max-repetitions"`
	Watchpat       string `mapstructure:"watchpat"`
	Ignorepat      string `mapstructure:"ignorepat"`
}

// ParsePollfile reads the legacy blank-line-separated, colon-delimited
// device block format, applying defaults from cfg to any field a block
// leaves unset, mirroring the original's `PollDevice(**(defaults|section))`
// merge.
func ParsePollfile(path string, cfg *Config) ([]*domain.Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pollfile: %w", err)
	}
	defer f.Close()

	var blocks []map[string]string
	current := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = map[string]string{}
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(trimmed[:idx])
		val := strings.TrimSpace(trimmed[idx+1:])
		current[key] = val
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pollfile: %w", err)
	}

	devices := make([]*domain.Device, 0, len(blocks))
	for _, block := range blocks {
		pd, err := decodeBlock(block, cfg)
		if err != nil {
			return nil, fmt.Errorf("pollfile block %q: %w", block["name"], err)
		}
		if pd.Name == "" {
			continue
		}
		d := &domain.Device{
			Name:           pd.Name,
			Address:        pd.Address,
			Community:      pd.Community,
			SNMPVersion:    pd.SNMPVersion,
			Port:           pd.Port,
			Timeout:        cfg.SNMP.Timeout,
			Retries:        cfg.SNMP.Retries,
			IntervalMin:    pd.Interval,
			Priority:       pd.Priority,
			Domain:         pd.Domain,
			EnableBGP:      pd.DoBGP,
			EnableIfStats:  pd.DoIfStats,
			MaxRepetitions: pd.MaxRepetitions,
			WatchPattern:   pd.Watchpat,
			IgnorePattern:  pd.Ignorepat,
		}
		if err := d.Compile(); err != nil {
			return nil, fmt.Errorf("pollfile block %q: compile patterns: %w", pd.Name, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// decodeBlock applies cfg's SNMP defaults, then decodes the raw string map
// via mapstructure with a weakly-typed cast hook so "interval: 5" (a
// string in the source file) coerces to an int, and "do_bgp: yes" coerces
// to a bool, the way the untyped legacy format requires.
func decodeBlock(block map[string]string, cfg *Config) (*pollDevice, error) {
	merged := map[string]interface{}{
		"community":       cfg.SNMP.Community,
		"snmpversion":     cfg.SNMP.Version,
		"port":            161,
		"interval":        5,
		"priority":        100,
		"max-repetitions": cfg.SNMP.MaxRepetitions,
	}
	for k, v := range block {
		merged[k] = v
	}

	var pd pollDevice
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       weaklyTypedCastHook,
		WeaklyTypedInput: true,
		Result:           &pd,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(merged); err != nil {
		return nil, err
	}
	return &pd, nil
}

// weaklyTypedCastHook uses spf13/cast so pollfile-style boolean text
// ("yes"/"no"/"true"/"1") and numeric text decode the way the legacy
// format's untyped values require, beyond mapstructure's own coercion.
func weaklyTypedCastHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch to.Kind() {
	case reflect.Bool:
		switch strings.ToLower(s) {
		case "yes", "y", "true", "1", "on":
			return true, nil
		case "no", "n", "false", "0", "off", "":
			return false, nil
		}
		return cast.ToBoolE(s)
	case reflect.Int, reflect.Int64:
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	}
	return data, nil
}
