// Package config loads instrument settings from a JSON file. Fields are
// pointers so a file can override just the values it names; everything
// else keeps its built-in default.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Config is the bench configuration. The schema mirrors the server flags
// so a single file can stand in for a flag set on a deployed bench.
type Config struct {
	// Listen is the control API listen address.
	Listen *string `json:"listen,omitempty"`

	// DBFile is the SQLite file for scan runs and samples.
	DBFile *string `json:"db_file,omitempty"`

	// SerialPort is the ANC150 serial device; empty disables the stepper.
	SerialPort *string `json:"serial_port,omitempty"`

	// ScannerGain is the nominal piezo calibration in um/V used for
	// heatmap axis labelling.
	ScannerGain *float64 `json:"scanner_gain,omitempty"`
}

// Settings is a fully-resolved configuration with every default applied.
type Settings struct {
	Listen      string
	DBFile      string
	SerialPort  string
	ScannerGain float64
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Listen:      ":8080",
		DBFile:      "scan_data.db",
		SerialPort:  "",
		ScannerGain: 4.0,
	}
}

// Load reads a config file and overlays it onto the defaults. A missing
// file is an error; use Defaults directly when no file was given.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Config
	if err := dec.Decode(&c); err != nil {
		return Settings{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c.Apply(Defaults()), nil
}

// Apply overlays the config's named fields onto base.
func (c Config) Apply(base Settings) Settings {
	s := base
	if c.Listen != nil {
		s.Listen = *c.Listen
	}
	if c.DBFile != nil {
		s.DBFile = *c.DBFile
	}
	if c.SerialPort != nil {
		s.SerialPort = *c.SerialPort
	}
	if c.ScannerGain != nil {
		s.ScannerGain = *c.ScannerGain
	}
	return s
}
