// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

// Package logsetup configures the process-wide logger from configuration.
package logsetup

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Setup applies the configured level and format to the standard logger.
func Setup(level, format string) error {
	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "color":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, ForceColors: true})
	default:
		return fmt.Errorf("unrecognized log format %q", format)
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("unrecognized log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return nil
}
