// Package cmd provides output formatting utilities for systemctl CLI.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrintOutput formats and prints data according to the specified output format.
func PrintOutput(w io.Writer, format string, data interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		return printJSON(w, data)
	case "yaml", "yml":
		return printYAML(w, data)
	case "text", "":
		return printText(w, data)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// structured reports whether format asks for machine readable output.
func structured(format string) bool {
	switch strings.ToLower(format) {
	case "json", "yaml", "yml":
		return true
	default:
		return false
	}
}

// printJSON outputs data as JSON.
func printJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// printYAML outputs data as YAML.
func printYAML(w io.Writer, data interface{}) error {
	encoder := yaml.NewEncoder(w)
	defer func() {
		_ = encoder.Close()
	}()
	return encoder.Encode(data)
}

// printText is the fallback for commands without their own text layout.
func printText(w io.Writer, data interface{}) error {
	_, err := fmt.Fprintf(w, "%+v\n", data)
	return err
}
