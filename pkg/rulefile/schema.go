// pkg/rulefile/schema.go
package rulefile

import "qms-assistant/internal/models"

// Document is the YAML layout of a rule file shared by the server's file
// source and the rulectl tool.
type Document struct {
	Version     int                 `yaml:"version"`
	LastUpdated string              `yaml:"lastUpdated,omitempty"`
	Rules       []models.IntentRule `yaml:"rules"`
}
