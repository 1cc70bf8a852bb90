// internal/workers/assistant/answer-question/config.go
package answerquestion

import "time"

type Config struct {
	Timeout time.Duration
	// MaxRows caps the rows copied into process variables. Zero keeps all rows.
	MaxRows int
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		MaxRows: 200,
	}
}
