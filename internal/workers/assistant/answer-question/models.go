// internal/workers/assistant/answer-question/models.go
package answerquestion

import "qms-assistant/internal/models"

type Input struct {
	Question string `json:"question"`
}

type Output struct {
	MatchedRuleID   *string         `json:"matchedRuleId"`
	RuleName        string          `json:"ruleName,omitempty"`
	Confidence      int             `json:"confidence"`
	Strategy        models.Strategy `json:"strategy"`
	Columns         []string        `json:"columns"`
	Rows            [][]interface{} `json:"rows"`
	RowCount        int             `json:"rowCount"`
	Truncated       bool            `json:"truncated"`
	Cached          bool            `json:"cached"`
	ElapsedMs       int64           `json:"elapsedMs"`
	Recommendations []string        `json:"recommendations,omitempty"`
}
