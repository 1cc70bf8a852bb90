// internal/models/result.go
package models

// ResultSet is the uniform tabular shape returned by the data store.
type ResultSet struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	// Truncated is set when the store stopped at its row limit.
	Truncated bool `json:"truncated,omitempty"`
}

// EmptyResultSet returns a result set with non-nil, empty columns and rows.
func EmptyResultSet() *ResultSet {
	return &ResultSet{Columns: []string{}, Rows: [][]interface{}{}}
}

// QueryRequest is the body of the query endpoint.
type QueryRequest struct {
	Question string `json:"question"`
}

// QueryResponse is returned by the query endpoint and the answer-question job.
type QueryResponse struct {
	MatchedRuleID   *string         `json:"matchedRuleId"`
	RuleName        string          `json:"ruleName,omitempty"`
	Confidence      int             `json:"confidence"`
	Strategy        Strategy        `json:"strategy"`
	Columns         []string        `json:"columns"`
	Rows            [][]interface{} `json:"rows"`
	Truncated       bool            `json:"truncated,omitempty"`
	Cached          bool            `json:"cached"`
	ElapsedMs       int64           `json:"elapsedMs"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// CacheStats is the operational view of the result cache.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	ApproxBytes int     `json:"approxBytes"`
	HitRate     float64 `json:"hitRate"`
}
