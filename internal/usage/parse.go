package usage

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"
)

// Report is what the tool said about one run.
type Report struct {
	SessionID    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CacheTokens  int64
	CostUSD      float64
	HasCost      bool
	Duration     time.Duration
}

func (r Report) TotalTokens() int64 { return r.InputTokens + r.OutputTokens + r.CacheTokens }

// toolResult mirrors the fields we read from the tool's JSON result object.
type toolResult struct {
	Type         string   `json:"type"`
	SessionID    string   `json:"session_id"`
	Model        string   `json:"model"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	CostUSD      *float64 `json:"cost_usd"`
	DurationMS   int64    `json:"duration_ms"`
	Usage        *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Message *struct {
		Model string `json:"model"`
	} `json:"message"`
}

// Parse extracts usage from tool output. It understands a single JSON
// result object and stream-json output (one object per line, the "result"
// line carrying the totals). ok is false when nothing usable was found.
func Parse(output string) (Report, bool) {
	s := strings.TrimSpace(output)
	if s == "" {
		return Report{}, false
	}
	if strings.HasPrefix(s, "{") {
		var tr toolResult
		if err := json.Unmarshal([]byte(s), &tr); err == nil {
			if r, ok := tr.report(); ok {
				return r, true
			}
		}
	}

	var (
		found bool
		rep   Report
		model string
	)
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var tr toolResult
		if err := json.Unmarshal([]byte(line), &tr); err != nil {
			continue
		}
		if tr.Message != nil && tr.Message.Model != "" {
			model = tr.Message.Model
		}
		if tr.Model != "" {
			model = tr.Model
		}
		if r, ok := tr.report(); ok && (tr.Type == "result" || !found) {
			rep, found = r, true
		}
	}
	if found && rep.Model == "" {
		rep.Model = model
	}
	return rep, found
}

func (tr toolResult) report() (Report, bool) {
	if tr.Usage == nil && tr.TotalCostUSD == nil && tr.CostUSD == nil {
		return Report{}, false
	}
	r := Report{
		SessionID: tr.SessionID,
		Model:     tr.Model,
		Duration:  time.Duration(tr.DurationMS) * time.Millisecond,
	}
	if tr.Usage != nil {
		r.InputTokens = tr.Usage.InputTokens
		r.OutputTokens = tr.Usage.OutputTokens
		r.CacheTokens = tr.Usage.CacheCreationInputTokens + tr.Usage.CacheReadInputTokens
	}
	switch {
	case tr.TotalCostUSD != nil:
		r.CostUSD, r.HasCost = *tr.TotalCostUSD, true
	case tr.CostUSD != nil:
		r.CostUSD, r.HasCost = *tr.CostUSD, true
	}
	return r, true
}
