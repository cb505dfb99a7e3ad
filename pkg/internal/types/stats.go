package types

// StatsResponse 按状态的记录统计.
type StatsResponse struct {
	Total       int64            `json:"total"`
	ByState     map[string]int64 `json:"by_state"`
	Eligible    int64            `json:"eligible"`
	OpenIntents int              `json:"open_intents"`
}
