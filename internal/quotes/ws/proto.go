package ws

import "fxpulse.com/internal/quotes/health"

const (
	TopicHealth = "health"
	quotePrefix = "quote:"
)

type ClientMsg struct {
	Type   string   `json:"type"`   // "sub" | "unsub"
	Topics []string `json:"topics"` // e.g. quote:EUR-USD, health
}

// QuoteDTO is the wire form of an instrument update. Prices are decimal strings.
type QuoteDTO struct {
	Pair      string `json:"pair"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Spread    string `json:"spread"`
	Volume    string `json:"volume"`
	Source    string `json:"source"`
	TsMs      int64  `json:"tsMs"`
	Seq       uint64 `json:"seq"`
	ChangeAbs string `json:"changeAbs"`
	ChangePct string `json:"changePct"`
	High      string `json:"high"`
	Low       string `json:"low"`
	WindowLen int    `json:"windowLen"`
	Version   uint64 `json:"version"`
	Snapshot  bool   `json:"snapshot,omitempty"`
}

type HealthDTO struct {
	Kind                string   `json:"kind"`
	Name                string   `json:"name"`
	Status              string   `json:"status"`
	Since               int64    `json:"sinceMs"`
	ConsecutiveFailures uint32   `json:"consecutiveFailures"`
	ThroughputEMA       float64  `json:"throughput"`
	LastError           string   `json:"lastError,omitempty"`
	ActiveInstruments   []string `json:"activePairs,omitempty"`
}

type ServerMsg struct {
	Type   string      `json:"type"` // "quote" | "health" | "error"
	Topic  string      `json:"topic"`
	Quote  *QuoteDTO   `json:"quote,omitempty"`
	Health []HealthDTO `json:"health,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func toHealthDTO(s health.Snapshot) HealthDTO {
	d := HealthDTO{
		Kind:                string(s.Kind),
		Name:                s.Name,
		Status:              s.Status.String(),
		ConsecutiveFailures: s.ConsecutiveFailures,
		ThroughputEMA:       s.ThroughputEMA,
		LastError:           s.LastError,
		ActiveInstruments:   s.ActiveInstruments,
	}
	if !s.Since.IsZero() {
		d.Since = s.Since.UnixMilli()
	}
	return d
}
