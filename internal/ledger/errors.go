package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RPCError is a cluster-side rejection, for example a preflight failure.
type RPCError struct {
	Code    int
	Message string
	Logs    []string
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
	}
	return "ledger: rpc error: " + e.Message
}

// AlreadyProcessed reports the duplicate-submission rejection.
func (e *RPCError) AlreadyProcessed() bool {
	return IsAlreadyProcessedMessage(e.Message)
}

// IsAlreadyProcessedMessage matches the cluster's duplicate-transaction text.
func IsAlreadyProcessedMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already been processed")
}

// TailLogs returns at most n trailing log lines.
func TailLogs(logs []string, n int) []string {
	if n <= 0 || len(logs) <= n {
		return logs
	}
	return logs[len(logs)-n:]
}

// FormatLedgerErr renders a JSON-shaped ledger error value as text.
func FormatLedgerErr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
