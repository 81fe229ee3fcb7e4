package amqp

import (
	"encoding/json"
	"time"
)

// ReconciledMessage announces that a ledger entry's reconciliation has been
// committed. It carries the applied delta so downstream consumers (report
// workers, dashboards) can react without re-reading the books.
type ReconciledMessage struct {
	EntryID       int64     `json:"entry_id"`
	Year          int       `json:"year"`
	Op            string    `json:"op"`
	DeltaCentavos int64     `json:"delta_centavos"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewReconciledMessage(entryID int64, year int, op string, deltaCentavos int64) *ReconciledMessage {
	return &ReconciledMessage{
		EntryID:       entryID,
		Year:          year,
		Op:            op,
		DeltaCentavos: deltaCentavos,
		Timestamp:     time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ReconciledMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON creates a message from JSON bytes
func ReconciledMessageFromJSON(data []byte) (*ReconciledMessage, error) {
	var msg ReconciledMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
