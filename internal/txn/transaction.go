// Package txn implements the transaction log and the transactional
// installer: snapshot-before-mutate installation and removal, with
// explicit, inspectable rollback rather than exception-driven unwinding.
package txn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Type identifies the kind of operation a Transaction records.
type Type string

const (
	TypeInstall Type = "install"
	TypeRemove  Type = "remove"
	TypeUpdate  Type = "update"
	TypeUpgrade Type = "upgrade"
)

// Status is a Transaction's position in the pending -> in_progress ->
// completed / failed -> (rolled_back) state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Action is one recorded step within a transaction (e.g. one package's
// install or removal).
type Action struct {
	Action    string            `json:"action"`
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
}

// Transaction is a single install/remove/update/upgrade operation, logged
// durably so it can be inspected or replayed via history.
type Transaction struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Packages  []string  `json:"packages"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actions   []Action  `json:"actions"`
	Error     string    `json:"error,omitempty"`
}

// New creates a Transaction in the pending state. Its ID is derived from
// the current time with microsecond precision, matching the reference
// implementation's id scheme closely enough to stay sortable as a string.
func New(typ Type, packages []string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:        now.Format("20060102150405.000000"),
		Type:      typ,
		Packages:  packages,
		Status:    StatusPending,
		Timestamp: now,
	}
}

// AddAction appends a step to the transaction's action log.
func (t *Transaction) AddAction(action string, details map[string]string) {
	t.Actions = append(t.Actions, Action{Action: action, Details: details, Timestamp: time.Now()})
}

// SetStatus updates the transaction's status, recording error if non-empty.
func (t *Transaction) SetStatus(status Status, errMsg string) {
	t.Status = status
	if errMsg != "" {
		t.Error = errMsg
	}
}

// Log is the append-only, line-delimited JSON transaction log.
type Log struct {
	path string
}

// OpenLog ensures logDir exists and returns a Log writing to
// transactions.log within it.
func OpenLog(logDir string) (*Log, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return &Log{path: filepath.Join(logDir, "transactions.log")}, nil
}

// Save appends t as one JSON line to the log. Every status change on the
// same transaction is saved again as a new line; Load resolves these to
// the latest record per id.
func (l *Log) Save(t *Transaction) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling transaction: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing transaction log: %w", err)
	}
	return nil
}

// Load reads the transaction log, skipping malformed lines with a warning
// rather than failing, and collapsing repeated saves of the same
// transaction id to its latest record. Transactions are returned in the
// order they were first recorded; if limit is non-zero, only the last
// limit transactions are returned.
func (l *Log) Load(limit int) ([]*Transaction, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening transaction log: %w", err)
	}
	defer f.Close()

	order := []string{}
	byID := map[string]*Transaction{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var t Transaction
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			fmt.Fprintf(os.Stderr, "warning: transaction log line %d is malformed, skipping: %v\n", lineNum, err)
			continue
		}
		if _, ok := byID[t.ID]; !ok {
			order = append(order, t.ID)
		}
		tCopy := t
		byID[t.ID] = &tCopy
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transaction log: %w", err)
	}

	out := make([]*Transaction, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Get returns the transaction with the given id, or nil if none exists.
func (l *Log) Get(id string) (*Transaction, error) {
	all, err := l.Load(0)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, nil
}

// Last returns the most recently recorded transaction, or nil if the log
// is empty.
func (l *Log) Last() (*Transaction, error) {
	all, err := l.Load(1)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}
