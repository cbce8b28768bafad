// Package correctmap holds the per-answer grading ledger of a problem
// instance: correctness, points, messages, hints and queue state.
package correctmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Correctness is the graded state of one answer.
type Correctness string

const (
	Correct          Correctness = "correct"
	Incorrect        Correctness = "incorrect"
	PartiallyCorrect Correctness = "partially-correct"
)

// ParseCorrectness maps a label onto a Correctness. Unknown labels are
// incorrect.
func ParseCorrectness(s string) Correctness {
	switch c := Correctness(s); c {
	case Correct, PartiallyCorrect:
		return c
	}
	return Incorrect
}

// HintModeAlways shows the hint whenever it is set.
const HintModeAlways = "always"

// QueueState marks an answer as waiting for an external grader.
type QueueState struct {
	Key  int64     `json:"key"`
	Time time.Time `json:"time"`
}

// Entry is the record kept for one answer id.
type Entry struct {
	Correctness Correctness `json:"correctness"`
	// NPoints nil means 1 when correct and 0 otherwise.
	NPoints    *float64    `json:"npoints,omitempty"`
	MaxPoints  float64     `json:"max_points,omitempty"`
	Msg        string      `json:"msg,omitempty"`
	Hint       string      `json:"hint,omitempty"`
	HintMode   string      `json:"hintmode,omitempty"`
	QueueState *QueueState `json:"queuestate,omitempty"`
}

// Points returns the effective point value of e.
func (e Entry) Points() float64 {
	if e.NPoints != nil {
		return *e.NPoints
	}
	if e.Correctness == Correct {
		return 1
	}
	return 0
}

// Points returns a pointer to v, for building entries.
func Points(v float64) *float64 { return &v }

// Record pairs an answer id with its entry in snapshots.
type Record struct {
	AnswerID string `json:"answer_id"`
	Entry
}

// CorrectMap maps answer ids to entries. Reads are safe concurrently with
// writes; callers serialize grading against queue delivery themselves.
type CorrectMap struct {
	mu      sync.RWMutex
	entries map[string]Entry
	overall string
}

// New returns an empty map.
func New() *CorrectMap {
	return &CorrectMap{entries: make(map[string]Entry)}
}

// Set overwrites the record for id.
func (cm *CorrectMap) Set(id string, e Entry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries[id] = normalize(e)
}

// SetHint sets the hint on an existing or new record for id.
func (cm *CorrectMap) SetHint(id, hint, mode string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.entries[id]
	if !ok {
		e.Correctness = Incorrect
	}
	e.Hint = hint
	e.HintMode = mode
	cm.entries[id] = e
}

// SetQueueState queues id under key at t. A nil state clears it.
func (cm *CorrectMap) SetQueueState(id string, qs *QueueState) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e, ok := cm.entries[id]
	if !ok {
		e.Correctness = Incorrect
	}
	e.QueueState = qs
	cm.entries[id] = normalize(e)
}

// Update merges other into cm, replacing records by id. Ids only present in
// cm are left alone. A non-empty overall message in other replaces cm's.
func (cm *CorrectMap) Update(other *CorrectMap) {
	if other == nil || other == cm {
		return
	}
	other.mu.RLock()
	incoming := make(map[string]Entry, len(other.entries))
	for id, e := range other.entries {
		incoming[id] = clone(e)
	}
	overall := other.overall
	other.mu.RUnlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for id, e := range incoming {
		cm.entries[id] = e
	}
	if overall != "" {
		cm.overall = overall
	}
}

// Replace makes cm a copy of other, dropping every record other lacks.
func (cm *CorrectMap) Replace(other *CorrectMap) {
	if other == nil || other == cm {
		return
	}
	c := other.Clone()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = c.entries
	cm.overall = c.overall
}

// Get returns the record for id.
func (cm *CorrectMap) Get(id string) (Entry, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	e, ok := cm.entries[id]
	if !ok {
		return Entry{Correctness: Incorrect}, false
	}
	return clone(e), true
}

func (cm *CorrectMap) Correctness(id string) Correctness {
	e, _ := cm.Get(id)
	if e.Correctness == "" {
		return Incorrect
	}
	return e.Correctness
}

func (cm *CorrectMap) IsCorrect(id string) bool {
	return cm.Correctness(id) == Correct
}

func (cm *CorrectMap) NPoints(id string) float64 {
	e, _ := cm.Get(id)
	return e.Points()
}

func (cm *CorrectMap) Msg(id string) string {
	e, _ := cm.Get(id)
	return e.Msg
}

func (cm *CorrectMap) Hint(id string) string {
	e, _ := cm.Get(id)
	return e.Hint
}

func (cm *CorrectMap) HintMode(id string) string {
	e, _ := cm.Get(id)
	return e.HintMode
}

// OverallMessage returns the message attached to the problem as a whole.
func (cm *CorrectMap) OverallMessage() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.overall
}

func (cm *CorrectMap) SetOverallMessage(msg string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.overall = msg
}

// IsQueued reports whether id is waiting for an external result.
func (cm *CorrectMap) IsQueued(id string) bool {
	e, _ := cm.Get(id)
	return e.QueueState != nil
}

// IsRightQueueKey reports whether id is queued under key.
func (cm *CorrectMap) IsRightQueueKey(id string, key int64) bool {
	e, _ := cm.Get(id)
	return e.QueueState != nil && e.QueueState.Key == key
}

// QueueState returns the queue state of id.
func (cm *CorrectMap) QueueState(id string) (QueueState, bool) {
	e, _ := cm.Get(id)
	if e.QueueState == nil {
		return QueueState{}, false
	}
	return *e.QueueState, true
}

func (cm *CorrectMap) Has(id string) bool {
	_, ok := cm.Get(id)
	return ok
}

// IDs returns the recorded answer ids in sorted order.
func (cm *CorrectMap) IDs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ids := make([]string, 0, len(cm.entries))
	for id := range cm.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (cm *CorrectMap) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.entries)
}

// Entries returns a sorted copy of every record.
func (cm *CorrectMap) Entries() []Record {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]Record, 0, len(cm.entries))
	for id, e := range cm.entries {
		out = append(out, Record{AnswerID: id, Entry: clone(e)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AnswerID < out[j].AnswerID })
	return out
}

// Clone returns a deep copy.
func (cm *CorrectMap) Clone() *CorrectMap {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c := &CorrectMap{entries: make(map[string]Entry, len(cm.entries)), overall: cm.overall}
	for id, e := range cm.entries {
		c.entries[id] = clone(e)
	}
	return c
}

// Equal compares every field of every record and the overall message.
func (cm *CorrectMap) Equal(other *CorrectMap) bool {
	if cm == nil || other == nil {
		return cm == other
	}
	if cm == other {
		return true
	}
	a, b := cm.Clone(), other.Clone()
	if a.overall != b.overall || len(a.entries) != len(b.entries) {
		return false
	}
	for id, ea := range a.entries {
		eb, ok := b.entries[id]
		if !ok || !entryEqual(ea, eb) {
			return false
		}
	}
	return true
}

type snapshot struct {
	Entries        []Record `json:"entries"`
	OverallMessage string   `json:"overall_message,omitempty"`
}

func (cm *CorrectMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{Entries: cm.Entries(), OverallMessage: cm.OverallMessage()})
}

func (cm *CorrectMap) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode correct map: %w", err)
	}
	entries := make(map[string]Entry, len(s.Entries))
	for _, r := range s.Entries {
		if r.AnswerID == "" {
			return fmt.Errorf("decode correct map: record without answer_id")
		}
		entries[r.AnswerID] = normalize(r.Entry)
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.entries = entries
	cm.overall = s.OverallMessage
	return nil
}

func normalize(e Entry) Entry {
	if e.Correctness == "" {
		e.Correctness = Incorrect
	}
	e = clone(e)
	if e.QueueState != nil {
		e.QueueState.Time = e.QueueState.Time.Truncate(time.Second)
	}
	return e
}

func clone(e Entry) Entry {
	if e.NPoints != nil {
		e.NPoints = Points(*e.NPoints)
	}
	if e.QueueState != nil {
		qs := *e.QueueState
		e.QueueState = &qs
	}
	return e
}

func entryEqual(a, b Entry) bool {
	if a.Correctness != b.Correctness || a.MaxPoints != b.MaxPoints || a.Msg != b.Msg ||
		a.Hint != b.Hint || a.HintMode != b.HintMode {
		return false
	}
	if (a.NPoints == nil) != (b.NPoints == nil) || (a.NPoints != nil && *a.NPoints != *b.NPoints) {
		return false
	}
	if (a.QueueState == nil) != (b.QueueState == nil) {
		return false
	}
	if a.QueueState != nil {
		return a.QueueState.Key == b.QueueState.Key && a.QueueState.Time.Equal(b.QueueState.Time)
	}
	return true
}
