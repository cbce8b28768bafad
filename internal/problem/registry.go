package problem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pavelanni/autograder/internal/correctmap"
	"github.com/pavelanni/autograder/internal/response"
	"github.com/pavelanni/autograder/internal/xqueue"
)

// ErrUnknownProblem is returned for a problem id that was never loaded.
var ErrUnknownProblem = errors.New("unknown problem")

// SnapshotStore persists instance maps between restarts. LoadSnapshot
// returns nil, nil when the instance has no snapshot.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, problemID, instanceID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, problemID, instanceID string, state []byte) error
}

// DeliveryRecorder is told about results applied to queued answers.
type DeliveryRecorder interface {
	MarkDelivered(ctx context.Context, problemID, instanceID string, key int64) error
}

// RegistryConfig holds the collaborators shared by every instance.
type RegistryConfig struct {
	Store     SnapshotStore
	Submitter xqueue.Submitter
	Observer  Observer
	Recorder  DeliveryRecorder

	// BaseURL is prefixed to the score callback path of each instance.
	BaseURL string
}

// State is a point-in-time view of one instance.
type State struct {
	ProblemID           string              `json:"problem_id"`
	InstanceID          string              `json:"instance_id"`
	Records             []correctmap.Record `json:"records"`
	OverallMessage      string              `json:"overall_message,omitempty"`
	Queued              bool                `json:"queued"`
	RecentmostQueuetime *time.Time          `json:"recentmost_queuetime,omitempty"`
	Score               float64             `json:"score"`
	MaxScore            float64             `json:"max_score"`
}

type instanceKey struct {
	problemID, instanceID string
}

type instance struct {
	mu sync.Mutex
	p  *Problem
}

// Registry holds loaded definitions and lazily creates instances, restoring
// them from the snapshot store. Grading and delivery are serialized per
// instance.
type Registry struct {
	cfg   RegistryConfig
	defs  map[string]*Definition
	order []*Definition

	mu        sync.Mutex
	instances map[instanceKey]*instance
}

// NewRegistry returns a registry over defs.
func NewRegistry(defs []*Definition, cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		cfg:       cfg,
		defs:      make(map[string]*Definition, len(defs)),
		instances: make(map[instanceKey]*instance),
	}
	for _, d := range defs {
		if _, ok := r.defs[d.ID]; ok {
			return nil, fmt.Errorf("duplicate problem %s", d.ID)
		}
		r.defs[d.ID] = d
		r.order = append(r.order, d)
	}
	return r, nil
}

// Definitions returns the loaded definitions in load order.
func (r *Registry) Definitions() []*Definition {
	return append([]*Definition(nil), r.order...)
}

// Definition returns one loaded definition.
func (r *Registry) Definition(problemID string) (*Definition, bool) {
	d, ok := r.defs[problemID]
	return d, ok
}

// CallbackURL is where the external grader posts results for an instance.
func (r *Registry) CallbackURL(problemID, instanceID string) string {
	return strings.TrimRight(r.cfg.BaseURL, "/") + CallbackPath(problemID, instanceID)
}

// CallbackPath is the path part of an instance callback URL.
func CallbackPath(problemID, instanceID string) string {
	return "/xqueue/" + url.PathEscape(problemID) + "/" + url.PathEscape(instanceID) + "/score"
}

// ParseCallbackURL extracts the problem and instance ids from a callback URL.
func ParseCallbackURL(raw string) (problemID, instanceID string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse callback url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	n := len(parts)
	if n < 4 || parts[n-4] != "xqueue" || parts[n-1] != "score" {
		return "", "", fmt.Errorf("not a score callback url: %s", raw)
	}
	if problemID, err = url.PathUnescape(parts[n-3]); err != nil {
		return "", "", fmt.Errorf("parse callback url: %w", err)
	}
	if instanceID, err = url.PathUnescape(parts[n-2]); err != nil {
		return "", "", fmt.Errorf("parse callback url: %w", err)
	}
	return problemID, instanceID, nil
}

func (r *Registry) instance(ctx context.Context, problemID, instanceID string) (*instance, error) {
	def, ok := r.defs[problemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProblem, problemID)
	}
	key := instanceKey{problemID, instanceID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	opts := []Option{
		WithCallbackURL(r.CallbackURL(problemID, instanceID)),
		WithStudentID(instanceID),
	}
	if r.cfg.Submitter != nil {
		opts = append(opts, WithSubmitter(r.cfg.Submitter))
	}
	if r.cfg.Observer != nil {
		opts = append(opts, WithObserver(r.cfg.Observer))
	}
	p, err := New(def, opts...)
	if err != nil {
		return nil, err
	}
	if r.cfg.Store != nil {
		data, err := r.cfg.Store.LoadSnapshot(ctx, problemID, instanceID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		if data != nil {
			if err := p.Restore(data); err != nil {
				return nil, err
			}
		}
	}
	inst := &instance{p: p}
	r.instances[key] = inst
	return inst, nil
}

func (r *Registry) save(ctx context.Context, problemID, instanceID string, p *Problem) error {
	if r.cfg.Store == nil {
		return nil
	}
	data, err := p.Snapshot()
	if err != nil {
		return err
	}
	if err := r.cfg.Store.SaveSnapshot(ctx, problemID, instanceID, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Grade grades answers for an instance, persists the result and returns the
// instance state.
func (r *Registry) Grade(ctx context.Context, problemID, instanceID string, answers response.Submissions) (*State, error) {
	inst, err := r.instance(ctx, problemID, instanceID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if _, err := inst.p.GradeAnswers(ctx, answers); err != nil {
		return nil, err
	}
	if err := r.save(ctx, problemID, instanceID, inst.p); err != nil {
		return nil, err
	}
	return stateOf(problemID, instanceID, inst.p), nil
}

// Deliver applies an external grader result to an instance. It reports
// false when no answer was queued under key.
func (r *Registry) Deliver(ctx context.Context, problemID, instanceID string, payload []byte, key int64) (bool, error) {
	inst, err := r.instance(ctx, problemID, instanceID)
	if err != nil {
		return false, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	applied, err := inst.p.UpdateScore(ctx, payload, key)
	if err != nil {
		return false, err
	}
	if !applied {
		slog.Info("stale delivery ignored", "problem", problemID, "instance", instanceID, "key", key)
		return false, nil
	}
	if err := r.save(ctx, problemID, instanceID, inst.p); err != nil {
		return true, err
	}
	if r.cfg.Recorder != nil {
		if err := r.cfg.Recorder.MarkDelivered(ctx, problemID, instanceID, key); err != nil {
			slog.Warn("failed to mark request delivered", "problem", problemID, "instance", instanceID, "error", err)
		}
	}
	return true, nil
}

// DeliverCallback routes a result by the callback URL it was requested with.
func (r *Registry) DeliverCallback(ctx context.Context, callbackURL string, payload []byte, key int64) (bool, error) {
	problemID, instanceID, err := ParseCallbackURL(callbackURL)
	if err != nil {
		return false, err
	}
	return r.Deliver(ctx, problemID, instanceID, payload, key)
}

// State returns the current state of an instance.
func (r *Registry) State(ctx context.Context, problemID, instanceID string) (*State, error) {
	inst, err := r.instance(ctx, problemID, instanceID)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return stateOf(problemID, instanceID, inst.p), nil
}

func stateOf(problemID, instanceID string, p *Problem) *State {
	cm := p.CorrectMap()
	s := &State{
		ProblemID:      problemID,
		InstanceID:     instanceID,
		Records:        cm.Entries(),
		OverallMessage: cm.OverallMessage(),
		Queued:         p.IsQueued(),
		Score:          p.Score(),
		MaxScore:       p.MaxScore(),
	}
	if t, ok := p.RecentmostQueuetime(); ok {
		s.RecentmostQueuetime = &t
	}
	return s
}
