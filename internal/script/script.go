package script

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh script identifier. PMNS leaf names must start with an
// alphabetic character, hence the "s" prefix.
func NewID() string {
	return "s" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Stats counts per-run collector events.
type Stats struct {
	Records        uint64 `json:"records"`
	AcceptedBytes  uint64 `json:"accepted_bytes"`
	ThrottledRecs  uint64 `json:"throttled_records"`
	ThrottledBytes uint64 `json:"throttled_bytes"`
	ParseErrors    uint64 `json:"parse_errors"`
	UnknownVars    uint64 `json:"unknown_variables"`
	LostEvents     uint64 `json:"lost_events"`
	LastParseError string `json:"last_parse_error,omitempty"`
}

// State is the live run state of a script.
type State struct {
	Status   Status           `json:"status"`
	PID      int              `json:"pid"`
	ExitCode int              `json:"exit_code"`
	Error    string           `json:"error"`
	Probes   int              `json:"probes"`
	Data     map[string]Value `json:"data"`
	Stats    Stats            `json:"stats"`
}

func newState() State {
	return State{Status: StatusStopped, PID: -1, Data: map[string]Value{}}
}

// reset clears everything except status.
func (st *State) reset() {
	st.PID = -1
	st.ExitCode = 0
	st.Error = ""
	st.Probes = 0
	st.Data = map[string]Value{}
	st.Stats = Stats{}
}

func (st State) clone() State {
	data := make(map[string]Value, len(st.Data))
	for k, v := range st.Data {
		data[k] = v.Clone()
	}
	st.Data = data
	return st
}

// Script is one managed bpftrace program. Identity fields are set at creation and never
// change; everything else is guarded by mu.
type Script struct {
	ID         string
	Username   string
	Persistent bool
	CreatedAt  time.Time
	Code       string

	mu             sync.RWMutex
	metadata       Metadata
	variables      map[string]VariableDefinition
	frozen         bool
	lastAccessedAt time.Time
	state          State
	run            uint64
}

// New builds a stopped script with a fresh identifier.
func New(code, username string, persistent bool, now time.Time) *Script {
	return Restore(NewID(), code, username, persistent, now)
}

// Restore builds a stopped script with a known identifier, e.g. loaded from a store.
func Restore(id, code, username string, persistent bool, createdAt time.Time) *Script {
	return &Script{
		ID:             id,
		Username:       username,
		Persistent:     persistent,
		CreatedAt:      createdAt,
		Code:           code,
		variables:      map[string]VariableDefinition{},
		lastAccessedAt: createdAt,
		state:          newState(),
	}
}

// Ident is a short human readable description used in log lines.
func (s *Script) Ident() string {
	code := s.Code
	if r := []rune(code); len(r) > 80 {
		code = string(r[:80-6]) + " [...]"
	}
	code = strings.ReplaceAll(code, "\n", "\\n")
	s.mu.RLock()
	pid := s.state.PID
	s.mu.RUnlock()
	return fmt.Sprintf("BPFtrace (code='%s', PID=%d)", code, pid)
}

// Configure sets metadata and variables. It fails once the script has been started.
func (s *Script) Configure(md Metadata, vars map[string]VariableDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrVariablesFrozen
	}
	s.metadata = md
	s.variables = make(map[string]VariableDefinition, len(vars))
	for k, v := range vars {
		s.variables[k] = v
	}
	return nil
}

func (s *Script) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md := s.metadata
	md.Include = append([]string(nil), md.Include...)
	return md
}

// Variable looks up the definition of name.
func (s *Script) Variable(name string) (VariableDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[name]
	return v, ok
}

func (s *Script) Variables() map[string]VariableDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]VariableDefinition, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// DisplayName is the metric namespace label: the metadata name when set, else the id.
func (s *Script) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metadata.Name != "" {
		return s.metadata.Name
	}
	return s.ID
}

// Touch refreshes the last access time. Older timestamps are ignored.
func (s *Script) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastAccessedAt) {
		s.lastAccessedAt = now
	}
	s.mu.Unlock()
}

func (s *Script) LastAccessedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessedAt
}

func (s *Script) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Status
}

// State returns a deep copy of the current state.
func (s *Script) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Transition moves the script to status to when from -> to is legal, applying mutate to
// the state in the same critical section. Entering Starting resets the state and begins
// a new run; the new run number is returned.
func (s *Script) Transition(to Status, mutate func(*State)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state.Status
	if !CanTransition(from, to) {
		return s.run, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state.Status = to
	if to == StatusStarting {
		s.run++
		s.frozen = true
		s.state.reset()
	}
	if mutate != nil {
		mutate(&s.state)
	}
	return s.run, nil
}

// TransitionFrom is Transition guarded by an expected current status. It reports false
// without error when the script is not in one of from.
func (s *Script) TransitionFrom(run uint64, from []Status, to Status, mutate func(*State)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run != s.run {
		return false, nil
	}
	cur := s.state.Status
	match := false
	for _, f := range from {
		if f == cur {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	if !CanTransition(cur, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
	}
	s.state.Status = to
	if mutate != nil {
		mutate(&s.state)
	}
	return true, nil
}

// Update applies fn to the state of run. Updates from a previous run are dropped.
func (s *Script) Update(run uint64, fn func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run != s.run {
		return false
	}
	fn(&s.state)
	return true
}

// Run returns the current run number.
func (s *Script) Run() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

// Snapshot is a consistent point-in-time copy of a script.
type Snapshot struct {
	ID             string
	Username       string
	Persistent     bool
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Code           string
	Metadata       Metadata
	Variables      map[string]VariableDefinition
	State          State
}

func (s *Script) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make(map[string]VariableDefinition, len(s.variables))
	for k, v := range s.variables {
		vars[k] = v
	}
	md := s.metadata
	md.Include = append([]string(nil), md.Include...)
	return Snapshot{
		ID:             s.ID,
		Username:       s.Username,
		Persistent:     s.Persistent,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.lastAccessedAt,
		Code:           s.Code,
		Metadata:       md,
		Variables:      vars,
		State:          s.state.clone(),
	}
}
