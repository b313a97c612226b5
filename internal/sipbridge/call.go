package sipbridge

import (
	"sort"
	"sync"
	"time"
)

// CallStatus follows the hosted-telephony status vocabulary so callback
// consumers do not care which adapter produced the call.
type CallStatus string

const (
	StatusInitiated   CallStatus = "initiated"
	StatusRinging     CallStatus = "ringing"
	StatusAnswered    CallStatus = "answered"
	StatusActive      CallStatus = "active"
	StatusCompleted   CallStatus = "completed"
	StatusFailed      CallStatus = "failed"
	StatusBusy        CallStatus = "busy"
	StatusNoAnswer    CallStatus = "no-answer"
	StatusCancelled   CallStatus = "cancelled"
	StatusTransferred CallStatus = "transferred"
)

// Terminal reports whether the status is final.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCancelled, StatusTransferred:
		return true
	}
	return false
}

// statusForSIPCode maps the final SIP status code of a disconnected call
// to the call outcome.
func statusForSIPCode(code int) CallStatus {
	switch {
	case code == 486 || code == 600:
		return StatusBusy
	case code == 408 || code == 480:
		return StatusNoAnswer
	case code >= 400:
		return StatusFailed
	}
	return StatusCompleted
}

// CallDirection tells which side initiated the call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallRecord tracks one call through its lifetime. Fields are guarded
// because SIP transactions, the WS session and the REST API all touch it.
type CallRecord struct {
	SID       string
	Direction CallDirection
	From      string
	To        string

	mu           sync.Mutex
	status       CallStatus
	createdAt    time.Time
	answeredAt   time.Time
	endedAt      time.Time
	durationSec  int
	customParams map[string]string
	wsTarget     string
	callbackURL  string
}

// NewCallRecord creates a record in the initiated state.
func NewCallRecord(sid string, dir CallDirection, from, to string, params map[string]string, wsTarget, callbackURL string) *CallRecord {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return &CallRecord{
		SID:          sid,
		Direction:    dir,
		From:         from,
		To:           to,
		status:       StatusInitiated,
		createdAt:    time.Now().UTC(),
		customParams: cp,
		wsTarget:     wsTarget,
		callbackURL:  callbackURL,
	}
}

// Status returns the current call status.
func (r *CallRecord) Status() CallStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus transitions the record. Answered and active transitions stamp
// answeredAt the first time. Returns false if the status did not change.
func (r *CallRecord) SetStatus(s CallStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == s {
		return false
	}
	r.status = s
	if (s == StatusAnswered || s == StatusActive) && r.answeredAt.IsZero() {
		r.answeredAt = time.Now().UTC()
	}
	return true
}

// Finish stamps the end of the call and computes the billed duration from
// answer to hangup. Finishing an already terminal record is a no-op.
func (r *CallRecord) Finish(s CallStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.status = s
	r.endedAt = time.Now().UTC()
	if !r.answeredAt.IsZero() {
		r.durationSec = int(r.endedAt.Sub(r.answeredAt).Seconds())
	}
	return true
}

// MergeParams overlays per-call parameters on the record defaults.
func (r *CallRecord) MergeParams(params map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range params {
		r.customParams[k] = v
	}
}

// Params returns a copy of the custom parameters.
func (r *CallRecord) Params() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]string, len(r.customParams))
	for k, v := range r.customParams {
		cp[k] = v
	}
	return cp
}

// SetRouting applies incoming-callback overrides.
func (r *CallRecord) SetRouting(wsTarget, callbackURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wsTarget != "" {
		r.wsTarget = wsTarget
	}
	if callbackURL != "" {
		r.callbackURL = callbackURL
	}
}

// Routing returns the WS target and callback URL for this call.
func (r *CallRecord) Routing() (wsTarget, callbackURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wsTarget, r.callbackURL
}

// CallInfo is the JSON shape served by the REST API and posted to
// status callbacks.
type CallInfo struct {
	SID          string            `json:"sid"`
	Direction    CallDirection     `json:"direction"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	Status       CallStatus        `json:"status"`
	CreatedAt    string            `json:"createdAt"`
	AnsweredAt   string            `json:"answeredAt,omitempty"`
	EndedAt      string            `json:"endedAt,omitempty"`
	DurationSec  int               `json:"durationSec"`
	CustomParams map[string]string `json:"customParams"`
}

// Info snapshots the record for serialization.
func (r *CallRecord) Info() CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := CallInfo{
		SID:          r.SID,
		Direction:    r.Direction,
		From:         r.From,
		To:           r.To,
		Status:       r.status,
		CreatedAt:    r.createdAt.Format(time.RFC3339),
		DurationSec:  r.durationSec,
		CustomParams: r.customParams,
	}
	if !r.answeredAt.IsZero() {
		info.AnsweredAt = r.answeredAt.Format(time.RFC3339)
	}
	if !r.endedAt.IsZero() {
		info.EndedAt = r.endedAt.Format(time.RFC3339)
	}
	return info
}

// recordRetention is how long a finished call stays visible to the API
// before eviction.
const recordRetention = 30 * time.Second

// Store keeps the active and recently finished call records.
type Store struct {
	mu        sync.RWMutex
	calls     map[string]*CallRecord
	retention time.Duration
}

// NewStore creates a call record store.
func NewStore() *Store {
	return &Store{
		calls:     make(map[string]*CallRecord),
		retention: recordRetention,
	}
}

// Put registers a record.
func (s *Store) Put(r *CallRecord) {
	s.mu.Lock()
	s.calls[r.SID] = r
	s.mu.Unlock()
}

// Get returns the record for a call SID.
func (s *Store) Get(sid string) (*CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.calls[sid]
	return r, ok
}

// List returns all records, newest first.
func (s *Store) List() []*CallRecord {
	s.mu.RLock()
	out := make([]*CallRecord, 0, len(s.calls))
	for _, r := range s.calls {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.After(out[j].createdAt)
	})
	return out
}

// ActiveCount counts calls that are not yet terminal.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.calls {
		if !r.Status().Terminal() {
			n++
		}
	}
	return n
}

// ScheduleEvict removes the record after the retention window so that
// callers polling the API can still observe the final status.
func (s *Store) ScheduleEvict(sid string) {
	time.AfterFunc(s.retention, func() {
		s.mu.Lock()
		delete(s.calls, sid)
		s.mu.Unlock()
	})
}
