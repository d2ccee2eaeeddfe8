package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/platform/scheduling"
)

type testItem struct {
	seq       int
	code      string
	cancelled bool
}

// bundleJSON builds a submission bundle. related and status may be empty.
func bundleJSON(t *testing.T, patient, related, status string, items ...testItem) []byte {
	t.Helper()
	claim := map[string]interface{}{
		"resourceType": "Claim",
		"use":          "preauthorization",
		"status":       "active",
		"patient":      map[string]string{"reference": "Patient/" + patient},
	}
	if status != "" {
		claim["status"] = status
	}
	if related != "" {
		claim["related"] = []map[string]interface{}{{
			"claim": map[string]string{"reference": "Claim/" + related},
		}}
	}
	var lines []map[string]interface{}
	for _, it := range items {
		line := map[string]interface{}{
			"sequence": it.seq,
			"productOrService": map[string]interface{}{
				"coding": []map[string]string{{"system": "http://www.ama-assn.org/go/cpt", "code": it.code}},
			},
		}
		if it.cancelled {
			line["modifierExtension"] = []map[string]interface{}{{
				"url":          ItemCancelledExtensionURL,
				"valueBoolean": true,
			}}
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		claim["item"] = lines
	}

	data, err := json.Marshal(map[string]interface{}{
		"resourceType": "Bundle",
		"id":           "bundle-" + patient,
		"type":         "collection",
		"entry": []map[string]interface{}{
			{"resource": map[string]interface{}{"resourceType": "Patient", "id": patient}},
			{"resource": claim},
		},
	})
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	return data
}

func mustParse(t *testing.T, data []byte) *Submission {
	t.Helper()
	sub, err := ParseSubmission(data)
	if err != nil {
		t.Fatalf("ParseSubmission() error: %v", err)
	}
	return sub
}

// scriptedAdjudicator returns outcomes by product code.
type scriptedAdjudicator struct {
	mu        sync.Mutex
	outcomes  map[string]ItemOutcome
	itemErr   map[string]error
	bundle    Disposition
	bundleErr error
	calls     []int
	delay     time.Duration
	inFlight  int
	maxFlight int

	// when set, EvaluateBundle reports on entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newScripted(outcomes map[string]ItemOutcome) *scriptedAdjudicator {
	return &scriptedAdjudicator{outcomes: outcomes, itemErr: map[string]error{}, bundle: DispositionGranted}
}

func (a *scriptedAdjudicator) EvaluateItem(_ context.Context, sub *Submission, seq int) (ItemOutcome, error) {
	a.mu.Lock()
	a.calls = append(a.calls, seq)
	a.inFlight++
	if a.inFlight > a.maxFlight {
		a.maxFlight = a.inFlight
	}
	a.mu.Unlock()

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.inFlight--
	item, _ := sub.Item(seq)
	if err := a.itemErr[item.ProductCode]; err != nil {
		return "", err
	}
	if o, ok := a.outcomes[item.ProductCode]; ok {
		return o, nil
	}
	return ItemApproved, nil
}

func (a *scriptedAdjudicator) EvaluateBundle(context.Context, *Submission) (Disposition, error) {
	a.mu.Lock()
	entered, release := a.entered, a.release
	a.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return a.bundle, a.bundleErr
}

// gate makes the next EvaluateBundle calls block until the returned
// release func is called. The entered channel receives once per call.
func (a *scriptedAdjudicator) gate() (entered <-chan struct{}, release func()) {
	in := make(chan struct{}, 8)
	out := make(chan struct{})
	a.mu.Lock()
	a.entered, a.release = in, out
	a.mu.Unlock()
	var once sync.Once
	return in, func() { once.Do(func() { close(out) }) }
}

func (a *scriptedAdjudicator) called(seq int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.calls {
		if s == seq {
			return true
		}
	}
	return false
}

// fakeScheduler keeps jobs until the test fires them.
type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]scheduling.Job
	history   map[string]scheduling.Job
	scheduled []string
	cancelled []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]scheduling.Job{}, history: map[string]scheduling.Job{}}
}

func (s *fakeScheduler) Schedule(key string, _ time.Duration, job scheduling.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.jobs[key]
	s.jobs[key] = job
	s.history[key] = job
	s.scheduled = append(s.scheduled, key)
	return replaced
}

func (s *fakeScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	delete(s.jobs, key)
	if ok {
		s.cancelled = append(s.cancelled, key)
	}
	return ok
}

func (s *fakeScheduler) pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// fire runs the live job for key.
func (s *fakeScheduler) fire(t *testing.T, key string) {
	t.Helper()
	s.mu.Lock()
	job, ok := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no job scheduled for %s", key)
	}
	job(context.Background())
}

// fireStale runs the last job ever scheduled for key, even if cancelled.
func (s *fakeScheduler) fireStale(t *testing.T, key string) {
	t.Helper()
	s.mu.Lock()
	job, ok := s.history[key]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no job was ever scheduled for %s", key)
	}
	job(context.Background())
}

type dispatch struct{ responseID, patientID string }

type recordingNotifier struct {
	mu    sync.Mutex
	calls []dispatch
}

func (n *recordingNotifier) Dispatch(_ context.Context, responseID, patientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, dispatch{responseID, patientID})
}

func (n *recordingNotifier) dispatched() []dispatch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dispatch(nil), n.calls...)
}

type testEnv struct {
	store     *MemoryStore
	proc      *Processor
	adj       *scriptedAdjudicator
	scheduler *fakeScheduler
	notifier  *recordingNotifier
}

func newTestEnv(adj *scriptedAdjudicator) *testEnv {
	store := NewMemoryStore()
	sched := newFakeScheduler()
	notifier := &recordingNotifier{}
	proc := NewProcessor(store.Repositories(), adj, sched, notifier, Options{
		Workers:     4,
		ReviewDelay: time.Minute,
		MaxHops:     50,
	}, zerolog.Nop())
	return &testEnv{store: store, proc: proc, adj: adj, scheduler: sched, notifier: notifier}
}

func (e *testEnv) submit(t *testing.T, data []byte) *ClaimResponse {
	t.Helper()
	resp, err := e.proc.Submit(context.Background(), mustParse(t, data))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	return resp
}

func (e *testEnv) claim(t *testing.T, id string) *Claim {
	t.Helper()
	c, err := e.store.Claims().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error: %v", id, err)
	}
	return c
}

func (e *testEnv) response(t *testing.T, id string) *ClaimResponse {
	t.Helper()
	r, err := e.store.Responses().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("response %s: %v", id, err)
	}
	return r
}

// sequentialIDs returns an id source yielding id-1, id-2, ...
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

// failingResponses fails Create while fail is set.
type failingResponses struct {
	ClaimResponseRepository
	mu   sync.Mutex
	fail bool
}

func (f *failingResponses) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *failingResponses) Create(ctx context.Context, cr *ClaimResponse) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("write failed")
	}
	return f.ClaimResponseRepository.Create(ctx, cr)
}

func isReference(err error, reason ReferenceReason) bool {
	var rerr *ReferenceError
	return errors.As(err, &rerr) && rerr.Reason == reason
}
