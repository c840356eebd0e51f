package uploads

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/doccatalog/internal/clock"
	"github.com/dmitrijs2005/doccatalog/internal/logging"
	"github.com/dmitrijs2005/doccatalog/internal/server/staging"
	"github.com/dmitrijs2005/doccatalog/internal/server/storage"
)

const docA = "3f2b1c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"

var errRemoteDown = errors.New("503 service unavailable")

// fakeStore fails the first failures[name] puts of a name, or every put
// when failures[name] is negative.
type fakeStore struct {
	storage.ObjectStore

	mu       sync.Mutex
	failures map[string]int
	attempts map[string]int
	objects  map[string][]byte
	onPut    func(name string, attempt int)
	panicOn  map[string]bool

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failures: map[string]int{},
		attempts: map[string]int{},
		objects:  map[string][]byte{},
		panicOn:  map[string]bool{},
	}
}

func (f *fakeStore) Put(ctx context.Context, documentID, fileName string, body io.ReadSeeker, size int64) error {
	f.mu.Lock()
	f.attempts[fileName]++
	attempt := f.attempts[fileName]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	hook := f.onPut
	fail := f.failures[fileName] < 0 || attempt <= f.failures[fileName]
	shouldPanic := f.panicOn[fileName] && attempt == 1
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if hook != nil {
		hook(fileName, attempt)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if shouldPanic {
		panic("transport exploded")
	}
	if fail {
		return errRemoteDown
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}

	f.mu.Lock()
	f.objects[storage.ObjectKey(documentID, fileName)] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) attemptsOf(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

func (f *fakeStore) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		n += a
	}
	return n
}

// fakeLedger is an in-memory attachment list. It checks that every name it
// is asked to add is still staged at that moment.
type fakeLedger struct {
	mu        sync.Mutex
	exists    bool
	existsErr error
	names     map[string]bool
	calls     [][]string
	addErrs   int
	goneAfter int

	area       *staging.Area
	violations []string
}

func newFakeLedger(area *staging.Area) *fakeLedger {
	return &fakeLedger{exists: true, names: map[string]bool{}, area: area, goneAfter: -1}
}

func (l *fakeLedger) DocumentExists(ctx context.Context, documentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exists, l.existsErr
}

func (l *fakeLedger) AddNames(ctx context.Context, documentID string, names []string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]string(nil), names...))
	for _, n := range names {
		if ok, _ := l.area.Exists(documentID, n); !ok {
			l.violations = append(l.violations, n)
		}
	}
	if l.goneAfter >= 0 && len(l.calls) > l.goneAfter {
		l.exists = false
		return false, nil
	}
	if l.addErrs > 0 {
		l.addErrs--
		return false, errors.New("could not serialize access")
	}
	for _, n := range names {
		l.names[n] = true
	}
	return true, nil
}

func (l *fakeLedger) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.names))
	for n := range l.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// recordingLogger keeps the messages logged at ERROR.
type recordingLogger struct {
	logging.Logger

	mu     sync.Mutex
	errors []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: logging.Nop()}
}

func (l *recordingLogger) Error(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) With(...any) logging.Logger { return l }

func (l *recordingLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

type harness struct {
	store  *fakeStore
	ledger *fakeLedger
	area   *staging.Area
	clock  *clock.Manual
	sched  *Scheduler
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	area := staging.New(afero.NewMemMapFs())
	h := &harness{
		store:  newFakeStore(),
		area:   area,
		ledger: newFakeLedger(area),
		clock:  clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	opts.Clock = h.clock
	h.sched = New(h.store, h.ledger, h.area, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sched.Shutdown(ctx)
	})
	return h
}

func (h *harness) stage(t *testing.T, doc string, names ...string) {
	t.Helper()
	for _, n := range names {
		_, err := h.area.Write(doc, n, strings.NewReader("content of "+n))
		require.NoError(t, err)
	}
}

func (h *harness) staged(t *testing.T, doc string) []string {
	t.Helper()
	names, err := h.area.Pending(doc)
	require.NoError(t, err)
	return names
}

// run executes RunBatch while firing every backoff timer as soon as it is
// armed.
func (h *harness) run(t *testing.T, doc string, names ...string) BatchReport {
	t.Helper()
	stop := h.autoAdvance()
	defer stop()
	return h.sched.RunBatch(context.Background(), doc, names)
}

func (h *harness) autoAdvance() func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if h.clock.Pending() > 0 {
				h.clock.Advance(48 * time.Hour)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
