package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crosspost-backend/internal/destinations"
	"github.com/tbourn/go-crosspost-backend/internal/domain"
	"github.com/tbourn/go-crosspost-backend/internal/events"
	"github.com/tbourn/go-crosspost-backend/internal/media"
	"github.com/tbourn/go-crosspost-backend/internal/queue"
	"github.com/tbourn/go-crosspost-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	q := queue.New(name, 8, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func seedAccount(t *testing.T, db *gorm.DB, acc domain.Account) {
	t.Helper()
	if acc.Status == "" {
		acc.Status = domain.AccountActive
	}
	if err := repo.UpsertAccount(context.Background(), db, &acc); err != nil {
		t.Fatalf("seed account %s: %v", acc.ID, err)
	}
}

func seedTask(t *testing.T, db *gorm.DB, task domain.AutomationTask) {
	t.Helper()
	if task.Status == "" {
		task.Status = domain.TaskActive
	}
	if err := repo.UpsertTask(context.Background(), db, &task); err != nil {
		t.Fatalf("seed task %s: %v", task.ID, err)
	}
}

func simpleTask(id, source string, targets ...string) domain.AutomationTask {
	return domain.AutomationTask{
		ID:             id,
		SourceAccounts: datatypes.JSONSlice[string]{source},
		TargetAccounts: datatypes.JSONSlice[string](targets),
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}

// ----- Fake dispatcher -----

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []domain.LogicalMessage
}

func (r *recordingDispatcher) Dispatch(_ context.Context, msg domain.LogicalMessage) (BatchReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return BatchReport{MessageKey: msg.Key()}, nil
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recordingDispatcher) all() []domain.LogicalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LogicalMessage(nil), r.msgs...)
}

// ----- Fake destinations -----

type scheduledCall struct {
	content destinations.Content
	when    time.Time
}

type fakeAdapter struct {
	caps destinations.Capabilities
	// publish decides the outcome of each Publish call; nil succeeds.
	publish func(token string, c destinations.Content) (destinations.Result, error)
	token   string
	owner   *fakeAdapters
	id      string
}

func (a *fakeAdapter) Capabilities() destinations.Capabilities { return a.caps }

func (a *fakeAdapter) Publish(_ context.Context, c destinations.Content) (destinations.Result, error) {
	a.owner.record(a.id, c)
	if a.publish != nil {
		return a.publish(a.token, c)
	}
	return destinations.Result{PostID: "post-" + a.id, URL: "https://example.test/" + a.id}, nil
}

func (a *fakeAdapter) Schedule(_ context.Context, c destinations.Content, when time.Time) (destinations.Result, error) {
	if !a.caps.SupportsSchedule {
		return destinations.Result{}, destinations.ErrScheduleUnsupported
	}
	a.owner.mu.Lock()
	a.owner.scheduled[a.id] = append(a.owner.scheduled[a.id], scheduledCall{content: c, when: when})
	a.owner.mu.Unlock()
	return destinations.Result{PostID: "scheduled-" + a.id}, nil
}

type fakeRefresher struct {
	creds destinations.Credentials
	err   error
	calls int
	mu    sync.Mutex
}

func (r *fakeRefresher) Refresh(context.Context, domain.Account) (destinations.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.creds, r.err
}

// fakeAdapters is an AdapterSource keyed by account id.
type fakeAdapters struct {
	mu         sync.Mutex
	caps       map[string]destinations.Capabilities
	publish    map[string]func(token string, c destinations.Content) (destinations.Result, error)
	adapterErr map[string]error
	refresher  *fakeRefresher
	published  map[string][]destinations.Content
	scheduled  map[string][]scheduledCall
}

func newFakeAdapters() *fakeAdapters {
	return &fakeAdapters{
		caps:       map[string]destinations.Capabilities{},
		publish:    map[string]func(string, destinations.Content) (destinations.Result, error){},
		adapterErr: map[string]error{},
		published:  map[string][]destinations.Content{},
		scheduled:  map[string][]scheduledCall{},
	}
}

func (f *fakeAdapters) Adapter(acc domain.Account) (destinations.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.adapterErr[acc.ID]; err != nil {
		return nil, err
	}
	caps, ok := f.caps[acc.ID]
	if !ok {
		caps = destinations.Capabilities{SupportsAlbum: true, MaxAttachments: 10, MaxImages: 10, AllowVideo: true}
	}
	return &fakeAdapter{caps: caps, publish: f.publish[acc.ID], token: acc.AccessToken, owner: f, id: acc.ID}, nil
}

func (f *fakeAdapters) Refresher(string) destinations.CredentialRefresher {
	if f.refresher == nil {
		return nil
	}
	return f.refresher
}

func (f *fakeAdapters) record(id string, c destinations.Content) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[id] = append(f.published[id], c)
}

func (f *fakeAdapters) publishedTo(id string) []destinations.Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]destinations.Content(nil), f.published[id]...)
}

// ----- Fake media -----

// fakeRetriever writes a small temp file per fetch, or fails for refs listed
// in errs.
type fakeRetriever struct {
	dir  string
	errs map[string]error
	mu   sync.Mutex
	refs []string
}

func (r *fakeRetriever) Fetch(_ context.Context, _ domain.Account, item domain.MediaItem) (*media.File, error) {
	r.mu.Lock()
	r.refs = append(r.refs, item.FileRef)
	r.mu.Unlock()
	if err := r.errs[item.FileRef]; err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(r.dir, "fetch-*")
	if err != nil {
		return nil, err
	}
	n, err := f.WriteString(item.FileRef)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return &media.File{Kind: item.Kind, Path: f.Name(), Name: item.FileRef, Size: int64(n)}, nil
}

// ----- Fake events -----

type recordingPublisher struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}
