package reminder

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/studyblocks/internal/mail"
	"github.com/hitoshi/studyblocks/internal/metrics"
	"github.com/hitoshi/studyblocks/internal/model"
)

// --- モック定義 ---

// fakeBlockRepo はBlockRepositoryのテスト用インメモリ実装。
// ListDueForReminderとMarkReminderSentを実リポジトリと同じ条件で模倣する。
type fakeBlockRepo struct {
	blocks map[string]*model.StudyBlock

	listErr error
	markErr error
}

func newFakeBlockRepo(blocks ...*model.StudyBlock) *fakeBlockRepo {
	f := &fakeBlockRepo{blocks: make(map[string]*model.StudyBlock)}
	for _, b := range blocks {
		copied := *b
		f.blocks[b.ID] = &copied
	}
	return f
}

func (f *fakeBlockRepo) FindByID(ctx context.Context, id string) (*model.StudyBlock, error) {
	if b, ok := f.blocks[id]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeBlockRepo) ListByUserID(ctx context.Context, userID string) ([]*model.StudyBlock, error) {
	return nil, nil
}

func (f *fakeBlockRepo) Create(ctx context.Context, block *model.StudyBlock) error { return nil }

func (f *fakeBlockRepo) Update(ctx context.Context, block *model.StudyBlock) (bool, error) {
	return false, nil
}

func (f *fakeBlockRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (f *fakeBlockRepo) ListDueForReminder(ctx context.Context, from, to time.Time) ([]*model.StudyBlock, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.StudyBlock
	for _, b := range f.blocks {
		if !b.NotifyEmail || b.ReminderState != model.ReminderStatePending {
			continue
		}
		if b.StartTime.Before(from) || b.StartTime.After(to) {
			continue
		}
		copied := *b
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeBlockRepo) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	b, ok := f.blocks[id]
	if !ok || b.ReminderState != model.ReminderStatePending {
		return false, nil
	}
	b.ReminderState = model.ReminderStateSent
	return true, nil
}

func (f *fakeBlockRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// mockUserRepo はUserRepositoryのテスト用モック。
type mockUserRepo struct {
	findByIDFunc func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return &model.User{ID: id, Email: id + "@example.com"}, nil
}

func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}

func (m *mockUserRepo) UpdateProfile(ctx context.Context, id, name, picture string) error {
	return nil
}

func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error { return nil }

// mockDispatcher はBlockDispatcherのテスト用モック。
type mockDispatcher struct {
	sendFunc func(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error

	calls      int
	lastAction mail.Action
	lastEmail  string
}

func (m *mockDispatcher) Send(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error {
	m.calls++
	m.lastAction = action
	m.lastEmail = userEmail
	if m.sendFunc != nil {
		return m.sendFunc(ctx, userEmail, block, action)
	}
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// テスト用の固定現在時刻。
var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestScheduler(repo *fakeBlockRepo, userRepo *mockUserRepo, dispatcher *mockDispatcher) *Scheduler {
	var buf bytes.Buffer
	s := NewScheduler(repo, userRepo, dispatcher, newTestLogger(&buf), metrics.NopCollector{}, 5*time.Minute)
	s.now = func() time.Time { return testNow }
	return s
}

func pendingBlock(id string, start time.Time) *model.StudyBlock {
	return &model.StudyBlock{
		ID:            id,
		UserID:        "u-1",
		Title:         "Math",
		StartTime:     start,
		EndTime:       start.Add(time.Hour),
		NotifyEmail:   true,
		ReminderState: model.ReminderStatePending,
	}
}

// --- スケジューラのテスト ---

func TestNewScheduler_DefaultWindow(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(newFakeBlockRepo(), &mockUserRepo{}, &mockDispatcher{}, newTestLogger(&buf), metrics.NopCollector{}, 0)
	if s.window != 5*time.Minute {
		t.Errorf("window = %v, want 5m default", s.window)
	}
}

// 開始4分前の送信待ちブロックは1回のスキャンでちょうど1回送信され、sentに遷移する。
func TestRunOnce_SendsDueBlockAndMarksSent(t *testing.T) {
	repo := newFakeBlockRepo(pendingBlock("b-1", testNow.Add(4*time.Minute)))
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if dispatcher.calls != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", dispatcher.calls)
	}
	if dispatcher.lastAction != mail.ActionReminder {
		t.Errorf("action = %q, want reminder", dispatcher.lastAction)
	}
	if len(results) != 1 || !results[0].Sent {
		t.Fatalf("results = %+v, want 1 sent result", results)
	}
	if repo.blocks["b-1"].ReminderState != model.ReminderStateSent {
		t.Error("送信成功後はsentに遷移すべき")
	}
}

// 開始10分前（ウィンドウ外）のブロックは送信対象にならない。
func TestRunOnce_IgnoresBlockOutsideWindow(t *testing.T) {
	repo := newFakeBlockRepo(pendingBlock("b-1", testNow.Add(10*time.Minute)))
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if dispatcher.calls != 0 {
		t.Errorf("dispatcher calls = %d, want 0", dispatcher.calls)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want empty", results)
	}
	if repo.blocks["b-1"].ReminderState != model.ReminderStatePending {
		t.Error("ウィンドウ外のブロックはpendingのまま残るべき")
	}
}

// 送信済みブロックは何度スキャンしても再送されない。
func TestRunOnce_NeverResendsSentBlock(t *testing.T) {
	block := pendingBlock("b-1", testNow.Add(4*time.Minute))
	block.ReminderState = model.ReminderStateSent
	repo := newFakeBlockRepo(block)
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	for i := 0; i < 3; i++ {
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
	}

	if dispatcher.calls != 0 {
		t.Errorf("dispatcher calls = %d, want 0（重複リマインダーの禁止）", dispatcher.calls)
	}
}

// notify_email無効のブロックは対象外。
func TestRunOnce_IgnoresBlockWithNotifyDisabled(t *testing.T) {
	block := pendingBlock("b-1", testNow.Add(4*time.Minute))
	block.NotifyEmail = false
	repo := newFakeBlockRepo(block)
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if dispatcher.calls != 0 {
		t.Errorf("dispatcher calls = %d, want 0", dispatcher.calls)
	}
}

// 送信が1回失敗した後に成功するシナリオ: 2回のスキャンで送信はちょうど1回成功し、
// sentへの遷移は2回目のスキャン後にのみ起きる。
func TestRunOnce_RetriesFailedSendOnNextTick(t *testing.T) {
	repo := newFakeBlockRepo(pendingBlock("b-1", testNow.Add(4*time.Minute)))

	attempt := 0
	dispatcher := &mockDispatcher{
		sendFunc: func(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error {
			attempt++
			if attempt == 1 {
				return errors.New("transient smtp failure")
			}
			return nil
		},
	}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	// 1回目: 送信失敗。pendingのまま残る
	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(results) != 1 || results[0].Sent {
		t.Fatalf("1回目のresults = %+v, want 1 failed result", results)
	}
	if repo.blocks["b-1"].ReminderState != model.ReminderStatePending {
		t.Fatal("送信失敗時はpendingのまま残るべき")
	}

	// 2回目: 再試行して成功
	results, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(results) != 1 || !results[0].Sent {
		t.Fatalf("2回目のresults = %+v, want 1 sent result", results)
	}
	if repo.blocks["b-1"].ReminderState != model.ReminderStateSent {
		t.Error("再試行成功後はsentに遷移すべき")
	}
	if dispatcher.calls != 2 {
		t.Errorf("dispatcher calls = %d, want 2", dispatcher.calls)
	}
}

// 宛先ユーザーを解決できないブロックはスキップされ、他のブロックの処理は継続する。
func TestRunOnce_SkipsBlockWithMissingUser(t *testing.T) {
	orphan := pendingBlock("b-orphan", testNow.Add(2*time.Minute))
	orphan.UserID = "u-missing"
	normal := pendingBlock("b-normal", testNow.Add(4*time.Minute))

	repo := newFakeBlockRepo(orphan, normal)
	userRepo := &mockUserRepo{
		findByIDFunc: func(ctx context.Context, id string) (*model.User, error) {
			if id == "u-missing" {
				return nil, nil
			}
			return &model.User{ID: id, Email: "u@example.com"}, nil
		},
	}
	dispatcher := &mockDispatcher{}
	s := newTestScheduler(repo, userRepo, dispatcher)

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if dispatcher.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1（正常ブロックのみ）", dispatcher.calls)
	}

	sent := 0
	for _, r := range results {
		if r.Sent {
			sent++
		}
	}
	if sent != 1 {
		t.Errorf("sent results = %d, want 1", sent)
	}
	if repo.blocks["b-orphan"].ReminderState != model.ReminderStatePending {
		t.Error("宛先不明のブロックはpendingのまま残るべき")
	}
}

// メール未構成の場合は失敗ではなくスキップとなり、ブロックはpendingのまま残る。
func TestRunOnce_MailNotConfiguredLeavesPending(t *testing.T) {
	repo := newFakeBlockRepo(pendingBlock("b-1", testNow.Add(4*time.Minute)))
	dispatcher := &mockDispatcher{
		sendFunc: func(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error {
			return model.ErrMailNotConfigured
		},
	}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if !errors.Is(results[0].Err, model.ErrMailNotConfigured) {
		t.Errorf("result err = %v, want ErrMailNotConfigured", results[0].Err)
	}
	if repo.blocks["b-1"].ReminderState != model.ReminderStatePending {
		t.Error("未構成スキップ時はpendingのまま残るべき")
	}
}

// 1ブロックの送信失敗が同一スキャン内の残りのブロック処理を妨げない。
func TestRunOnce_FailureDoesNotStopOtherBlocks(t *testing.T) {
	failing := pendingBlock("b-fail", testNow.Add(2*time.Minute))
	ok := pendingBlock("b-ok", testNow.Add(4*time.Minute))
	repo := newFakeBlockRepo(failing, ok)

	dispatcher := &mockDispatcher{
		sendFunc: func(ctx context.Context, userEmail string, block *model.StudyBlock, action mail.Action) error {
			if block.ID == "b-fail" {
				return errors.New("smtp error")
			}
			return nil
		},
	}
	s := newTestScheduler(repo, &mockUserRepo{}, dispatcher)

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if repo.blocks["b-ok"].ReminderState != model.ReminderStateSent {
		t.Error("正常なブロックは失敗ブロックの影響を受けず送信されるべき")
	}
	if repo.blocks["b-fail"].ReminderState != model.ReminderStatePending {
		t.Error("失敗したブロックはpendingのまま残るべき")
	}
}

// リスト取得エラーはRunOnceから返される。
func TestRunOnce_ListErrorPropagates(t *testing.T) {
	repo := newFakeBlockRepo()
	repo.listErr = errors.New("db connection lost")
	s := newTestScheduler(repo, &mockUserRepo{}, &mockDispatcher{})

	_, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("リスト取得エラーは返されるべき")
	}
}

// 状態遷移に失敗しても送信自体はSentとして扱わず、エラーとして報告される。
func TestRunOnce_MarkFailureReportsError(t *testing.T) {
	repo := newFakeBlockRepo(pendingBlock("b-1", testNow.Add(4*time.Minute)))
	repo.markErr = errors.New("db write failed")
	s := newTestScheduler(repo, &mockUserRepo{}, &mockDispatcher{})

	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(results) != 1 || results[0].Sent || results[0].Err == nil {
		t.Errorf("results = %+v, want 1 failed result", results)
	}
}

// Startはコンテキストキャンセルで停止する。
func TestStart_StopsOnContextCancel(t *testing.T) {
	repo := newFakeBlockRepo()
	s := newTestScheduler(repo, &mockUserRepo{}, &mockDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Startはコンテキストキャンセル後に停止すべき")
	}
}
