package cleanup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/studyblocks/internal/metrics"
	"github.com/hitoshi/studyblocks/internal/model"
)

// mockBlockRepo はDeleteEndedBeforeの呼び出しを検証するためのモック。
type mockBlockRepo struct {
	deleteEndedBeforeFn func(ctx context.Context, cutoff time.Time) (int64, error)

	called bool
	cutoff time.Time
}

func (m *mockBlockRepo) FindByID(ctx context.Context, id string) (*model.StudyBlock, error) {
	return nil, nil
}
func (m *mockBlockRepo) ListByUserID(ctx context.Context, userID string) ([]*model.StudyBlock, error) {
	return nil, nil
}
func (m *mockBlockRepo) Create(ctx context.Context, block *model.StudyBlock) error { return nil }
func (m *mockBlockRepo) Update(ctx context.Context, block *model.StudyBlock) (bool, error) {
	return false, nil
}
func (m *mockBlockRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (m *mockBlockRepo) ListDueForReminder(ctx context.Context, from, to time.Time) ([]*model.StudyBlock, error) {
	return nil, nil
}
func (m *mockBlockRepo) MarkReminderSent(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (m *mockBlockRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.called = true
	m.cutoff = cutoff
	if m.deleteEndedBeforeFn != nil {
		return m.deleteEndedBeforeFn(ctx, cutoff)
	}
	return 0, nil
}

// recordingCollector はRecordBlocksCleanedの呼び出しを記録する。
type recordingCollector struct {
	metrics.NopCollector
	cleaned int64
}

func (c *recordingCollector) RecordBlocksCleaned(count int64) {
	c.cleaned = count
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewCleanupJob_DefaultRetentionDays(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockBlockRepo{}, newTestLogger(&buf), metrics.NopCollector{}, 0)

	if job.RetentionDays != 180 {
		t.Errorf("RetentionDays = %d, want 180", job.RetentionDays)
	}
}

// TestRun_DeletesBlocksEndedBeforeCutoff は保持期間から計算したカットオフで
// 削除が実行されることを検証する。
func TestRun_DeletesBlocksEndedBeforeCutoff(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockBlockRepo{
		deleteEndedBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 12, nil
		},
	}
	collector := &recordingCollector{}

	job := NewCleanupJob(repo, newTestLogger(&buf), collector, 30)
	fixedNow := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return fixedNow }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !repo.called {
		t.Fatal("DeleteEndedBeforeが呼ばれるべき")
	}
	wantCutoff := fixedNow.AddDate(0, 0, -30)
	if !repo.cutoff.Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", repo.cutoff, wantCutoff)
	}
	if collector.cleaned != 12 {
		t.Errorf("RecordBlocksCleaned = %d, want 12", collector.cleaned)
	}
}

// TestRun_NoMatchingBlocksIsNotAnError は削除対象ゼロ件でも成功することを検証する。
func TestRun_NoMatchingBlocksIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockBlockRepo{
		deleteEndedBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, nil
		},
	}

	job := NewCleanupJob(repo, newTestLogger(&buf), metrics.NopCollector{}, 180)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("削除対象なしでもエラーにならないべき: %v", err)
	}
}

func TestRun_RepositoryErrorIsWrapped(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockBlockRepo{
		deleteEndedBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, errors.New("db connection lost")
		},
	}

	job := NewCleanupJob(repo, newTestLogger(&buf), metrics.NopCollector{}, 180)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("リポジトリエラーは返されるべき")
	}
}

func TestSchedule_InvalidCronSpec(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockBlockRepo{}, newTestLogger(&buf), metrics.NopCollector{}, 180)

	if err := job.Schedule(context.Background(), "not a cron spec"); err == nil {
		t.Fatal("不正なcron式はエラーになるべき")
	}
}

func TestSchedule_StopsOnContextCancel(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockBlockRepo{}, newTestLogger(&buf), metrics.NopCollector{}, 180)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- job.Schedule(ctx, "0 4 * * *")
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Schedule returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduleはコンテキストキャンセル後に停止すべき")
	}
}
