package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:      rate.Limit(2),
		GeneralBurst:     3,
		BlockCreateRate:  rate.Limit(0.5),
		BlockCreateBurst: 2,
		CleanupInterval:  time.Hour, // テスト中にクリーンアップが走らないよう長めに
	}
}

func authedRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/blocks", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	config := DefaultRateLimiterConfig()

	if config.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", config.GeneralBurst)
	}
	if config.BlockCreateBurst != 30 {
		t.Errorf("BlockCreateBurst = %d, want 30", config.BlockCreateBurst)
	}
}

// TestGeneralMiddleware_AllowsWithinBurst はバースト内のリクエストが通ることを検証する。
func TestGeneralMiddleware_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest("u-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, w.Result().StatusCode, http.StatusOK)
		}
	}
}

// TestGeneralMiddleware_RejectsOverBurst はバースト超過で429が返ることを検証する。
func TestGeneralMiddleware_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest("u-1"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest("u-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", resp.Header.Get("Retry-After"))
	}
}

// TestGeneralMiddleware_PerUserIsolation はユーザーごとに独立した
// バケットが使われることを検証する。
func TestGeneralMiddleware_PerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	// u-1のバーストを使い切る
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest("u-1"))
	}

	// u-2は影響を受けない
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest("u-2"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("他ユーザーの超過に巻き込まれるべきではない: status = %d", w.Result().StatusCode)
	}
}

func TestGeneralMiddleware_UnauthenticatedRejected(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/blocks", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestBlockCreationMiddleware_IndependentFromGeneral はブロック作成の制限が
// API全般の制限と独立に動作することを検証する。
func TestBlockCreationMiddleware_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	createHandler := rl.BlockCreationMiddleware()(okHandler())
	generalHandler := rl.GeneralMiddleware()(okHandler())

	// ブロック作成のバースト(2)を使い切る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		createHandler.ServeHTTP(w, authedRequest("u-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("create %d: status = %d, want %d", i+1, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目のブロック作成は429
	w := httptest.NewRecorder()
	createHandler.ServeHTTP(w, authedRequest("u-1"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}

	// API全般のバケットは消費されていない
	w = httptest.NewRecorder()
	generalHandler.ServeHTTP(w, authedRequest("u-1"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("一般APIはブロック作成の超過に影響されるべきではない: status = %d", w.Result().StatusCode)
	}
}

func TestRateLimiter_LimiterCounts(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	generalHandler := rl.GeneralMiddleware()(okHandler())
	createHandler := rl.BlockCreationMiddleware()(okHandler())

	generalHandler.ServeHTTP(httptest.NewRecorder(), authedRequest("u-1"))
	generalHandler.ServeHTTP(httptest.NewRecorder(), authedRequest("u-2"))
	createHandler.ServeHTTP(httptest.NewRecorder(), authedRequest("u-1"))

	if got := rl.GeneralLimiterCount(); got != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", got)
	}
	if got := rl.BlockCreateLimiterCount(); got != 1 {
		t.Errorf("BlockCreateLimiterCount = %d, want 1", got)
	}
}

// TestRateLimiter_CleanupRemovesStaleEntries はクリーンアップが
// 最終アクセスの古いエントリを削除することを検証する。
func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	config := testRateLimiterConfig()
	config.CleanupInterval = 10 * time.Millisecond
	rl := NewRateLimiter(config)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), authedRequest("u-1"))

	// lastAccessを過去へずらし、クリーンアップを直接実行する
	rl.generalMu.Lock()
	for _, ul := range rl.generalLimiters {
		ul.lastAccess = time.Now().Add(-time.Hour)
	}
	rl.generalMu.Unlock()

	rl.cleanup()

	if got := rl.GeneralLimiterCount(); got != 0 {
		t.Errorf("GeneralLimiterCount = %d, want 0 after cleanup", got)
	}
}
