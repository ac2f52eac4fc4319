package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
	"github.com/vizbridge/vizbridge/internal/store/memory"
	"github.com/vizbridge/vizbridge/internal/upstream"
)

// testProfile keeps exchange tests fast; the real profiles only differ in
// their budgets.
var testProfile = exchangeProfile{
	createTimeout: 200 * time.Millisecond,
	postTimeout:   200 * time.Millisecond,
	pollTimeout:   200 * time.Millisecond,
	pollInterval:  5 * time.Millisecond,
	pollAttempts:  3,
}

type listResult struct {
	replies []upstream.Message
	err     error
}

// stubUpstream scripts the three-call contract: each ListReplies consumes one
// queued result, and an empty queue reads as an empty transcript.
type stubUpstream struct {
	mu        sync.Mutex
	createErr error
	postErr   error
	pingErr   error
	results   []listResult
	creates   int
	posts     int
	lists     int
	lastText  string
}

func (s *stubUpstream) CreateConversation(ctx context.Context) (*upstream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &upstream.Session{ConversationID: "conv-test", Token: "tok-test", CreatedAt: time.Now()}, nil
}

func (s *stubUpstream) PostMessage(ctx context.Context, session *upstream.Session, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts++
	s.lastText = text
	return s.postErr
}

func (s *stubUpstream) ListReplies(ctx context.Context, session *upstream.Session) ([]upstream.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if len(s.results) == 0 {
		return nil, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.replies, r.err
}

func (s *stubUpstream) Ping(ctx context.Context) error {
	return s.pingErr
}

func newTestHandler(t *testing.T, client UpstreamClient) *Handler {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(logger, client, st, Options{
		Environment:  "test",
		StoreBackend: "memory",
	})
}

func testData() domain.DataContext {
	return domain.DataContext{
		FileName:    "sales.csv",
		ReportTitle: "Quarterly Sales",
		Columns: []domain.Column{
			{Name: "Region", Kind: domain.ColumnCategory},
			{Name: "Sales", Kind: domain.ColumnMeasure},
		},
		RowCount: 42,
		SampleRows: []map[string]any{
			{"Region": "North", "Sales": 100},
			{"Region": "South", "Sales": 80},
		},
		HasData: true,
	}
}

func TestExchangeSuccess(t *testing.T) {
	stub := &stubUpstream{
		results: []listResult{
			{replies: []upstream.Message{{ID: "m-1", Author: "assistant", Text: "The total is 4821."}}},
		},
	}
	h := newTestHandler(t, stub)

	got, err := h.exchange(context.Background(), stub, "What is the total?", testProfile)
	if err != nil {
		t.Fatalf("exchange returned error: %v", err)
	}
	if got != "The total is 4821." {
		t.Errorf("answer = %q", got)
	}
	if stub.creates != 1 || stub.posts != 1 {
		t.Errorf("creates = %d, posts = %d, want 1 each", stub.creates, stub.posts)
	}
}

func TestExchangeCreateFailureSkipsPost(t *testing.T) {
	stub := &stubUpstream{createErr: errors.New("boom")}
	h := newTestHandler(t, stub)

	_, err := h.exchange(context.Background(), stub, "q", testProfile)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.posts != 0 {
		t.Errorf("posts = %d, want 0 after create failure", stub.posts)
	}
}

func TestExchangePollBudgetExhausted(t *testing.T) {
	stub := &stubUpstream{}
	h := newTestHandler(t, stub)

	_, err := h.exchange(context.Background(), stub, "q", testProfile)
	if !errors.Is(err, upstream.ErrNoReply) {
		t.Fatalf("error = %v, want ErrNoReply", err)
	}
	if stub.lists != testProfile.pollAttempts {
		t.Errorf("lists = %d, want %d", stub.lists, testProfile.pollAttempts)
	}
}

func TestExchangePollErrorConsumesAttempt(t *testing.T) {
	stub := &stubUpstream{
		results: []listResult{
			{err: errors.New("transient")},
			{replies: []upstream.Message{{Author: "assistant", Text: "late answer"}}},
		},
	}
	h := newTestHandler(t, stub)

	got, err := h.exchange(context.Background(), stub, "q", testProfile)
	if err != nil {
		t.Fatalf("exchange returned error: %v", err)
	}
	if got != "late answer" {
		t.Errorf("answer = %q", got)
	}
	if stub.lists != 2 {
		t.Errorf("lists = %d, want 2", stub.lists)
	}
}

func TestExchangeStopsWhenContextEnds(t *testing.T) {
	stub := &stubUpstream{}
	h := newTestHandler(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := testProfile
	slow.pollInterval = time.Second

	_, err := h.exchange(ctx, stub, "q", slow)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestConverseAssistantAnswer(t *testing.T) {
	stub := &stubUpstream{
		results: []listResult{
			{replies: []upstream.Message{{Author: "assistant", Text: "It is 4821."}}},
		},
	}
	h := newTestHandler(t, stub)

	env := h.converse(context.Background(), stub, domain.MethodScript, "What is the total?", testData(), testProfile, 600)

	if env.Method != domain.SourceAssistant {
		t.Errorf("method = %q, want assistant", env.Method)
	}
	if env.Answer != "It is 4821." {
		t.Errorf("answer = %q", env.Answer)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp is zero")
	}
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
}

func TestConverseFallbackOnUpstreamFailure(t *testing.T) {
	stub := &stubUpstream{createErr: errors.New("connection refused")}
	h := newTestHandler(t, stub)

	env := h.converse(context.Background(), stub, domain.MethodScript, "How many sales rows?", testData(), testProfile, 600)

	if env.Method != domain.SourceFallback {
		t.Errorf("method = %q, want fallback", env.Method)
	}
	if !strings.Contains(env.Answer, "42") {
		t.Errorf("fallback answer %q does not contain the row count", env.Answer)
	}
	if !strings.Contains(env.Answer, `"How many sales rows?"`) {
		t.Errorf("fallback answer %q does not quote the question", env.Answer)
	}
}

func TestConverseFallbackSeesOriginalQuestion(t *testing.T) {
	stub := &stubUpstream{createErr: errors.New("boom")}
	h := newTestHandler(t, stub)

	long := "how many " + strings.Repeat("very ", 150) + "long rows are there"
	if len([]rune(long)) <= maxQuestionChars {
		t.Fatalf("test question is not over the truncation limit")
	}

	env := h.converse(context.Background(), stub, domain.MethodScript, long, testData(), testProfile, 600)

	if !strings.Contains(env.Answer, long) {
		t.Error("fallback answer does not reflect the untruncated question")
	}
}

func TestConverseProcessingWhenDeadlineWins(t *testing.T) {
	stub := &stubUpstream{}
	h := newTestHandler(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	stuck := testProfile
	stuck.pollInterval = time.Second

	env := h.converse(ctx, stub, domain.MethodScript, "What is the total?", testData(), stuck, 600)

	if env.Method != domain.SourceProcessing {
		t.Errorf("method = %q, want processing", env.Method)
	}
	if env.Answer != processingAnswer {
		t.Errorf("answer = %q", env.Answer)
	}
}

func TestConverseMissingQuestion(t *testing.T) {
	stub := &stubUpstream{}
	h := newTestHandler(t, stub)

	env := h.converse(context.Background(), stub, domain.MethodScript, "  ", testData(), testProfile, 600)

	if env.Error == "" {
		t.Error("expected error field for a missing question")
	}
	if env.Answer != "" {
		t.Errorf("answer = %q, want empty", env.Answer)
	}
	if stub.creates != 0 {
		t.Errorf("creates = %d, want 0", stub.creates)
	}
}

func TestConverseForwardsDigestUpstream(t *testing.T) {
	stub := &stubUpstream{
		results: []listResult{
			{replies: []upstream.Message{{Author: "assistant", Text: "ok"}}},
		},
	}
	h := newTestHandler(t, stub)

	h.converse(context.Background(), stub, domain.MethodScript, "What is the total?", testData(), testProfile, 600)

	if !strings.HasPrefix(stub.lastText, "What is the total?") {
		t.Errorf("posted text %q does not start with the question", stub.lastText)
	}
	if !strings.Contains(stub.lastText, "Data context:") {
		t.Errorf("posted text %q has no context digest", stub.lastText)
	}
	if !strings.Contains(stub.lastText, "42 rows") {
		t.Errorf("posted text %q does not mention the row count", stub.lastText)
	}
}

func TestTruncateForUpstream(t *testing.T) {
	question := strings.Repeat("x", 620)

	cols := make([]domain.Column, 25)
	for i := range cols {
		cols[i] = domain.Column{Name: "c", Kind: domain.ColumnMeasure}
	}
	rows := make([]map[string]any, 8)
	for i := range rows {
		rows[i] = map[string]any{"c": i}
	}
	data := domain.DataContext{Columns: cols, RowCount: 8, SampleRows: rows, HasData: true}

	gotQ, gotData := truncateForUpstream(question, data)

	if len([]rune(gotQ)) != maxQuestionChars {
		t.Errorf("question length = %d, want %d", len([]rune(gotQ)), maxQuestionChars)
	}
	if len(gotData.Columns) != maxColumns {
		t.Errorf("columns = %d, want %d", len(gotData.Columns), maxColumns)
	}
	if len(gotData.SampleRows) != maxSampleRows {
		t.Errorf("sample rows = %d, want %d", len(gotData.SampleRows), maxSampleRows)
	}

	// The caller's context is untouched.
	if len(data.Columns) != 25 || len(data.SampleRows) != 8 {
		t.Error("truncation modified the caller's data context")
	}
}

func TestContextDigest(t *testing.T) {
	got := contextDigest(testData())

	for _, want := range []string{"Quarterly Sales", "sales.csv", "42 rows", "Region (category)", "Sales (measure)", "Region=North"} {
		if !strings.Contains(got, want) {
			t.Errorf("digest %q missing %q", got, want)
		}
	}

	if got := contextDigest(domain.DataContext{}); got != "" {
		t.Errorf("digest for empty context = %q, want empty", got)
	}
}

func TestComposeMessageRespectsBudget(t *testing.T) {
	h := newTestHandler(t, &stubUpstream{})

	wide := testData()
	for i := 0; i < 50; i++ {
		wide.SampleRows = append(wide.SampleRows, map[string]any{"Region": "Zone" + strings.Repeat("x", 30), "Sales": i})
	}

	full := h.composeMessage("q", wide, 100000)
	trimmed := h.composeMessage("q", wide, 10)

	if len(trimmed) >= len(full) {
		t.Errorf("trimmed length %d not below full length %d", len(trimmed), len(full))
	}
	if !strings.HasPrefix(trimmed, "q") {
		t.Errorf("message %q does not start with the question", trimmed)
	}
}
