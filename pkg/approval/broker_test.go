package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/intent"
	"foreman/pkg/planner"
	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

type sent struct {
	target, text string
}

type fakeIO struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (f *fakeIO) Send(_, targetID, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[targetID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{targetID, text})
	return nil
}

func (f *fakeIO) Capture(string, string, int) (terminal.Capture, error) {
	return terminal.Capture{}, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	types []protocol.EventType
}

func (r *fakeRecorder) Record(_ context.Context, _ string, typ protocol.EventType, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

type fakeReplanner struct {
	calls  int
	result planner.Replan
}

func (f *fakeReplanner) RequestReplan(_ context.Context, _, workerID, instruction string) planner.Replan {
	f.calls++
	return f.result
}

var (
	threeChoice = []string{"run rm -rf build?", "1. yes", "2. yes and don't ask again", "3. no, and tell codex what to do"}
	suggestion  = []string{"Scaffold is in place.", "If you want, I can continue with the API layer."}
)

type harness struct {
	io     *fakeIO
	rec    *fakeRecorder
	replan *fakeReplanner
	b      *Broker
	sess   *protocol.Session
	now    time.Time
}

func newHarness() *harness {
	h := &harness{
		io:     &fakeIO{fail: map[string]error{}},
		rec:    &fakeRecorder{},
		replan: &fakeReplanner{},
		now:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h.b = New(h.io, h.rec, h.replan, nil)
	h.b.nowFunc = func() time.Time { return h.now }
	n := 0
	h.b.newID = func() string { n++; return fmt.Sprintf("ap-%d", n) }

	h.sess = protocol.NewSession("s1", "obj", "/w", 2, h.now)
	h.sess.Supervisor = protocol.Target{ID: protocol.SupervisorID, Role: protocol.RoleSupervisor, Status: protocol.TargetRunning}
	for i := 1; i <= 2; i++ {
		h.sess.Workers = append(h.sess.Workers, protocol.Target{ID: protocol.WorkerID(i), Role: protocol.RoleWorker, Status: protocol.TargetRunning})
	}
	return h
}

func (h *harness) scan(target string, lines []string) bool {
	return h.b.Scan(context.Background(), h.sess, map[string][]string{target: lines})
}

func TestScan_CreatesApprovalOnce(t *testing.T) {
	h := newHarness()

	require.True(t, h.scan("worker-1", threeChoice))
	require.Len(t, h.sess.Approvals, 1)
	a := h.sess.Approvals[0]
	assert.Equal(t, "ap-1", a.ID)
	assert.Equal(t, protocol.KindThreeChoice, a.Kind)
	assert.Equal(t, []int{1, 2, 3}, a.Options)
	assert.Equal(t, protocol.TargetWaitingUserInput, h.sess.Target("worker-1").Status)

	assert.False(t, h.scan("worker-1", threeChoice), "pending duplicate must be a no-op")
	assert.Len(t, h.sess.Approvals, 1)
	assert.Empty(t, h.io.sent)
	assert.Equal(t, []protocol.EventType{protocol.EventApprovalCreated}, h.rec.types)
}

func TestScan_NoHitAndMissingCapture(t *testing.T) {
	h := newHarness()
	assert.False(t, h.scan("worker-1", []string{"go test ./...", "ok"}))
	assert.False(t, h.b.Scan(context.Background(), h.sess, map[string][]string{}))
	assert.Empty(t, h.sess.Approvals)
}

func TestScan_SupervisorSuggestionAutoContinues(t *testing.T) {
	h := newHarness()

	require.True(t, h.scan(protocol.SupervisorID, suggestion))
	assert.Empty(t, h.sess.Approvals, "auto-continue never creates an approval")
	require.Len(t, h.io.sent, 1)
	assert.Equal(t, sent{protocol.SupervisorID, ContinueInstruction}, h.io.sent[0])
	assert.Equal(t, 1, h.sess.AutoContinue.Len())
	assert.Equal(t, []protocol.EventType{protocol.EventAutoContinued}, h.rec.types)

	h.now = h.now.Add(30 * time.Second)
	assert.False(t, h.scan(protocol.SupervisorID, suggestion), "still within rearm window")
	assert.Len(t, h.io.sent, 1)

	h.now = h.now.Add(RearmWindow)
	assert.True(t, h.scan(protocol.SupervisorID, suggestion))
	assert.Len(t, h.io.sent, 2)
}

func TestScan_AutoContinueFailure(t *testing.T) {
	h := newHarness()
	h.io.fail[protocol.SupervisorID] = errors.New("pane closed")

	assert.True(t, h.scan(protocol.SupervisorID, suggestion))
	assert.Zero(t, h.sess.AutoContinue.Len())
	assert.Equal(t, []protocol.EventType{protocol.EventAutoContinueFailed}, h.rec.types)
}

func TestScan_WorkerSuggestionQueuesByDefault(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-2", suggestion))
	require.Len(t, h.sess.Approvals, 1)
	assert.Equal(t, protocol.KindContinueSuggestion, h.sess.Approvals[0].Kind)
	assert.Empty(t, h.io.sent)

	t.Run("worker policy auto-continue", func(t *testing.T) {
		h := newHarness()
		h.sess.Policy.Worker = protocol.PolicyAutoContinue
		require.True(t, h.scan("worker-2", suggestion))
		assert.Empty(t, h.sess.Approvals)
		assert.Len(t, h.io.sent, 1)
	})
}

func TestScan_ResolvedApprovalRearms(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-1", suggestion))
	_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
	require.NoError(t, err)

	h.now = h.now.Add(RearmWindow - time.Second)
	assert.False(t, h.scan("worker-1", suggestion))
	assert.Len(t, h.sess.Approvals, 1)

	h.now = h.now.Add(2 * time.Second)
	assert.True(t, h.scan("worker-1", suggestion))
	assert.Len(t, h.sess.Approvals, 2)
}

func TestScan_DontAskRuleAutoResolves(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-1", threeChoice))
	_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 2, "")
	require.NoError(t, err)
	require.Len(t, h.sess.DontAsk, 1)
	h.io.sent = nil

	h.now = h.now.Add(2 * RearmWindow)
	assert.True(t, h.scan("worker-1", threeChoice))
	assert.Len(t, h.sess.Approvals, 1, "rule answers without a new approval")
	require.Len(t, h.io.sent, 1)
	assert.Equal(t, sent{"worker-1", "2"}, h.io.sent[0])
	assert.Contains(t, h.rec.types, protocol.EventApprovalAutoResolved)

	assert.False(t, h.scan("worker-1", threeChoice), "answered prompt still on screen is not answered again")
	assert.Len(t, h.io.sent, 1)
}

func TestScan_SweepsStalePendingSupervisorSuggestions(t *testing.T) {
	h := newHarness()
	h.sess.Policy.Supervisor = protocol.PolicyQueue
	require.True(t, h.scan(protocol.SupervisorID, suggestion))
	require.Len(t, h.sess.Approvals, 1)

	h.sess.Policy.Supervisor = protocol.PolicyAutoContinue
	require.True(t, h.b.Scan(context.Background(), h.sess, nil))

	a := h.sess.Approvals[0]
	assert.Equal(t, protocol.ApprovalResolved, a.Status)
	assert.Equal(t, 1, a.Choice)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, protocol.TargetRunning, h.sess.Supervisor.Status)
	assert.Equal(t, []sent{{protocol.SupervisorID, ContinueInstruction}}, h.io.sent)
}

func TestResolve_Validation(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-1", threeChoice))

	tests := []struct {
		name        string
		id          string
		choice      int
		instruction string
		want        string
	}{
		{"unknown id", "nope", 1, "", "unknown approval"},
		{"bad choice", "ap-1", 4, "", "choice must be"},
		{"choice 3 without text", "ap-1", 3, "   ", "requires an alternative instruction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.b.Resolve(context.Background(), h.sess, tt.id, tt.choice, tt.instruction)
			var ae *protocol.ApprovalError
			require.True(t, errors.As(err, &ae), "got %v", err)
			assert.Contains(t, ae.Reason, tt.want)
		})
	}
	assert.Equal(t, protocol.ApprovalPending, h.sess.Approvals[0].Status)

	t.Run("dangling target", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.scan("worker-2", threeChoice))
		h.sess.Workers = h.sess.Workers[:1]
		_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
		assert.ErrorContains(t, err, "no longer exists")
	})

	t.Run("already resolved", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.scan("worker-1", threeChoice))
		_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
		require.NoError(t, err)
		_, err = h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
		assert.ErrorContains(t, err, "already resolved")
	})

	t.Run("send failure leaves approval pending", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.scan("worker-1", threeChoice))
		h.io.fail["worker-1"] = errors.New("gone")
		_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
		assert.ErrorContains(t, err, "gone")
		assert.Equal(t, protocol.ApprovalPending, h.sess.Approvals[0].Status)
		assert.Equal(t, protocol.TargetWaitingUserInput, h.sess.Target("worker-1").Status)
	})
}

func TestResolve_ChoiceSendsNumber(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-1", threeChoice))

	res, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 1, "")
	require.NoError(t, err)
	assert.Nil(t, res.Replan)
	assert.Equal(t, []sent{{"worker-1", "1"}}, h.io.sent)
	a := h.sess.Approvals[0]
	assert.Equal(t, protocol.ApprovalResolved, a.Status)
	assert.Equal(t, 1, a.Choice)
	assert.Equal(t, protocol.TargetRunning, h.sess.Target("worker-1").Status)
	assert.Contains(t, h.rec.types, protocol.EventApprovalResolved)
}

func TestResolve_ContinueSuggestionChoices(t *testing.T) {
	t.Run("choice 2 adds note and rule", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.scan("worker-1", suggestion))
		_, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 2, "")
		require.NoError(t, err)
		require.Len(t, h.io.sent, 1)
		assert.True(t, strings.HasPrefix(h.io.sent[0].text, ContinueInstruction))
		assert.Contains(t, h.io.sent[0].text, "continue automatically")
		require.Len(t, h.sess.DontAsk, 1)
		assert.Equal(t, protocol.KindContinueSuggestion, h.sess.DontAsk[0].Kind)
	})

	t.Run("choice 3 routes to supervisor", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.scan("worker-1", suggestion))
		res, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 3, "write tests first")
		require.NoError(t, err)
		require.Len(t, h.io.sent, 1)
		assert.Equal(t, protocol.SupervisorID, h.io.sent[0].target)
		assert.Contains(t, h.io.sent[0].text, "New user requirement: write tests first")
		assert.Contains(t, h.io.sent[0].text, "Quote from the window: If you want")
		require.NotNil(t, res.Replan)
		assert.Equal(t, planner.ModeManualDispatch, res.Replan.Mode)
		assert.Zero(t, h.replan.calls)
		assert.Equal(t, planner.ModeManualDispatch, h.sess.Approvals[0].Resolution)
	})

	t.Run("choice 3 on the supervisor adjusts directly", func(t *testing.T) {
		h := newHarness()
		h.sess.Policy.Supervisor = protocol.PolicyQueue
		require.True(t, h.scan(protocol.SupervisorID, suggestion))
		res, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 3, "stop refactoring")
		require.NoError(t, err)
		require.Len(t, h.io.sent, 1)
		assert.Contains(t, h.io.sent[0].text, "rejected the current path of supervisor")
		assert.Equal(t, planner.ModeDirectInstruction, res.Replan.Mode)
	})
}

func TestResolve_RejectRunsReplanAndForwards(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-2", threeChoice))
	h.replan.result = planner.Replan{
		OK:       true,
		Mode:     planner.ModeReplan,
		Dispatch: intent.Dispatch{WorkerID: "worker-2", Instruction: "Use sqlite instead of postgres"},
	}

	res, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 3, "no postgres")
	require.NoError(t, err)
	assert.Equal(t, 1, h.replan.calls)
	require.NotNil(t, res.Replan)
	assert.True(t, res.Replan.OK)
	assert.Equal(t, []sent{
		{"worker-2", "3"},
		{"worker-2", "Use sqlite instead of postgres"},
	}, h.io.sent)
	assert.True(t, h.sess.DispatchKeys.Has(protocol.DispatchKey("worker-2", "Use sqlite instead of postgres")))
}

func TestResolve_RejectReplanFailureStillResolves(t *testing.T) {
	h := newHarness()
	require.True(t, h.scan("worker-1", threeChoice))
	h.replan.result = planner.Replan{Mode: planner.ModeReplan, Error: "timed out"}

	res, err := h.b.Resolve(context.Background(), h.sess, "ap-1", 3, "different approach")
	require.NoError(t, err)
	assert.False(t, res.Replan.OK)
	assert.Equal(t, protocol.ApprovalResolved, h.sess.Approvals[0].Status)
	assert.Equal(t, []sent{{"worker-1", "3"}}, h.io.sent)
}

func TestContinueRoutingPromptTruncatesQuote(t *testing.T) {
	p := ContinueRoutingPrompt("worker-1", "x", strings.Repeat("a", 500))
	assert.Contains(t, p, strings.Repeat("a", sourceQuoteLimit))
	assert.NotContains(t, p, strings.Repeat("a", sourceQuoteLimit+1))
	d, ok := intent.ExtractDispatch(p)
	require.True(t, ok)
	assert.NotEmpty(t, intent.PlaceholderReason(d.Instruction))
}
