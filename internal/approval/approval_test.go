package approval

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-automation/internal/executor"
	"github.com/ksred/klear-automation/internal/testutil"
	"github.com/ksred/klear-automation/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	mu      sync.Mutex
	actions []types.Action
	err     error
}

func (e *recordingExecutor) Execute(_ context.Context, action types.Action) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	if e.err != nil {
		return "", e.err
	}
	return "ORD_" + action.IdempotencyKey(), nil
}

func newTestService(t *testing.T) (*Service, *recordingExecutor, *testutil.Clock) {
	t.Helper()
	db := testutil.NewDB(t, &Approval{})
	clock := testutil.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	exec := &recordingExecutor{}
	return NewService(db, exec, 15*time.Minute).WithClock(clock.Now), exec, clock
}

func submit(t *testing.T, s *Service) *Approval {
	t.Helper()
	a, err := s.Submit(context.Background(), "CLIENT_1", SubmitRequest{
		OrderType: types.OrderRedemption,
		SchemeID:  "SCH_EQ",
		Amount:    decimal.NewNullDecimal(decimal.NewFromInt(250000)),
		Reason:    "above the automated redemption limit",
	})
	require.NoError(t, err)
	return a
}

func TestClaim_SecondOperatorIsRefused(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)

	claimed, err := s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, claimed.Status)
	assert.Equal(t, "OP_ALICE", claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimExpiresAt)

	_, err = s.Claim(ctx, a.ApprovalID, "OP_BOB")
	assert.ErrorIs(t, err, types.ErrAlreadyClaimed)

	_, err = s.Release(ctx, a.ApprovalID, "OP_BOB")
	assert.ErrorIs(t, err, types.ErrNotAuthorized)

	got, err := s.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, "OP_ALICE", got.ClaimedBy, "refused calls leave the claim untouched")
	assert.Equal(t, StatusClaimed, got.Status)
}

func TestRelease_ReturnsToPendingQueue(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)

	_, err := s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	released, err := s.Release(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, released.Status)
	assert.Empty(t, released.ClaimedBy)
	assert.Nil(t, released.ClaimExpiresAt)

	_, err = s.Release(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrNotAuthorized, "nobody holds a pending approval")

	claimed, err := s.Claim(ctx, a.ApprovalID, "OP_BOB")
	require.NoError(t, err)
	assert.Equal(t, "OP_BOB", claimed.ClaimedBy)
}

func TestClaim_ConcurrentOperatorsOnlyOneWins(t *testing.T) {
	s, _, _ := newTestService(t)
	a := submit(t, s)

	operators := []string{"OP_1", "OP_2", "OP_3", "OP_4", "OP_5"}
	errs := make([]error, len(operators))
	var wg sync.WaitGroup
	for i, op := range operators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Claim(context.Background(), a.ApprovalID, op)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, types.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, wins)
}

func TestClaim_LapsedClaimCanBeTakenOver(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)

	_, err := s.Start(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrNotAuthorized, "start requires a claim")

	_, err = s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	_, err = s.Start(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	taken, err := s.Claim(ctx, a.ApprovalID, "OP_BOB")
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, taken.Status)
	assert.Equal(t, "OP_BOB", taken.ClaimedBy)

	_, err = s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrNotAuthorized)
}

func TestAuthorize_PlacesOrderAndCloses(t *testing.T) {
	s, exec, _ := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)

	_, err := s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrNotAuthorized)

	_, err = s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	authorized, err := s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)

	assert.Equal(t, StatusAuthorized, authorized.Status)
	assert.Equal(t, "OP_ALICE", authorized.DecidedBy)
	assert.NotEmpty(t, authorized.OrderID)
	require.Len(t, exec.actions, 1)
	assert.Equal(t, types.AutomationApproval, exec.actions[0].AutomationType)
	assert.True(t, exec.actions[0].Amount.Equal(decimal.NewFromInt(250000)))

	_, err = s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, err = s.Claim(ctx, a.ApprovalID, "OP_BOB")
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "terminal approvals never reopen")
	assert.Len(t, exec.actions, 1)
}

func TestAuthorize_FailedPlacementCanBeRetried(t *testing.T) {
	s, exec, clock := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)
	_, err := s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)

	exec.err = &executor.Error{Kind: executor.KindFailure, Err: errors.New("venue down")}
	_, err = s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	require.Error(t, err)
	assert.Equal(t, executor.KindFailure, executor.KindOf(err))

	got, err := s.Get(ctx, a.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	exec.err = nil
	clock.Advance(24 * time.Hour)
	_, err = s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err, "the lapsed claim is taken again")
	authorized, err := s.Authorize(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, authorized.Status)

	require.Len(t, exec.actions, 2)
	assert.Equal(t, exec.actions[0].IdempotencyKey(), exec.actions[1].IdempotencyKey())
}

func TestReject_RequiresClaimantAndReason(t *testing.T) {
	s, exec, _ := newTestService(t)
	ctx := context.Background()
	a := submit(t, s)
	_, err := s.Claim(ctx, a.ApprovalID, "OP_ALICE")
	require.NoError(t, err)

	_, err = s.Reject(ctx, a.ApprovalID, "OP_ALICE", "")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = s.Reject(ctx, a.ApprovalID, "OP_BOB", "not suitable")
	assert.ErrorIs(t, err, types.ErrNotAuthorized)

	rejected, err := s.Reject(ctx, a.ApprovalID, "OP_ALICE", "not suitable")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "not suitable", rejected.RejectionReason)

	_, err = s.Release(ctx, a.ApprovalID, "OP_ALICE")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Empty(t, exec.actions)
}

func TestProcessor_SweepReleasesLapsedClaims(t *testing.T) {
	s, _, clock := newTestService(t)
	ctx := context.Background()
	lapsed := submit(t, s)
	live := submit(t, s)

	_, err := s.Claim(ctx, lapsed.ApprovalID, "OP_ALICE")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = s.Claim(ctx, live.ApprovalID, "OP_BOB")
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	NewProcessor(s, time.Minute).Sweep(ctx)

	got, err := s.Get(ctx, lapsed.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, got.Status)

	got, err = s.Get(ctx, live.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, got.Status)

	pending, err := s.List(ctx, StatusPendingApproval, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSubmit_Validation(t *testing.T) {
	s, _, _ := newTestService(t)
	amount := decimal.NewNullDecimal(decimal.NewFromInt(100))

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown order type", SubmitRequest{OrderType: "HOLD", SchemeID: "SCH_EQ", Amount: amount}},
		{"missing scheme", SubmitRequest{OrderType: types.OrderPurchase, Amount: amount}},
		{"switch without target", SubmitRequest{OrderType: types.OrderSwitch, SchemeID: "SCH_EQ", Amount: amount}},
		{"neither amount nor units", SubmitRequest{OrderType: types.OrderPurchase, SchemeID: "SCH_EQ"}},
		{"both amount and units", SubmitRequest{OrderType: types.OrderPurchase, SchemeID: "SCH_EQ", Amount: amount, Units: amount}},
		{"negative amount", SubmitRequest{OrderType: types.OrderPurchase, SchemeID: "SCH_EQ", Amount: decimal.NewNullDecimal(decimal.NewFromInt(-1))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), "CLIENT_1", tt.req)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestClaimHandler_RequiresOperator(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, _, _ := newTestService(t)
	a := submit(t, s)
	h := NewGinHandlers(s)

	router := gin.New()
	router.POST("/approvals/:approval_id/claim", func(c *gin.Context) {
		if op := c.GetHeader("X-Operator"); op != "" {
			c.Set("operatorID", op)
		}
	}, h.ClaimHandler())

	claim := func(operator string) int {
		req := httptest.NewRequest(http.MethodPost, "/approvals/"+a.ApprovalID+"/claim", nil)
		if operator != "" {
			req.Header.Set("X-Operator", operator)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, claim(""))
	assert.Equal(t, http.StatusCreated, claim("OP_ALICE"))
	assert.Equal(t, http.StatusConflict, claim("OP_BOB"))
}
