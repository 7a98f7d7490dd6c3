package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// runStoreSuite checks CampaignStore behaviour shared by every driver.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) CampaignStore) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ClaimInsertionOrder", func(t *testing.T) { testClaimInsertionOrder(t, newStore(t)) })
	t.Run("ConcurrentClaimsDisjoint", func(t *testing.T) { testConcurrentClaimsDisjoint(t, newStore(t)) })
	t.Run("RecordOutcomeIdempotent", func(t *testing.T) { testRecordOutcomeIdempotent(t, newStore(t)) })
	t.Run("RetryAndRequeue", func(t *testing.T) { testRetryAndRequeue(t, newStore(t)) })
	t.Run("TransitionCompareAndSet", func(t *testing.T) { testTransitionCompareAndSet(t, newStore(t)) })
	t.Run("ReleaseStaleClaims", func(t *testing.T) { testReleaseStaleClaims(t, newStore(t)) })
	t.Run("ReleaseStaleClaimsOfCancelledCampaign", func(t *testing.T) { testReleaseStaleClaimsCancelled(t, newStore(t)) })
	t.Run("ProgressConsistentDuringOutcomes", func(t *testing.T) { testProgressConsistentDuringOutcomes(t, newStore(t)) })
	t.Run("CancelPendingAndProgress", func(t *testing.T) { testCancelPendingAndProgress(t, newStore(t)) })
	t.Run("ReplacePending", func(t *testing.T) { testReplacePending(t, newStore(t)) })
	t.Run("Receipts", func(t *testing.T) { testReceipts(t, newStore(t)) })
	t.Run("RecountMatchesCounters", func(t *testing.T) { testRecount(t, newStore(t)) })
	t.Run("ListAndDelete", func(t *testing.T) { testListAndDelete(t, newStore(t)) })
}

func recipients(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{
			ContactID: int64(i + 1),
			Address:   "+2010000000" + string(rune('0'+i%10)) + string(rune('0'+i/10)),
			Variables: map[string]string{"first_name": "c"},
		}
	}
	return out
}

func newCampaign(t *testing.T, s CampaignStore, status model.CampaignStatus, n int) *model.Campaign {
	t.Helper()
	c := &model.Campaign{
		TenantID:  "tenant-a",
		Name:      "promo",
		Provider:  "sandbox",
		Kind:      model.MessageKindText,
		Content:   model.Payload{Text: "hi {first_name}"},
		Targeting: model.TargetingRule{Type: model.TargetAll},
		Pacing:    model.Pacing{BatchSize: 2, MaxAttempts: 2},
		Status:    status,
	}
	require.NoError(t, s.CreateCampaign(context.Background(), c, recipients(n)))
	require.NotZero(t, c.ID)
	return c
}

func testCreateAndGet(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusDraft, 3)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalRecipients)
	assert.Equal(t, "hi {first_name}", got.Content.Text)
	assert.Equal(t, 2, got.Pacing.BatchSize)
	assert.Equal(t, model.CampaignStatusDraft, got.Status)

	_, err = s.GetCampaign(ctx, c.ID+1000)
	assert.True(t, appErrors.IsNotFound(err))

	rows, total, err := s.ListRecipients(ctx, model.RecipientFilter{CampaignID: c.ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, rows, 3)
	assert.Equal(t, "c", rows[0].Variables["first_name"])
	assert.Equal(t, model.RecipientStatusPending, rows[0].Status)
}

func testClaimInsertionOrder(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 5)
	now := time.Now().UTC()

	first, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Less(t, first[0].ID, first[1].ID)
	assert.Equal(t, 1, first[0].Attempts)
	assert.Equal(t, model.RecipientStatusSending, first[0].Status)

	second, err := s.ClaimPendingBatch(ctx, c.ID, 10, "run-1", now)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Greater(t, second[0].ID, first[1].ID)

	empty, err := s.ClaimPendingBatch(ctx, c.ID, 10, "run-1", now)
	require.NoError(t, err)
	assert.Empty(t, empty)

	n, err := s.CountInFlight(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func testConcurrentClaimsDisjoint(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 40)

	var mu sync.Mutex
	seen := make(map[int64]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimPendingBatch(ctx, c.ID, 3, "run", time.Now().UTC())
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, r := range batch {
					seen[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %d claimed more than once", id)
	}
}

func testRecordOutcomeIdempotent(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 2)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", time.Now().UTC())
	require.NoError(t, err)

	ok, err := s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "wamid.1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "wamid.1"})
	require.NoError(t, err)
	assert.False(t, ok, "second outcome on a sent row is a no-op")

	ok, err = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionFailed, Error: "late"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RecordOutcome(ctx, batch[1].ID, model.Outcome{Resolution: model.ResolutionFailed, Error: "blocked"})
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Sent)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 0, p.Pending)
	assert.Equal(t, p.TotalRecipients, p.Sent+p.Failed+p.Pending+p.Cancelled)
}

func testRetryAndRequeue(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 2)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", time.Now().UTC())
	require.NoError(t, err)

	_, err = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionRetry, Error: "rate limited"})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, batch[1].ID, model.Outcome{Resolution: model.ResolutionRequeue, Error: "session down"})
	require.NoError(t, err)

	again, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, 2, again[0].Attempts, "retry keeps the consumed attempt")
	assert.Equal(t, 1, again[1].Attempts, "requeue refunds the attempt")
	assert.Equal(t, "rate limited", again[0].LastError)
}

func testTransitionCompareAndSet(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusQueued, 1)
	now := time.Now().UTC()

	got, err := s.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusQueued}, model.CampaignStatusSending, now, "")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, got.Status)
	require.NotNil(t, got.StartedAt)

	_, err = s.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusQueued}, model.CampaignStatusSending, now, "")
	assert.True(t, appErrors.IsInvalidTransition(err))

	got, err = s.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusFailed, now, "gateway down")
	require.NoError(t, err)
	assert.Equal(t, "gateway down", got.FailureReason)
	assert.NotNil(t, got.CompletedAt)

	_, err = s.TransitionStatus(ctx, c.ID+999, []model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusPaused, now, "")
	assert.True(t, appErrors.IsNotFound(err))
}

func testReleaseStaleClaims(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 3)
	old := time.Now().UTC().Add(-time.Hour)

	batch, err := s.ClaimPendingBatch(ctx, c.ID, 3, "crashed-run", old)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	// put row 3 on its final attempt (max_attempts = 2)
	_, err = s.RecordOutcome(ctx, batch[2].ID, model.Outcome{Resolution: model.ResolutionRetry})
	require.NoError(t, err)
	_, err = s.ClaimPendingBatch(ctx, c.ID, 1, "crashed-run", old)
	require.NoError(t, err)

	n, err := s.ReleaseStaleClaims(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	p, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.InFlight)
	assert.Equal(t, 2, p.Pending)
	assert.Equal(t, 1, p.Failed)

	n, err = s.ReleaseStaleClaims(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testReleaseStaleClaimsCancelled(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	now := time.Now().UTC()
	c := newCampaign(t, s, model.CampaignStatusSending, 3)

	batch, err := s.ClaimPendingBatch(ctx, c.ID, 2, "crashed-run", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, batch, 2)

	_, err = s.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusCancelled, now, "")
	require.NoError(t, err)
	n, err := s.CancelPending(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ReleaseStaleClaims(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Cancelled, "abandoned claims of a cancelled campaign end cancelled")
	assert.Zero(t, p.Pending)
	assert.Zero(t, p.InFlight)
	assert.Zero(t, p.Failed)
}

func testProgressConsistentDuringOutcomes(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 40)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 40, "run-1", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, batch, 40)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, r := range batch {
			res := model.ResolutionSent
			if i%3 == 0 {
				res = model.ResolutionFailed
			}
			_, _ = s.RecordOutcome(ctx, r.ID, model.Outcome{Resolution: res, At: time.Now().UTC()})
		}
	}()

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		p, err := s.GetProgress(ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, p.TotalRecipients, p.Sent+p.Failed+p.Pending+p.Cancelled,
			"sent=%d failed=%d pending=%d", p.Sent, p.Failed, p.Pending)
	}

	p, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 26, p.Sent)
	assert.Equal(t, 14, p.Failed)
	assert.Zero(t, p.InFlight)
}

func testCancelPendingAndProgress(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 5)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", time.Now().UTC())
	require.NoError(t, err)

	n, err := s.CancelPending(ctx, c.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, r := range batch {
		ok, err := s.RecordOutcome(ctx, r.ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "m"})
		require.NoError(t, err)
		assert.True(t, ok, "in-flight rows keep their real outcome")
	}

	p, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Sent)
	assert.Equal(t, 3, p.Cancelled)
	assert.Equal(t, 0, p.Pending)
	assert.Equal(t, p.TotalRecipients, p.Sent+p.Failed+p.Pending+p.Cancelled)
}

func testReplacePending(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 3)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 1, "run-1", time.Now().UTC())
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "m"})
	require.NoError(t, err)

	_, err = s.ReplacePending(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusPaused}, nil)
	assert.True(t, appErrors.IsInvalidTransition(err))

	_, err = s.TransitionStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusSending}, model.CampaignStatusPaused, time.Now().UTC(), "")
	require.NoError(t, err)

	fresh := []model.Recipient{
		recipients(1)[0], // already sent, skipped
		{ContactID: 50, Address: "+201999999901"},
		{ContactID: 51, Address: "+201999999902"},
		{ContactID: 52, Address: "+201999999903"},
	}
	got, err := s.ReplacePending(ctx, c.ID, []model.CampaignStatus{model.CampaignStatusPaused}, fresh)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalRecipients)

	pending, total, err := s.ListRecipients(ctx, model.RecipientFilter{CampaignID: c.ID, Status: model.RecipientStatusPending, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, int64(50), pending[0].ContactID)

	sent, _, err := s.ListRecipients(ctx, model.RecipientFilter{CampaignID: c.ID, Status: model.RecipientStatusSent, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, sent, 1, "history survives retarget")
}

func testReceipts(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 2)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 2, "run-1", time.Now().UTC())
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "wamid.A"})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, batch[1].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "wamid.B"})
	require.NoError(t, err)
	now := time.Now().UTC()

	ok, err := s.RecordReceipt(ctx, "wamid.A", model.ReceiptDelivered, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.RecordReceipt(ctx, "wamid.A", model.ReceiptDelivered, now)
	assert.False(t, ok, "duplicate receipt")
	ok, _ = s.RecordReceipt(ctx, "wamid.A", model.ReceiptRead, now)
	assert.True(t, ok)
	ok, _ = s.RecordReceipt(ctx, "wamid.A", model.ReceiptDelivered, now)
	assert.False(t, ok, "receipts never move a row backwards")

	ok, _ = s.RecordReceipt(ctx, "wamid.B", model.ReceiptRead, now)
	assert.True(t, ok, "read implies delivered")

	ok, err = s.RecordReceipt(ctx, "wamid.unknown", model.ReceiptRead, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SentCount)
	assert.Equal(t, 2, got.DeliveredCount)
	assert.Equal(t, 2, got.ReadCount)
}

func testRecount(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	c := newCampaign(t, s, model.CampaignStatusSending, 4)
	batch, err := s.ClaimPendingBatch(ctx, c.ID, 3, "run-1", time.Now().UTC())
	require.NoError(t, err)
	_, _ = s.RecordOutcome(ctx, batch[0].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "x1"})
	_, _ = s.RecordOutcome(ctx, batch[1].ID, model.Outcome{Resolution: model.ResolutionFailed, Error: "bad"})
	_, _ = s.RecordOutcome(ctx, batch[2].ID, model.Outcome{Resolution: model.ResolutionSent, ProviderMessageID: "x3"})
	_, _ = s.RecordReceipt(ctx, "x3", model.ReceiptRead, time.Now().UTC())

	before, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	after, err := s.Recount(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, before.TotalRecipients, after.TotalRecipients)
	assert.Equal(t, before.SentCount, after.SentCount)
	assert.Equal(t, before.FailedCount, after.FailedCount)
	assert.Equal(t, before.DeliveredCount, after.DeliveredCount)
	assert.Equal(t, before.ReadCount, after.ReadCount)
}

func testListAndDelete(t *testing.T, s CampaignStore) {
	ctx := context.Background()
	draft := newCampaign(t, s, model.CampaignStatusDraft, 1)
	sched := newCampaign(t, s, model.CampaignStatusScheduled, 1)

	list, total, err := s.ListCampaigns(ctx, model.CampaignFilter{TenantID: "tenant-a", Status: model.CampaignStatusScheduled, Limit: 10})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 1)
	for _, c := range list {
		assert.Equal(t, model.CampaignStatusScheduled, c.Status)
	}

	err = s.DeleteCampaign(ctx, sched.ID, []model.CampaignStatus{model.CampaignStatusDraft})
	assert.True(t, appErrors.IsInvalidTransition(err))

	require.NoError(t, s.DeleteCampaign(ctx, draft.ID, []model.CampaignStatus{model.CampaignStatusDraft}))
	_, err = s.GetCampaign(ctx, draft.ID)
	assert.True(t, appErrors.IsNotFound(err))
}
