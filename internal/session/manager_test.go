package session_test

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

func TestEndToEndAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, created, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, meta.ID)

	// Before any authorization the platform requires auth.
	_, err = e.Manager.GetValidToken(ctx, meta.ID, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)

	authURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "test-client", q.Get("client_id"))
	assert.Equal(t, testCallbackURL, q.Get("redirect_uri"))
	assert.Equal(t, "openid fhirUser", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "https://fhir.test.example.com/r4", q.Get("aud"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	sid, pid, err := e.Manager.HandleCallback(ctx, q.Get("state"), "code123")
	require.NoError(t, err)
	assert.Equal(t, meta.ID, sid)
	assert.Equal(t, testPlatformID, pid)

	rec, err := e.Manager.GetValidToken(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.AccessToken)
	assert.Equal(t, []string{"openid", "fhirUser"}, rec.Scopes)
	assert.Equal(t, int32(1), e.Platform.Exchanges.Load())
	assert.Equal(t, int32(0), e.Platform.Refreshes.Load())

	// Push the token into the refresh window: the next call refreshes once.
	e.expireToken(t, meta.ID)

	rec, err = e.Manager.GetValidToken(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)
	assert.Equal(t, "A2", rec.AccessToken)
	assert.Equal(t, "R2", rec.RefreshToken)
	assert.Equal(t, int32(1), e.Platform.Refreshes.Load())

	// The refreshed token serves subsequent calls without further grants.
	rec, err = e.Manager.GetValidToken(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)
	assert.Equal(t, "A2", rec.AccessToken)
	assert.Equal(t, int32(1), e.Platform.Refreshes.Load())
}

func TestGetValidTokenSingleFlight(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)
	e.expireToken(t, sid)

	// Hold the refresh long enough that every caller piles onto it.
	e.Platform.SetRefreshDelay(200 * time.Millisecond)

	const callers = 32
	tokens := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
			tokens[i], errs[i] = rec.AccessToken, err
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "A2", tokens[i])
	}
	assert.Equal(t, int32(1), e.Platform.Refreshes.Load(), "expected exactly one upstream refresh")
}

func TestGetValidTokenUnknownPlatform(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	_, err := e.Manager.GetValidToken(t.Context(), sid, "nosuch")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestGetValidTokenUnknownSession(t *testing.T) {
	e := newEnv(t)

	_, err := e.Manager.GetValidToken(t.Context(), "nosuch", testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)
}

func TestGetValidTokenInvalidRefreshToken(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)
	e.expireToken(t, sid)
	e.Platform.SetRefreshError("invalid_grant")

	_, err := e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)

	// The record is gone: recovery from upstream does not bring it back.
	e.Platform.SetRefreshError("")
	_, err = e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)
	assert.Equal(t, int32(0), e.Platform.Refreshes.Load())
}

func TestGetValidTokenUpstreamUnavailable(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)
	e.expireToken(t, sid)
	e.Platform.SetRefreshError("unavailable")

	_, err := e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, serviceerr.ErrAuthRequired)

	// The record survived the outage and refreshes once upstream recovers.
	e.Platform.SetRefreshError("")
	rec, err := e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
	require.NoError(t, err)
	assert.Equal(t, "A2", rec.AccessToken)
}

func TestStartAuthReplacesPriorAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)

	firstURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)
	secondURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	firstState := stateFromAuthURL(t, firstURL)
	secondState := stateFromAuthURL(t, secondURL)
	require.NotEqual(t, firstState, secondState)

	// The superseded attempt's state no longer validates.
	_, _, err = e.Manager.HandleCallback(ctx, firstState, "code123")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidCallbackState)

	_, _, err = e.Manager.HandleCallback(ctx, secondState, "code123")
	assert.NoError(t, err)
}

func TestHandleCallbackUnknownState(t *testing.T) {
	e := newEnv(t)

	_, _, err := e.Manager.HandleCallback(t.Context(), "never-issued", "code123")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidCallbackState)
}

func TestHandleCallbackExpiredAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	authURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	e.Manager.SetNowFunc(func() time.Time {
		return time.Now().Add(e.Config.PendingAuthTTL + time.Minute)
	})

	_, _, err = e.Manager.HandleCallback(ctx, stateFromAuthURL(t, authURL), "code123")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidCallbackState)
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	authURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	e.Platform.SetExchangeError("invalid_request")

	_, _, err = e.Manager.HandleCallback(ctx, stateFromAuthURL(t, authURL), "bad-code")
	assert.ErrorIs(t, err, serviceerr.ErrExchangeFailed)

	_, err = e.Manager.GetValidToken(ctx, meta.ID, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)
}

func TestWaitForAuthReleasesAllWaiters(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	authURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	const waiters = 5
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Manager.WaitForAuth(ctx, meta.ID, testPlatformID)
		}()
	}

	// Give the waiters time to register before completing the flow.
	time.Sleep(100 * time.Millisecond)

	_, _, err = e.Manager.HandleCallback(ctx, stateFromAuthURL(t, authURL), "code123")
	require.NoError(t, err)
	wg.Wait()

	for i := range waiters {
		assert.NoError(t, errs[i])
	}
}

func TestWaitForAuthObservesFailure(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	authURL, err := e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	e.Platform.SetExchangeError("access_denied")

	done := make(chan error, 1)
	go func() {
		done <- e.Manager.WaitForAuth(ctx, meta.ID, testPlatformID)
	}()
	time.Sleep(100 * time.Millisecond)

	_, _, err = e.Manager.HandleCallback(ctx, stateFromAuthURL(t, authURL), "code123")
	require.Error(t, err)

	waitErr := <-done
	assert.ErrorIs(t, waitErr, serviceerr.ErrExchangeFailed)
}

func TestWaitForAuthTimeout(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	_, err = e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	err = e.Manager.WaitForAuth(ctx, meta.ID, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrWaitTimeout)
}

func TestWaitForAuthAbandonedWaitersLeaveNoEntry(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	_, err = e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	err = e.Manager.WaitForAuth(ctx, meta.ID, testPlatformID)
	require.ErrorIs(t, err, serviceerr.ErrWaitTimeout)

	// A wait that gave up on a callback that never came must not keep a
	// broadcast entry around for the pair.
	assert.Equal(t, 0, e.Manager.WaiterEntries())
}

func TestWaitForAuthAlreadyConnected(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	start := time.Now()
	require.NoError(t, e.Manager.WaitForAuth(t.Context(), sid, testPlatformID))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetStatus(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)

	statuses, err := e.Manager.GetStatus(ctx, meta.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, testPlatformID, statuses[0].PlatformID)
	assert.False(t, statuses[0].Connected)
	assert.False(t, statuses[0].AuthPending)

	_, err = e.Manager.StartAuth(ctx, meta.ID, testPlatformID)
	require.NoError(t, err)

	statuses, err = e.Manager.GetStatus(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, statuses[0].Connected)
	assert.True(t, statuses[0].AuthPending)

	sid := e.connect(t)
	statuses, err = e.Manager.GetStatus(ctx, sid)
	require.NoError(t, err)
	assert.True(t, statuses[0].Connected)
	assert.False(t, statuses[0].AuthPending)
	require.NotNil(t, statuses[0].Expiry)
	assert.True(t, statuses[0].Expiry.After(time.Now()))
}

func TestRevoke(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	require.NoError(t, e.Manager.Revoke(t.Context(), sid, testPlatformID))
	// Both the refresh and the access token were revoked upstream.
	assert.Equal(t, int32(2), e.Platform.Revokes.Load())

	_, err := e.Manager.GetValidToken(t.Context(), sid, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)
}

func TestRevokeWithoutRecord(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)

	assert.NoError(t, e.Manager.Revoke(ctx, meta.ID, testPlatformID))
	assert.Equal(t, int32(0), e.Platform.Revokes.Load())
}

func TestIssueAndResolveHandle(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	handle, err := e.Manager.IssueHandle(t.Context(), sid, testPlatformID)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	rec, err := e.Manager.ResolveHandle(t.Context(), handle)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.AccessToken)
}

func TestIssueHandleWithoutRecord(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, _, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)

	_, err = e.Manager.IssueHandle(ctx, meta.ID, testPlatformID)
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestResolveHandleAfterSessionSweep(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	handle, err := e.Manager.IssueHandle(t.Context(), sid, testPlatformID)
	require.NoError(t, err)

	// The handle stays cryptographically valid after the session is reclaimed,
	// but resolving it must read as "please re-authorize", not a lookup error.
	require.NoError(t, e.Registry.DeleteSession(t.Context(), sid))

	_, err = e.Manager.ResolveHandle(t.Context(), handle)
	assert.ErrorIs(t, err, serviceerr.ErrAuthRequired)
	assert.NotErrorIs(t, err, serviceerr.ErrInvalidHandle)
}

func TestResolveHandleTampered(t *testing.T) {
	e := newEnv(t)
	sid := e.connect(t)

	handle, err := e.Manager.IssueHandle(t.Context(), sid, testPlatformID)
	require.NoError(t, err)

	_, err = e.Manager.ResolveHandle(t.Context(), handle+"x")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidHandle)
}

func TestEnsureSessionReusesLiveSession(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()

	meta, created, err := e.Manager.EnsureSession(ctx, "")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := e.Manager.EnsureSession(ctx, meta.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, meta.ID, again.ID)

	// An unknown id yields a fresh session rather than an error.
	fresh, created, err := e.Manager.EnsureSession(ctx, "stale-id")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "stale-id", fresh.ID)
}
