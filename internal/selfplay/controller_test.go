package selfplay

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

// captureStore records successful flushes and can be switched to fail.
type captureStore struct {
	mu    sync.Mutex
	fail  bool
	names []string
	recs  map[string][]records.Record
}

func (s *captureStore) Flush(name string, recs []records.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.names = append(s.names, name)
	if s.recs == nil {
		s.recs = make(map[string][]records.Record)
	}
	s.recs[name] = append([]records.Record(nil), recs...)
	return nil
}

func (s *captureStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func testControllerOptions() ControllerOptions {
	opts := DefaultControllerOptions()
	opts.ServerID = "s"
	opts.TimeSignature = "t"
	opts.SelfplayInitNum = 4
	opts.SelfplayUpdateNum = 2
	opts.MaxVersions = 2
	opts.AIConfig = "linear"
	opts.Calculator = calcOptions(64)
	return opts
}

func newTestController(t *testing.T) (*Controller, *captureStore) {
	t.Helper()
	store := &captureStore{}
	c, err := NewController(testControllerOptions(), store)
	require.NoError(t, err)
	return c, store
}

func selfplayEpisode(black records.Version, reward float32) records.Record {
	return records.Record{
		ClientID: "w0",
		Request: records.Request{
			Vers: records.VersionPair{Black: black, White: records.NoVersion},
		},
		Result: records.Result{Reward: reward, NumMoves: 50},
	}
}

func TestControllerFeedGating(t *testing.T) {
	c, _ := newTestController(t)

	// Evaluation pair (both sides assigned) is never self-play.
	rec := selfplayEpisode(0, 2)
	rec.Request.Vers.White = 1
	res, err := c.Feed(rec)
	require.NoError(t, err)
	require.Equal(t, NotSelfPlay, res)

	// No active version yet, so version 0 is a mismatch.
	res, err = c.Feed(selfplayEpisode(0, 2))
	require.NoError(t, err)
	require.Equal(t, VersionMismatch, res)

	changed, err := c.SetCurrModel(0)
	require.NoError(t, err)
	require.True(t, changed)

	res, err = c.Feed(selfplayEpisode(0, 2))
	require.NoError(t, err)
	require.Equal(t, Fed, res)
	require.Equal(t, int64(1), c.NumSelfplayCurrModel())
	require.Equal(t, int64(1), c.TotalFed())

	// Stale version after a switch.
	_, err = c.SetCurrModel(1)
	require.NoError(t, err)
	res, err = c.Feed(selfplayEpisode(0, 2))
	require.NoError(t, err)
	require.Equal(t, VersionMismatch, res)

	// The calculator sees every episode, accepted or not.
	require.Equal(t, int64(4), c.calc.NumGames())
}

func TestControllerFeedNotRequested(t *testing.T) {
	c, _ := newTestController(t)

	// An active version whose record vanished: only reachable through
	// internal state, kept as a guard.
	c.mu.Lock()
	c.curr = 5
	c.mu.Unlock()

	res, err := c.Feed(selfplayEpisode(5, 2))
	require.NoError(t, err)
	require.Equal(t, NotRequested, res)
}

func TestControllerSetCurrModel(t *testing.T) {
	c, _ := newTestController(t)
	require.Equal(t, records.NoVersion, c.CurrModel())

	changed, err := c.SetCurrModel(0)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, records.Version(0), c.CurrModel())

	changed, err = c.SetCurrModel(0)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestControllerThresholdSnapshotPerVersion(t *testing.T) {
	c, _ := newTestController(t)
	_, err := c.SetCurrModel(0)
	require.NoError(t, err)
	require.InDelta(t, 0.05, c.recs[0].ResignThreshold(), 1e-6)

	// Calibration samples whose winner min-values sit well above the
	// threshold push the next version's snapshot up by one delta step.
	for ii := 0; ii < 40; ii++ {
		rec := selfplayEpisode(0, 2)
		rec.Result.NeverResign = true
		rec.Result.Values = []float32{0.5}
		_, err = c.Feed(rec)
		require.NoError(t, err)
	}
	_, err = c.SetCurrModel(1)
	require.NoError(t, err)
	require.InDelta(t, 0.05+DefaultMaxThresholdDelta, c.recs[1].ResignThreshold(), 1e-6)
	// Version 0 keeps its snapshot.
	require.InDelta(t, 0.05, c.recs[0].ResignThreshold(), 1e-6)
}

func TestControllerFlushAtCheckpoints(t *testing.T) {
	c, store := newTestController(t)
	_, err := c.SetCurrModel(0)
	require.NoError(t, err)

	// SelfplayInitNum is 4: the fourth accepted episode flushes.
	for ii := 0; ii < 4; ii++ {
		res, err := c.Feed(selfplayEpisode(0, 2))
		require.NoError(t, err)
		require.Equal(t, Fed, res)
	}
	require.Equal(t, []string{"selfplay-s-t-0-0"}, store.names)
	require.Len(t, store.recs["selfplay-s-t-0-0"], 4)

	// SelfplayUpdateNum is 2: two more episodes flush again.
	for ii := 0; ii < 2; ii++ {
		_, err := c.Feed(selfplayEpisode(0, -2))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"selfplay-s-t-0-0", "selfplay-s-t-0-1"}, store.names)
	require.Len(t, store.recs["selfplay-s-t-0-1"], 2)

	// Accepted records carry the server-assigned sequence numbers.
	batch := store.recs["selfplay-s-t-0-0"]
	for ii, rec := range batch {
		require.Equal(t, int64(ii+1), rec.Seq)
	}
}

func TestControllerFlushFailureRestoresBuffer(t *testing.T) {
	c, store := newTestController(t)
	store.setFail(true)
	_, err := c.SetCurrModel(0)
	require.NoError(t, err)

	for ii := 0; ii < 3; ii++ {
		_, err := c.Feed(selfplayEpisode(0, 2))
		require.NoError(t, err)
	}
	// The checkpoint flush fails; the episode itself is still accepted.
	res, err := c.Feed(selfplayEpisode(0, 2))
	require.Error(t, err)
	require.Equal(t, Fed, res)
	require.Equal(t, int64(4), c.NumSelfplayCurrModel())
	require.Equal(t, 4, c.recs[0].Pending())

	// The next checkpoint retries with the restored records included.
	store.setFail(false)
	for ii := 0; ii < 2; ii++ {
		_, err := c.Feed(selfplayEpisode(0, 2))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"selfplay-s-t-0-1"}, store.names)
	require.Len(t, store.recs["selfplay-s-t-0-1"], 6)
}

func TestControllerBoundedVersionHistory(t *testing.T) {
	c, store := newTestController(t)
	_, err := c.SetCurrModel(0)
	require.NoError(t, err)
	for ii := 0; ii < 3; ii++ {
		_, err := c.Feed(selfplayEpisode(0, 2))
		require.NoError(t, err)
	}

	_, err = c.SetCurrModel(1)
	require.NoError(t, err)
	require.Empty(t, store.names)

	// MaxVersions is 2: the third version evicts version 0 and flushes its
	// pending records even though no checkpoint was reached.
	_, err = c.SetCurrModel(2)
	require.NoError(t, err)
	require.Equal(t, []string{"selfplay-s-t-0-0"}, store.names)
	require.Len(t, store.recs["selfplay-s-t-0-0"], 3)
	require.Len(t, c.recs, 2)
	require.NotContains(t, c.recs, records.Version(0))
}

func TestControllerNeedWaitForMoreSample(t *testing.T) {
	c, _ := newTestController(t)

	// No active version: nothing to train on.
	require.Equal(t, VersionInvalid, c.NeedWaitForMoreSample(0))

	_, err := c.SetCurrModel(1)
	require.NoError(t, err)
	require.Equal(t, VersionOld, c.NeedWaitForMoreSample(0))
	require.Equal(t, InsufficientSample, c.NeedWaitForMoreSample(1))

	for ii := 0; ii < 4; ii++ {
		_, err := c.Feed(selfplayEpisode(1, 2))
		require.NoError(t, err)
	}
	require.Equal(t, SufficientSample, c.NeedWaitForMoreSample(1))

	// A weight update raises the quota again.
	require.NoError(t, c.NotifyCurrentWeightUpdate())
	require.Equal(t, InsufficientSample, c.NeedWaitForMoreSample(1))
	for ii := 0; ii < 2; ii++ {
		_, err := c.Feed(selfplayEpisode(1, 2))
		require.NoError(t, err)
	}
	require.Equal(t, SufficientSample, c.NeedWaitForMoreSample(1))
}

func TestControllerNotifyWithoutVersion(t *testing.T) {
	c, _ := newTestController(t)
	require.Error(t, c.NotifyCurrentWeightUpdate())
}

func TestControllerFillInRequest(t *testing.T) {
	c, _ := newTestController(t)
	client := ClientInfo{ID: "w0", Seen: time.Now()}

	var req records.Request
	c.FillInRequest(client, &req)
	require.True(t, req.Vers.IsWait())
	require.Equal(t, 1, c.NumClients())

	_, err := c.SetCurrModel(3)
	require.NoError(t, err)
	req = records.Request{}
	c.FillInRequest(client, &req)
	require.True(t, req.Vers.IsSelfPlay())
	require.Equal(t, records.Version(3), req.Vers.Black)
	require.Equal(t, records.NoVersion, req.Vers.White)
	require.InDelta(t, 0.05, req.ResignThreshold, 1e-6)
	require.InDelta(t, 0.1, req.NeverResignProb, 1e-6)
	require.Equal(t, "linear", req.AIConfig)

	// A second client is tracked separately.
	c.FillInRequest(ClientInfo{ID: "w1", Seen: time.Now()}, &req)
	require.Equal(t, 2, c.NumClients())
}
