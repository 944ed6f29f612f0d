package selfplay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

func newCtrlTestController(t *testing.T) *Controller {
	t.Helper()
	store, err := records.NewFileStore(t.TempDir())
	require.NoError(t, err)
	opts := DefaultControllerOptions()
	opts.ServerID = "ctrl-test"
	opts.TimeSignature = "t0"
	opts.SelfplayInitNum = 4
	opts.SelfplayUpdateNum = 2
	c, err := NewController(opts, store)
	require.NoError(t, err)
	return c
}

func roundTrip(t *testing.T, c *Controller, clientID string, msg records.CtrlMsg) records.CtrlReply {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	replyData, err := HandleCtrl(c, clientID, data)
	require.NoError(t, err)
	var reply records.CtrlReply
	require.NoError(t, json.Unmarshal(replyData, &reply))
	return reply
}

func TestHandleCtrlRequest(t *testing.T) {
	c := newCtrlTestController(t)
	_, err := c.SetCurrModel(3)
	require.NoError(t, err)

	reply := roundTrip(t, c, "w-1", records.CtrlMsg{Kind: records.CtrlRequest})
	require.Equal(t, records.CtrlRequest, reply.Kind)
	require.NotNil(t, reply.Request)
	require.True(t, reply.Request.Vers.IsSelfPlay())
	require.Equal(t, records.Version(3), reply.Request.Vers.Black)
	require.InDelta(t, 0.05, reply.Request.ResignThreshold, 1e-6)
	require.Equal(t, 1, c.NumClients())
}

func TestHandleCtrlRequestBeforeAnyModel(t *testing.T) {
	c := newCtrlTestController(t)
	reply := roundTrip(t, c, "w-1", records.CtrlMsg{Kind: records.CtrlRequest})
	require.NotNil(t, reply.Request)
	require.True(t, reply.Request.Vers.IsWait())
}

func TestHandleCtrlReport(t *testing.T) {
	c := newCtrlTestController(t)
	_, err := c.SetCurrModel(1)
	require.NoError(t, err)

	rec := records.Record{
		ClientID: "w-1",
		Request: records.Request{
			Vers: records.VersionPair{Black: 1, White: records.NoVersion},
		},
		Result: records.Result{Reward: 2, Values: []float32{0.5}, NumMoves: 1},
	}
	reply := roundTrip(t, c, "w-1", records.CtrlMsg{Kind: records.CtrlReport, Record: &rec})
	require.Equal(t, records.CtrlReport, reply.Kind)
	require.Equal(t, "fed", reply.Feed)
	require.EqualValues(t, 1, c.TotalFed())

	// A stale version is acknowledged but not counted.
	rec.Request.Vers.Black = 0
	reply = roundTrip(t, c, "w-1", records.CtrlMsg{Kind: records.CtrlReport, Record: &rec})
	require.Equal(t, "version-mismatch", reply.Feed)
	require.EqualValues(t, 1, c.TotalFed())
}

func TestHandleCtrlRejectsBadMessages(t *testing.T) {
	c := newCtrlTestController(t)

	_, err := HandleCtrl(c, "w-1", []byte("not json"))
	require.Error(t, err)

	data, err := json.Marshal(records.CtrlMsg{Kind: "bogus"})
	require.NoError(t, err)
	_, err = HandleCtrl(c, "w-1", data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")

	data, err = json.Marshal(records.CtrlMsg{Kind: records.CtrlReport})
	require.NoError(t, err)
	_, err = HandleCtrl(c, "w-1", data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no record")
}
