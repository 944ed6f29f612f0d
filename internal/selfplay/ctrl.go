package selfplay

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/6un9-h0-Dan/ELF/internal/records"
)

// HandleCtrl serves one worker control message against the controller: a
// report feeds the delivered record, a request poll fills a fresh play
// request. The reply is a JSON-encoded records.CtrlReply.
//
// Feed gating outcomes travel in the reply; an error means the message
// itself was unusable.
func HandleCtrl(c *Controller, clientID string, payload []byte) ([]byte, error) {
	var msg records.CtrlMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrapf(err, "undecodable control message from client %s", clientID)
	}

	reply := records.CtrlReply{Kind: msg.Kind}
	switch msg.Kind {
	case records.CtrlReport:
		if msg.Record == nil {
			return nil, errors.Errorf("control report from client %s carries no record", clientID)
		}
		result, err := c.Feed(*msg.Record)
		if err != nil {
			// The episode was accepted; only the store write failed, and the
			// records stay pending for the next flush.
			klog.Errorf("Flushing records after an episode of client %s: %+v", clientID, err)
		}
		reply.Feed = result.String()
	case records.CtrlRequest:
		req := &records.Request{}
		c.FillInRequest(ClientInfo{ID: clientID, Seen: time.Now()}, req)
		reply.Request = req
	default:
		return nil, errors.Errorf("unknown control message kind %q from client %s", msg.Kind, clientID)
	}

	out, err := json.Marshal(reply)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode control reply")
	}
	return out, nil
}
