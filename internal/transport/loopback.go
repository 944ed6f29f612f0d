package transport

import "context"

// LoopbackCtrl adapts a server-side control handler into the client-side Ctrl
// surface, for workers running in the server's own process.
type LoopbackCtrl struct {
	ClientID string
	Handler  CtrlHandler
}

// Ctrl invokes the handler inline.
func (l *LoopbackCtrl) Ctrl(_ context.Context, payload []byte) ([]byte, error) {
	return l.Handler(l.ClientID, payload)
}
