package transports

import "testing"

func TestSplitURLs(t *testing.T) {
	got := SplitURLs(" turn:a:3478 , ,turns:b:443")
	if len(got) != 2 || got[0] != "turn:a:3478" || got[1] != "turns:b:443" {
		t.Fatalf("unexpected urls %v", got)
	}
}

func TestPeerStateTerminal(t *testing.T) {
	if !PeerFailed.Terminal() || !PeerClosed.Terminal() || PeerConnected.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}
