package sockopt

import (
	"context"
	"net"
	"runtime"
	"testing"
)

func TestListenConfigBindsUDP(t *testing.T) {
	lc := Options{ReuseAddr: true, Broadcast: true, RecvBufSize: 1 << 20}.ListenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()

	if runtime.GOOS != "linux" {
		t.Skip("duplicate unicast UDP binds need SO_REUSEPORT outside linux")
	}
	addr := pc.LocalAddr().(*net.UDPAddr)
	second, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		t.Fatalf("second bind with SO_REUSEADDR failed: %v", err)
	}
	second.Close()
}
