package ports

import (
	"net"
	"testing"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestBindFreePort(t *testing.T) {
	port := freePort(t)
	ln, bound, err := Bind(Options{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if bound != port {
		t.Errorf("bound %d, want %d", bound, port)
	}
}

func TestBindConflictWithoutSwitchFails(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	held := holder.Addr().(*net.TCPAddr).Port

	if _, _, err := Bind(Options{Host: "127.0.0.1", Port: held}); err == nil {
		t.Fatal("bind succeeded on a held port without autoPortSwitch")
	}
}

func TestBindIncrementSwitch(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	held := holder.Addr().(*net.TCPAddr).Port

	ln, bound, err := Bind(Options{
		Host:        "127.0.0.1",
		Port:        held,
		Enabled:     true,
		MaxAttempts: 5,
		Strategy:    "increment",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if bound == held {
		t.Errorf("bound the held port %d", held)
	}
	if bound < held+1 || bound > held+5 {
		t.Errorf("bound %d outside increment window from %d", bound, held)
	}
}

func TestBindPortRangeSwitch(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()
	held := holder.Addr().(*net.TCPAddr).Port

	lo := freePort(t)
	ln, bound, err := Bind(Options{
		Host:        "127.0.0.1",
		Port:        held,
		Enabled:     true,
		MaxAttempts: 3,
		Strategy:    "portRange",
		PortRange:   [2]int{lo, lo + 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if bound < lo || bound > lo+2 {
		t.Errorf("bound %d outside range [%d,%d]", bound, lo, lo+2)
	}
}
