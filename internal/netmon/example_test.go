package netmon_test

import (
	"fmt"

	"github.com/nuzzle/caresync/internal/netmon"
)

// ExampleMonitor shows that only changes of the connected flag are delivered.
func ExampleMonitor() {
	m := netmon.New(netmon.Offline, nil)
	changes, stop := m.Subscribe()
	defer stop()

	m.Set(netmon.Status{Connected: true, Interface: netmon.InterfaceWiFi})
	m.Set(netmon.Status{Connected: true, Interface: netmon.InterfaceCellular})

	t := <-changes
	fmt.Println(t.Reconnected(), t.To.Interface)
	fmt.Println(m.Status().Interface)
	// Output:
	// true wifi
	// cellular
}
