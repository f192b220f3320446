// Command afedri-discover lists Afedri receivers found by UDP broadcast and mDNS.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rjboer/afedri/internal/discovery"
	"github.com/rjboer/afedri/internal/logging"
)

func main() {
	timeout := flag.Duration("timeout", 3*time.Second, "mDNS browse timeout")
	useMDNS := flag.Bool("mdns", true, "Also browse "+discovery.ServiceType)
	useBroadcast := flag.Bool("broadcast", true, "Probe with UDP broadcast")
	logLevel := flag.String("log-level", "warn", "Log level (debug|info|warn|error)")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "afedri-discover: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(level, logging.Text, os.Stderr)

	printHeader(os.Stdout, *timeout, *useBroadcast, *useMDNS)

	start := time.Now()
	devs, err := discovery.Discover(context.Background(), discovery.Options{
		Broadcast: *useBroadcast,
		MDNS:      *useMDNS,
		Timeout:   *timeout,
		Logger:    logger,
	})
	duration := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}
	printDevices(os.Stdout, devs, duration)
}

const rule = "==============================================================="

func printHeader(w io.Writer, timeout time.Duration, broadcast, mdns bool) {
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, " Afedri SDR-Net Discovery")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, " Broadcast : %v (UDP %d -> %d)\n", broadcast, discovery.ClientPort, discovery.ServerPort)
	fmt.Fprintf(w, " mDNS      : %v (%s)\n", mdns, discovery.ServiceType)
	fmt.Fprintf(w, " Timeout   : %s\n", timeout)
	fmt.Fprintln(w, "---------------------------------------------------------------")
}

func printDevices(w io.Writer, devs []discovery.Device, duration time.Duration) {
	if len(devs) == 0 {
		fmt.Fprintf(w, "No devices found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "Discovered %d device(s) in %s\n", len(devs), duration.Truncate(time.Millisecond))
	fmt.Fprintln(w, rule)

	for i, d := range devs {
		fmt.Fprintf(w, " Device #%d\n", i+1)
		fmt.Fprintln(w, "---------------------------------------------------------------")
		fmt.Fprintf(w, " Name     : %s\n", d.Name)
		fmt.Fprintf(w, " Serial   : %s\n", orNone(d.Serial))
		fmt.Fprintf(w, " Address  : %s\n", d.Address)
		fmt.Fprintf(w, " Port     : %d\n", d.Port)
		fmt.Fprintf(w, " Source   : %s\n", d.Source)
		if d.Hostname != "" {
			fmt.Fprintf(w, " Hostname : %s\n", d.Hostname)
		}

		fmt.Fprintln(w, " TXT Records:")
		if len(d.TXT) == 0 {
			fmt.Fprintln(w, "   <none>")
		} else {
			for _, txt := range d.TXT {
				fmt.Fprintf(w, "   - %s\n", txt)
			}
		}

		fmt.Fprintln(w, " Device args:")
		fmt.Fprintf(w, "   - driver=afedri,address=%s,port=%d\n", d.Address, d.Port)
		fmt.Fprintln(w, rule)
	}
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
