// Package shutdown handles interrupts for the long-running binaries.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// SafeInterrupt installs a SIGINT/SIGTERM handler that calls onInterrupt and
// gives the program gracePeriod to wind down before forcing an exit. A second
// signal exits immediately.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		klog.Errorf("Interrupted, stopping current work...")
		if onInterrupt != nil {
			go onInterrupt()
		}
		go func() {
			<-c
			klog.Errorf("Interrupted twice, exiting now.")
			os.Exit(1)
		}()
		time.Sleep(gracePeriod)
		klog.Errorf("Interrupted: %s grace period expired, forcing exit.", gracePeriod)
		os.Exit(1)
	}()
}
