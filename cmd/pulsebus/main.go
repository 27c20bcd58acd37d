// pulsebus - in-process publish/subscribe event bus with topic routing,
// priority delivery, backpressure and forwarding sinks.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
