// Command mqttrelay runs the MQTT fan-out proxy: it accepts publications
// from client publishers and relays them out to a configurable set of
// downstream brokers.
package main

import (
	"fmt"
	"os"

	"github.com/erikarenhill/mqtt-multi-proxy/cmd/mqttrelay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
