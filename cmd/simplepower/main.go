// Command simplepower negotiates a constant-current (PPS) contract within a
// voltage window with the power source, using a dpm.CCPolicy.
//
// To configure, edit the policy below to the voltage/current window your
// board needs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dzarda/pdbsink/dpm"
	"github.com/dzarda/pdbsink/fusb302"
	"github.com/dzarda/pdbsink/sink"
)

const mpn = fusb302.FUSB302BMPX

var policy = dpm.CCPolicy{
	MinVoltage: 6000,
	MaxVoltage: 7000,
	MinCurrent: 1000,
	MaxCurrent: 1000,
}

func main() {
	fmt.Print("starting up\r\n")
	adapter := fusb302.New(getI2C(), mpn)

	table, err := dpm.NewTable(dpm.NewLogger(os.Stdout, "\r\n", policy), nil)
	if err != nil {
		for {
			fmt.Printf("invalid policy: %s\r\n", err)
			time.Sleep(time.Second)
		}
	}

	log := logrus.New()
	cfg := &sink.Config{Adapter: adapter, DPM: table, Log: log}
	if err := cfg.Run(context.Background()); err != nil {
		log.WithError(err).Fatal("sink stack exited")
	}
}
