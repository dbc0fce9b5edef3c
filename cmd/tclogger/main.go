// Command tclogger prints power profiles of the connected power source to
// the terminal, for diagnosing what a source offers before committing a
// CCPolicy/CVPolicy to a board. Its DPM accepts no profile, so the policy
// engine sends only its minimal default request (5V/100mA against the
// first PDO, with the capability mismatch flag set).
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dzarda/pdbsink/dpm"
	"github.com/dzarda/pdbsink/fusb302"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/sink"
)

const mpn = fusb302.FUSB302BMPX

func main() {
	adapter := fusb302.New(getI2C(), mpn)
	table := &dpm.Table{
		EvaluateCapability: dpm.NewLogger(os.Stdout, "\r\n", nil).EvaluateCapabilities,
		GetSinkCapability:  func() []pdmsg.PDO { return nil },
	}
	log := logrus.New()
	cfg := &sink.Config{Adapter: adapter, DPM: table, Log: log}
	if err := cfg.Run(context.Background()); err != nil {
		log.WithError(err).Fatal("sink stack exited")
	}
}
