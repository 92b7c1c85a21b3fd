package main

import (
	"os"

	"github.com/mazdakn/uswitch/pkg/config"
	"github.com/mazdakn/uswitch/pkg/engine"
	"github.com/sirupsen/logrus"
)

const (
	version = "v0.0.1"
)

func main() {
	logrus.Infof("Running uSwitch %v", version)
	conf, err := config.FromCmdline()
	if err != nil {
		logrus.WithError(err).Errorf("Failed to parse config file")
		os.Exit(1)
	}
	level, _ := conf.Level()
	logrus.SetLevel(level)

	engineMgr := engine.New(conf)
	err = engineMgr.Run()
	if err != nil {
		logrus.WithError(err).Error("Failure in running server")
		os.Exit(1)
	}
}
