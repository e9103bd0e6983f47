package main

import (
	"os"

	"gopkg.in/urfave/cli.v1"

	jclouds "github.com/jclouds/legacy-jclouds-sub040"
	"github.com/jclouds/legacy-jclouds-sub040/config"
)

func main() {
	app := cli.NewApp()
	app.Name = "jclouds-poll"
	app.Usage = "Wait for cloud jobs, nodes, images and tasks to settle"
	app.Version = jclouds.VersionString
	app.Copyright = jclouds.CopyrightString

	app.Flags = config.Flags
	app.Action = runPoll

	_ = app.Run(os.Args)
}

func runPoll(c *cli.Context) error {
	pollCLI := jclouds.NewCLI(c)
	canRun, err := pollCLI.Setup()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if !canRun {
		return nil
	}

	if err := pollCLI.Run(); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}
