package main

import "github.com/flowdriver/internal/cli"

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cli.SetGitCommit(gitCommit)
	cli.SetVersion(version, buildTime)
	cli.Execute()
}
