package cmd

// Version is set at build time via ldflags:
//
//	go build -ldflags "-X github.com/taskpilot/taskpilot/cmd.Version=1.0.0"
var Version = "0.1.0"
