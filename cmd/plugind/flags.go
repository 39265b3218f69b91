package main

import "time"

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	Token      string
}

type LoginFlags struct {
	Username string
	Password string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type DownloadFlags struct {
	Destination string
	Hash        string
}

type WatchFlags struct {
	Events []string
}
