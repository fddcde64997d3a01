package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Base       string // stack root; defaults to $STACKR_BASE or the working directory
	APIUrl     string // defaults to [server] listen + base_path from the settings file
	APITimeout time.Duration
}

type ServeFlags struct {
	Listen      string // overrides [server] listen without persisting it
	NonBlocking bool   // initialize, start the API and return; used by tests
}

type FreePortFlags struct {
	Start int
	Max   int
}

type LogsFlags struct {
	Source string
	Lines  int
}

type HistoryFlags struct {
	Service string
	Limit   int
}
